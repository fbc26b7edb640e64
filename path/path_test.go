package path

import (
	"net"
	"testing"
	"time"

	"github.com/meshcore/hypervisor/endpoint"
)

func udpEndpoint(port uint16) endpoint.Endpoint {
	return endpoint.Endpoint{Type: endpoint.TypeIPUDP, IP: net.ParseIP("198.51.100.1"), Port: port}
}

func TestBestPrefersPreferredThenRecency(t *testing.T) {
	now := time.Now()
	a := &Path{Local: 1, Remote: udpEndpoint(1), Promoted: true, LastRecv: now}
	b := &Path{Local: 2, Remote: udpEndpoint(2), Promoted: true, LastRecv: now.Add(-time.Second), Preferred: true}
	if got := Best([]*Path{a, b}, now); got != b {
		t.Fatal("expected the preferred path to win even though it is slightly older")
	}
}

func TestBestIgnoresTentativeAndDeadPaths(t *testing.T) {
	now := time.Now()
	tentative := &Path{Local: 1, Remote: udpEndpoint(1), Promoted: false, LastRecv: now}
	dead := &Path{Local: 2, Remote: udpEndpoint(2), Promoted: true, LastRecv: now.Add(-2 * LivenessWindow)}
	alive := &Path{Local: 3, Remote: udpEndpoint(3), Promoted: true, LastRecv: now}
	if got := Best([]*Path{tentative, dead, alive}, now); got != alive {
		t.Fatal("expected the only alive, promoted path to win")
	}
	if Best([]*Path{tentative, dead}, now) != nil {
		t.Fatal("expected no best path when none are alive and promoted")
	}
}
