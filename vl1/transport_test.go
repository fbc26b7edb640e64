package vl1

import (
	"net"
	"testing"
	"time"

	"github.com/meshcore/hypervisor/crypto"
	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/locator"
	"github.com/meshcore/hypervisor/path"
	"github.com/meshcore/hypervisor/peer"
)

// fakeHost is a minimal in-memory Host for exercising Transport without a
// real node core or network.
type fakeHost struct {
	local     *identity.Identity
	locator   []byte
	peers     map[identity.Address]*peer.Peer
	roots     []*peer.Peer
	sent      []sentPacket
	delivered []delivery
	errors    []errDelivery
}

type sentPacket struct {
	local  path.LocalSocket
	remote endpoint.Endpoint
	data   []byte
}

type delivery struct {
	from      identity.Address
	networkID uint64
	verb      Verb
	payload   []byte
}

type errDelivery struct {
	from  identity.Address
	code  ErrorCode
	extra []byte
}

func newFakeHost(id *identity.Identity) *fakeHost {
	return &fakeHost{local: id, peers: make(map[identity.Address]*peer.Peer)}
}

func (h *fakeHost) LocalIdentity() *identity.Identity { return h.local }
func (h *fakeHost) LocalLocator() []byte              { return h.locator }
func (h *fakeHost) GetPeer(addr identity.Address) (*peer.Peer, bool) {
	p, ok := h.peers[addr]
	return p, ok
}
func (h *fakeHost) AddPeer(p *peer.Peer) { h.peers[p.Identity.Address()] = p }
func (h *fakeHost) Roots() []*peer.Peer  { return h.roots }
func (h *fakeHost) SendWire(local path.LocalSocket, remote endpoint.Endpoint, data []byte) error {
	h.sent = append(h.sent, sentPacket{local: local, remote: remote, data: data})
	return nil
}
func (h *fakeHost) DeliverVerb(from identity.Address, networkID uint64, verb Verb, payload []byte) {
	h.delivered = append(h.delivered, delivery{from: from, networkID: networkID, verb: verb, payload: payload})
}
func (h *fakeHost) DeliverError(from identity.Address, code ErrorCode, extra []byte) {
	h.errors = append(h.errors, errDelivery{from: from, code: code, extra: extra})
}
func (h *fakeHost) Trace(event string, fields map[string]interface{}) {}

func testEndpoint(port uint16) endpoint.Endpoint {
	return endpoint.Endpoint{Type: endpoint.TypeIPUDP, IP: net.ParseIP("198.51.100.7"), Port: port}
}

func TestHelloHandshakeEstablishesMatchingSessionKeys(t *testing.T) {
	idA, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}

	hostA := newFakeHost(idA)
	hostB := newFakeHost(idB)
	tA := NewTransport(hostA)
	tB := NewTransport(hostB)

	peerBAtA := peer.New(idB)
	hostA.AddPeer(peerBAtA)

	if err := tA.SendHello(peerBAtA, path.LocalSocket(1), testEndpoint(9993)); err != nil {
		t.Fatal(err)
	}
	if len(hostA.sent) != 1 {
		t.Fatalf("expected one HELLO sent, got %d", len(hostA.sent))
	}

	now := time.Now()
	tB.ProcessWirePacket(now, path.LocalSocket(2), testEndpoint(9994), hostA.sent[0].data)
	if len(hostB.sent) != 1 {
		t.Fatalf("expected B to reply OK, got %d outbound packets", len(hostB.sent))
	}
	peerAAtB, ok := hostB.GetPeer(idA.Address())
	if !ok {
		t.Fatal("expected B to have created a peer for A after the HELLO")
	}
	if peerAAtB.Keys() == nil {
		t.Fatal("expected B to have derived session keys from the HELLO")
	}

	tA.ProcessWirePacket(now, path.LocalSocket(1), testEndpoint(9993), hostB.sent[0].data)
	if peerBAtA.Keys() == nil {
		t.Fatal("expected A to have derived session keys from the OK")
	}
	if peerBAtA.Keys().Send != peerAAtB.Keys().Receive || peerBAtA.Keys().Receive != peerAAtB.Keys().Send {
		t.Fatal("A and B derived inconsistent session keys")
	}
}

func TestSendRoutesOverPeerBestPath(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)

	hostA := newFakeHost(idA)
	tA := NewTransport(hostA)
	peerB := peer.New(idB)
	peerB.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: time.Now(), Promoted: true})
	hostA.AddPeer(peerB)

	if err := tA.Send(idB.Address(), VerbUserMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if len(hostA.sent) != 1 {
		t.Fatalf("expected one packet sent, got %d", len(hostA.sent))
	}
}

func TestSendFailsWithNoPathOrRoot(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)
	hostA := newFakeHost(idA)
	tA := NewTransport(hostA)
	if err := tA.Send(idB.Address(), VerbUserMessage, []byte("hello")); err == nil {
		t.Fatal("expected an error when neither a direct path nor a root is available")
	}
}

func TestErrorReplyReachesHostAsDeliverError(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)

	hostB := newFakeHost(idB)
	tB := NewTransport(hostB)
	peerA := peer.New(idA)
	peerA.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: time.Now(), Promoted: true})
	hostB.AddPeer(peerA)

	hostA := newFakeHost(idA)
	tA := NewTransport(hostA)
	peerBAtA := peer.New(idB)
	peerBAtA.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: time.Now(), Promoted: true})
	hostA.AddPeer(peerBAtA)

	var networkID [8]byte
	networkID[7] = 7
	if err := tA.SendError(idB.Address(), ErrorNetworkNotFound, networkID[:]); err != nil {
		t.Fatal(err)
	}
	if len(hostA.sent) != 1 {
		t.Fatalf("expected one ERROR packet sent, got %d", len(hostA.sent))
	}
	tB.ProcessWirePacket(time.Now(), path.LocalSocket(2), testEndpoint(9994), hostA.sent[0].data)
	if len(hostB.errors) != 1 {
		t.Fatalf("expected DeliverError to have been called once, got %d", len(hostB.errors))
	}
	if hostB.errors[0].code != ErrorNetworkNotFound {
		t.Fatalf("unexpected error code: %v", hostB.errors[0].code)
	}
}

func TestRelayForwardsPacketNotAddressedToThisNode(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)
	idRelay, _ := identity.Generate(identity.TypeC25519)

	hostRelay := newFakeHost(idRelay)
	tRelay := NewTransport(hostRelay)
	peerB := peer.New(idB)
	peerB.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: time.Now(), Promoted: true})
	hostRelay.AddPeer(peerB)

	h := Header{PacketID: 7, Destination: idB.Address(), Source: idA.Address()}
	pkt := tRelay.sealControl(h, []byte{byte(VerbEcho), 1, 2, 3})

	tRelay.ProcessWirePacket(time.Now(), path.LocalSocket(2), testEndpoint(8000), pkt)

	if len(hostRelay.sent) != 1 {
		t.Fatalf("expected the packet to be relayed once toward B, got %d", len(hostRelay.sent))
	}
	relayed := hostRelay.sent[0]
	if relayed.remote.Port != 9993 {
		t.Fatalf("expected relay to use B's best path, got port %d", relayed.remote.Port)
	}
	outH, body, err := ParseHeader(relayed.data)
	if err != nil {
		t.Fatal(err)
	}
	if outH.Destination != idB.Address() || outH.Source != idA.Address() {
		t.Fatalf("relayed header addresses changed: %+v", outH)
	}
	if outH.Hops() != 1 {
		t.Fatalf("expected hop count incremented to 1, got %d", outH.Hops())
	}
	if string(body) != string(pkt[HeaderSize:]) {
		t.Fatal("relayed payload must travel unmodified")
	}
}

func TestRelayDropsAtMaxHops(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)
	idRelay, _ := identity.Generate(identity.TypeC25519)

	hostRelay := newFakeHost(idRelay)
	tRelay := NewTransport(hostRelay)
	peerB := peer.New(idB)
	peerB.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: time.Now(), Promoted: true})
	hostRelay.AddPeer(peerB)

	h := Header{PacketID: 7, Destination: idB.Address(), Source: idA.Address()}
	pkt := tRelay.sealControl(h, []byte{byte(VerbEcho)})
	pkt[8+2*identity.AddressSize] = byte(makeFlagsHopsCipher(MaxHops, false, 0))

	tRelay.ProcessWirePacket(time.Now(), path.LocalSocket(2), testEndpoint(8000), pkt)

	if len(hostRelay.sent) != 0 {
		t.Fatalf("expected packet at MaxHops to be dropped, got %d relayed", len(hostRelay.sent))
	}
}

func TestEchoRateLimitDropsExcessRequests(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)

	hostB := newFakeHost(idB)
	tB := NewTransport(hostB)
	peerA := peer.New(idA)
	hostB.AddPeer(peerA)
	peerA.SetRateLimit(peer.RateLimitECHO, 1, 1)

	h := Header{PacketID: 1, Destination: idB.Address(), Source: idA.Address()}
	pkt := tB.sealControl(h, []byte{byte(VerbEcho), 1, 2, 3})

	now := time.Now()
	tB.ProcessWirePacket(now, path.LocalSocket(1), testEndpoint(9993), pkt)
	if len(hostB.sent) != 1 {
		t.Fatalf("expected the first ECHO to be admitted and replied to, got %d replies", len(hostB.sent))
	}

	h2 := Header{PacketID: 2, Destination: idB.Address(), Source: idA.Address()}
	pkt2 := tB.sealControl(h2, []byte{byte(VerbEcho), 4, 5, 6})
	tB.ProcessWirePacket(now, path.LocalSocket(1), testEndpoint(9993), pkt2)
	if len(hostB.sent) != 1 {
		t.Fatalf("expected the second immediate ECHO to be rate-limited and dropped, got %d replies", len(hostB.sent))
	}
}

func TestSessionBetweenP384IdentitiesUsesAESGCM(t *testing.T) {
	idA, err := identity.Generate(identity.TypeP384)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate(identity.TypeP384)
	if err != nil {
		t.Fatal(err)
	}

	hostA := newFakeHost(idA)
	hostB := newFakeHost(idB)
	tA := NewTransport(hostA)
	tB := NewTransport(hostB)

	peerBAtA := peer.New(idB)
	hostA.AddPeer(peerBAtA)

	if err := tA.SendHello(peerBAtA, path.LocalSocket(1), testEndpoint(9993)); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	tB.ProcessWirePacket(now, path.LocalSocket(2), testEndpoint(9994), hostA.sent[0].data)
	tA.ProcessWirePacket(now, path.LocalSocket(1), testEndpoint(9993), hostB.sent[0].data)
	if peerBAtA.Keys() == nil {
		t.Fatal("expected A to have derived session keys from the OK")
	}

	peerBAtA.AddPath(&path.Path{Local: path.LocalSocket(1), Remote: testEndpoint(9993), LastRecv: now, Promoted: true})
	if err := tA.Send(idB.Address(), VerbUserMessage, []byte("hello over AES-GCM")); err != nil {
		t.Fatal(err)
	}
	if len(hostA.sent) != 2 {
		t.Fatalf("expected a second outbound packet carrying the user message, got %d", len(hostA.sent))
	}
	pkt := hostA.sent[1].data
	h, _, err := ParseHeader(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.Suite(h.Cipher()) != crypto.SuiteAESGCM {
		t.Fatalf("expected a P-384/P-384 session to use AES-GCM, got suite %d", h.Cipher())
	}

	tB.ProcessWirePacket(now, path.LocalSocket(2), testEndpoint(9994), pkt)
	if len(hostB.delivered) != 1 {
		t.Fatalf("expected B to deliver the decrypted user message, got %d deliveries", len(hostB.delivered))
	}
	if string(hostB.delivered[0].payload) != "hello over AES-GCM" {
		t.Fatalf("unexpected decrypted payload: %q", hostB.delivered[0].payload)
	}
}

func TestHelloHandshakeAdvertisesLocators(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)

	locA, err := locator.Create(1000, []endpoint.Endpoint{testEndpoint(9993)}, idA)
	if err != nil {
		t.Fatal(err)
	}
	locABytes, err := locA.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	locB, err := locator.Create(2000, []endpoint.Endpoint{testEndpoint(9994)}, idB)
	if err != nil {
		t.Fatal(err)
	}
	locBBytes, err := locB.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	hostA := newFakeHost(idA)
	hostA.locator = locABytes
	hostB := newFakeHost(idB)
	hostB.locator = locBBytes
	tA := NewTransport(hostA)
	tB := NewTransport(hostB)

	peerBAtA := peer.New(idB)
	hostA.AddPeer(peerBAtA)

	if err := tA.SendHello(peerBAtA, path.LocalSocket(1), testEndpoint(9993)); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	tB.ProcessWirePacket(now, path.LocalSocket(2), testEndpoint(9994), hostA.sent[0].data)
	peerAAtB, ok := hostB.GetPeer(idA.Address())
	if !ok {
		t.Fatal("expected B to have created a peer for A after the HELLO")
	}
	if peerAAtB.Locator() == nil || peerAAtB.Locator().Timestamp != 1000 {
		t.Fatal("expected B to have recorded A's locator from the HELLO")
	}

	tA.ProcessWirePacket(now, path.LocalSocket(1), testEndpoint(9993), hostB.sent[0].data)
	if peerBAtA.Locator() == nil || peerBAtA.Locator().Timestamp != 2000 {
		t.Fatal("expected A to have recorded B's locator from the OK")
	}
}

func TestWhoisResolvesParkedFrame(t *testing.T) {
	idA, _ := identity.Generate(identity.TypeC25519)
	idB, _ := identity.Generate(identity.TypeC25519)
	idRoot, _ := identity.Generate(identity.TypeC25519)

	hostB := newFakeHost(idB)
	tB := NewTransport(hostB)
	root := peer.New(idRoot)
	root.AddPath(&path.Path{Local: path.LocalSocket(3), Remote: testEndpoint(1000), LastRecv: time.Now(), Promoted: true})
	hostB.roots = []*peer.Peer{root}

	// B receives a FRAME from an address it has never seen; it must not be
	// delivered yet, and a WHOIS must have gone out toward the root.
	now := time.Now()
	var networkID [8]byte
	networkID[7] = 1
	framePayload := append([]byte{byte(VerbFrame)}, networkID[:]...)
	framePayload = append(framePayload, []byte("ethertype-and-frame")...)
	h := Header{PacketID: 42, Destination: idB.Address(), Source: idA.Address()}
	pkt := tB.sealControl(h, framePayload)
	tB.ProcessWirePacket(now, path.LocalSocket(4), testEndpoint(2000), pkt)

	if len(hostB.delivered) != 0 {
		t.Fatal("frame from an unresolved source should be parked, not delivered")
	}
	if len(hostB.sent) != 1 {
		t.Fatalf("expected exactly one WHOIS to have been sent, got %d", len(hostB.sent))
	}

	// The root's WHOIS OK arrives, resolving A's identity and releasing the
	// parked frame.
	idABytes, _ := idA.MarshalBinary(false)
	okPayload := []byte{byte(VerbWhois)}
	var pidBuf [8]byte
	pidBuf[7] = 42
	okPayload = append(okPayload, pidBuf[:]...)
	okPayload = append(okPayload, idABytes...)
	rootHeader := Header{PacketID: 99, Destination: idB.Address(), Source: idRoot.Address()}
	okPkt := tB.sealControl(rootHeader, append([]byte{byte(VerbOK)}, okPayload...))
	tB.ProcessWirePacket(now, path.LocalSocket(3), testEndpoint(1000), okPkt)

	if len(hostB.delivered) != 1 {
		t.Fatalf("expected the parked frame to be delivered after WHOIS resolution, got %d deliveries", len(hostB.delivered))
	}
	if hostB.delivered[0].from != idA.Address() || hostB.delivered[0].verb != VerbFrame {
		t.Fatalf("unexpected delivery: %+v", hostB.delivered[0])
	}
}
