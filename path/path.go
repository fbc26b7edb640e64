// Package path implements the (local-socket, remote-address) channel to a
// single peer described in spec.md §3/§4.4: liveness, preference, and
// last-send/receive bookkeeping, plus best-path selection.
package path

import (
	"bytes"
	"time"

	"github.com/meshcore/hypervisor/endpoint"
)

// LivenessWindow is how recently a path must have received traffic to be
// considered alive, spec.md §4.4.
const LivenessWindow = time.Minute

// LocalSocket identifies the local listening socket a path was seen on.
// It is opaque to the core; the driver assigns and interprets these.
type LocalSocket uint64

// Path is a channel to one peer over a specific (local socket, remote
// endpoint) pair.
type Path struct {
	Local     LocalSocket
	Remote    endpoint.Endpoint
	LastSend  time.Time
	LastRecv  time.Time
	Preferred bool
	// Promoted becomes true after a HELLO/OK round trip completes over
	// this path; until then it is tentative and never selected as best.
	Promoted bool
}

// Alive reports whether this path has received traffic within the
// liveness window as of now.
func (p *Path) Alive(now time.Time) bool {
	return !p.LastRecv.IsZero() && now.Sub(p.LastRecv) <= LivenessWindow
}

// key returns a value suitable for the deterministic lexicographic
// tie-break in spec.md §4.4.
func (p *Path) key() []byte {
	buf := make([]byte, 0, 32)
	var lb [8]byte
	for i := 0; i < 8; i++ {
		lb[i] = byte(p.Local >> (8 * i))
	}
	buf = append(buf, lb[:]...)
	enc, _ := p.Remote.Encode(nil)
	return append(buf, enc...)
}

// Compare orders two paths for the deterministic tie-break: lexicographic
// on (local socket, remote address).
func Compare(a, b *Path) int {
	return bytes.Compare(a.key(), b.key())
}

// Best selects the preferred path among alive, promoted candidates: prefer
// Preferred paths, then most-recent LastRecv, then the lexicographic
// tie-break on (local, remote), per spec.md §4.4. Returns nil if no
// candidate is both alive and promoted.
func Best(paths []*Path, now time.Time) *Path {
	var best *Path
	for _, p := range paths {
		if !p.Promoted || !p.Alive(now) {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if p.Preferred != best.Preferred {
			if p.Preferred {
				best = p
			}
			continue
		}
		if !p.LastRecv.Equal(best.LastRecv) {
			if p.LastRecv.After(best.LastRecv) {
				best = p
			}
			continue
		}
		if Compare(p, best) < 0 {
			best = p
		}
	}
	return best
}
