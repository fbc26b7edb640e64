// Package peer implements per-remote-node session state (spec.md §3/§4.4):
// derived symmetric session keys, a bounded ordered set of paths with
// best-path selection, and per-verb rate limiting. Each Peer is a
// phony.Inbox actor, the teacher's mechanism for a per-entity lock.
package peer

import (
	"crypto/rand"
	"time"

	"github.com/Arceliar/phony"
	"golang.org/x/time/rate"

	"github.com/meshcore/hypervisor/crypto"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/locator"
	"github.com/meshcore/hypervisor/path"
)

// MaxPaths bounds the number of paths tracked per peer, spec.md §3
// ("bounded set of paths (≤16)").
const MaxPaths = 16

// SessionKeyLifetime bounds how long a derived session key is used before
// renegotiation is required, spec.md §4.4.
const SessionKeyLifetime = time.Hour

// RateLimitKind selects which per-peer token bucket a piece of control
// traffic draws from, spec.md §4.4.
type RateLimitKind int

const (
	RateLimitWHOIS RateLimitKind = iota
	RateLimitECHO
	RateLimitRendezvous
	RateLimitUnsolicitedHello
	rateLimitKindCount
)

// defaultRates are the steady-state admit rates (per second) and burst
// sizes for each bucket. Callers can override via SetRateLimit.
var defaultRates = [rateLimitKindCount]struct {
	rps   rate.Limit
	burst int
}{
	RateLimitWHOIS:            {rps: 4, burst: 8},
	RateLimitECHO:             {rps: 4, burst: 8},
	RateLimitRendezvous:       {rps: 1, burst: 4},
	RateLimitUnsolicitedHello: {rps: 1, burst: 2},
}

// SessionKeys holds the per-direction symmetric keys derived from a
// HELLO/OK exchange.
type SessionKeys struct {
	Send    [32]byte
	Receive [32]byte
	Created time.Time
}

// Expired reports whether these keys have outlived SessionKeyLifetime as
// of now and should be renegotiated.
func (k *SessionKeys) Expired(now time.Time) bool {
	return k.Created.IsZero() || now.Sub(k.Created) > SessionKeyLifetime
}

// Peer is the per-remote-identity session state. It is a phony actor:
// mutation of its fields must happen inside Act/Block so the teacher's
// "one lock per peer" discipline holds.
type Peer struct {
	phony.Inbox

	Identity *identity.Identity

	keys        *SessionKeys
	paths       []*path.Path
	limiters    [rateLimitKindCount]*rate.Limiter
	lastHello   time.Time
	lastHelloOK time.Time
	networks    map[uint64]struct{}
	loc         *locator.Locator
}

// New constructs a Peer for the given remote identity with default rate
// limits.
func New(id *identity.Identity) *Peer {
	p := &Peer{
		Identity: id,
		networks: make(map[uint64]struct{}),
	}
	for k := RateLimitKind(0); k < rateLimitKindCount; k++ {
		d := defaultRates[k]
		p.limiters[k] = rate.NewLimiter(d.rps, d.burst)
	}
	return p
}

// SetRateLimit overrides the steady-state rate and burst for one bucket.
func (p *Peer) SetRateLimit(kind RateLimitKind, rps rate.Limit, burst int) {
	phony.Block(p, func() {
		p.limiters[kind] = rate.NewLimiter(rps, burst)
	})
}

// Admit reports whether an item of the given kind should be admitted right
// now, consuming a token if so. Exceeded buckets should be dropped with a
// RATE_LIMIT_EXCEEDED trace by the caller, per spec.md §4.4.
func (p *Peer) Admit(kind RateLimitKind) bool {
	var ok bool
	phony.Block(p, func() {
		ok = p.limiters[kind].Allow()
	})
	return ok
}

// DeriveSessionKeys computes the per-direction symmetric keys for a new
// session following a HELLO/OK round trip: a Curve25519 DH (mixed with
// P-384 ECDH when both identities are that type) folded through the
// random session nonce carried in the HELLO via SHA-512, then split into send/receive
// halves.
func (p *Peer) DeriveSessionKeys(local *identity.Identity, sessionNonce []byte, weAreInitiator bool) error {
	shared, err := local.AgreeC25519(p.Identity)
	if err != nil {
		return err
	}
	if p384 := local.AgreeP384(p.Identity); p384 != nil {
		shared = append(shared, p384...)
	}
	digest := crypto.Sha512(shared, sessionNonce)
	var a, b [32]byte
	copy(a[:], digest[:32])
	copy(b[:], digest[32:])
	keys := &SessionKeys{Created: time.Now()}
	if weAreInitiator {
		keys.Send, keys.Receive = a, b
	} else {
		keys.Send, keys.Receive = b, a
	}
	phony.Block(p, func() {
		p.keys = keys
	})
	return nil
}

// Keys returns the current session keys, or nil if none have been
// negotiated yet.
func (p *Peer) Keys() *SessionKeys {
	var k *SessionKeys
	phony.Block(p, func() { k = p.keys })
	return k
}

// SetLocator records loc as this peer's most recently advertised locator,
// superseding any older one, per spec.md §4.2's advertise-on-HELLO flow.
// Callers verify loc against the peer's identity before calling this.
func (p *Peer) SetLocator(loc *locator.Locator) {
	phony.Block(p, func() {
		if p.loc == nil || loc.Timestamp > p.loc.Timestamp {
			p.loc = loc
		}
	})
}

// Locator returns the most recently verified locator this peer has
// advertised, or nil if none has been seen yet.
func (p *Peer) Locator() *locator.Locator {
	var loc *locator.Locator
	phony.Block(p, func() { loc = p.loc })
	return loc
}

// ShouldSendHello reports whether a keepalive HELLO to this peer is due as
// of now (no HELLO sent within interval), and if so marks one as sent so a
// second call at the same now is a no-op, per spec.md §8's
// background-task idempotence requirement.
func (p *Peer) ShouldSendHello(now time.Time, interval time.Duration) bool {
	var due bool
	phony.Block(p, func() {
		if p.lastHello.IsZero() || now.Sub(p.lastHello) >= interval {
			due = true
			p.lastHello = now
		}
	})
	return due
}

// MarkHelloOK records that a HELLO sent to this peer was most recently
// acknowledged at now.
func (p *Peer) MarkHelloOK(now time.Time) {
	phony.Block(p, func() {
		p.lastHelloOK = now
	})
}

// LastHelloOK returns the last time a HELLO to this peer was acknowledged.
func (p *Peer) LastHelloOK() time.Time {
	var t time.Time
	phony.Block(p, func() { t = p.lastHelloOK })
	return t
}

// AddPath inserts or updates a path to this peer. If the peer already has
// MaxPaths entries and this is a new path, the least useful existing path
// (not alive, or oldest LastRecv) is evicted to make room.
func (p *Peer) AddPath(np *path.Path) {
	phony.Block(p, func() {
		for _, existing := range p.paths {
			if existing.Local == np.Local && existing.Remote.Equal(np.Remote) {
				existing.LastSend = np.LastSend
				if !np.LastRecv.IsZero() {
					existing.LastRecv = np.LastRecv
				}
				existing.Preferred = existing.Preferred || np.Preferred
				existing.Promoted = existing.Promoted || np.Promoted
				return
			}
		}
		if len(p.paths) >= MaxPaths {
			p.evictWorstLocked()
		}
		p.paths = append(p.paths, np)
	})
}

func (p *Peer) evictWorstLocked() {
	now := time.Now()
	worstIdx := -1
	for i, existing := range p.paths {
		if worstIdx == -1 {
			worstIdx = i
			continue
		}
		w := p.paths[worstIdx]
		if existing.Alive(now) != w.Alive(now) {
			if w.Alive(now) {
				worstIdx = i
			}
			continue
		}
		if existing.LastRecv.Before(w.LastRecv) {
			worstIdx = i
		}
	}
	if worstIdx >= 0 {
		p.paths = append(p.paths[:worstIdx], p.paths[worstIdx+1:]...)
	}
}

// BestPath returns the best currently-selected path, or nil if none are
// alive and promoted, per spec.md §4.4.
func (p *Peer) BestPath() *path.Path {
	var best *path.Path
	phony.Block(p, func() {
		best = path.Best(p.paths, time.Now())
	})
	return best
}

// Paths returns a snapshot of this peer's current paths.
func (p *Peer) Paths() []*path.Path {
	var out []*path.Path
	phony.Block(p, func() {
		out = append(out, p.paths...)
	})
	return out
}

// RecordNetworkMembership notes that this peer claims membership in
// networkID, for multicast fan-out bookkeeping.
func (p *Peer) RecordNetworkMembership(networkID uint64) {
	phony.Block(p, func() { p.networks[networkID] = struct{}{} })
}

// IsMember reports whether this peer has previously claimed membership in
// networkID.
func (p *Peer) IsMember(networkID uint64) bool {
	var ok bool
	phony.Block(p, func() { _, ok = p.networks[networkID] })
	return ok
}

// NewSessionNonce samples a fresh random nonce to mix into key derivation.
func NewSessionNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

