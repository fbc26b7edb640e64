package cert

import (
	"sync"

	"github.com/meshcore/hypervisor/crypto"
	"github.com/meshcore/hypervisor/identity"
)

// newestKey identifies the (issuer, subject unique ID) slot the store keeps
// only the newest-by-subject-timestamp entry for.
type newestKey struct {
	issuer    identity.Fingerprint
	uniqueID  [crypto.P384PublicKeySize]byte
	hasUnique bool
}

func newestKeyFor(c *Certificate) newestKey {
	k := newestKey{issuer: c.Issuer.Fingerprint()}
	if c.Subject.UniqueID != nil {
		k.hasUnique = true
		copy(k.uniqueID[:], crypto.MarshalP384Public(c.Subject.UniqueID))
	}
	return k
}

// Store holds certificates keyed by serial, tracks the newest-by-(issuer,
// subject unique ID) pointer, per-certificate local trust flags, and the
// derived set of root identities (spec.md §4.3).
type Store struct {
	mu       sync.Mutex
	byserial map[Serial]*Certificate
	trust    map[Serial]TrustFlags
	newest   map[newestKey]Serial
	roots    map[identity.Address]*identity.Identity
}

// NewStore constructs an empty certificate store.
func NewStore() *Store {
	return &Store{
		byserial: make(map[Serial]*Certificate),
		trust:    make(map[Serial]TrustFlags),
		newest:   make(map[newestKey]Serial),
		roots:    make(map[identity.Address]*identity.Identity),
	}
}

// Decode parses and, unless the caller has already verified it, validates
// a certificate's structure against now.
func (s *Store) Decode(data []byte, verify bool, now int64) (*Certificate, error) {
	return Decode(data, verify, now)
}

// Insert adds a certificate to the store, running full structural
// verification unless verified is true (the caller asserts Decode already
// ran with verify=true on this exact certificate). Older certificates for
// the same (issuer, subject unique ID) are rejected with HaveNewerCertError
// and the store is left unchanged.
func (s *Store) Insert(c *Certificate, verified bool, trust TrustFlags, now int64) error {
	if !verified {
		if err := c.VerifyStructure(now); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := newestKeyFor(c)
	if existingSerial, ok := s.newest[key]; ok {
		existing := s.byserial[existingSerial]
		if existing != nil && existing.Subject.Timestamp >= c.Subject.Timestamp && existingSerial != c.Serial {
			return HaveNewerCertError{}
		}
	}
	s.byserial[c.Serial] = c
	s.trust[c.Serial] = trust
	s.newest[key] = c.Serial
	if trust&TrustFlagRootSet != 0 {
		for _, il := range c.Subject.Identities {
			s.roots[il.Identity.Address()] = il.Identity
		}
	}
	return nil
}

// Get returns the certificate with the given serial, if present.
func (s *Store) Get(serial Serial) (*Certificate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byserial[serial]
	return c, ok
}

// TrustFlags returns the local trust flags set for a stored certificate.
func (s *Store) TrustFlags(serial Serial) TrustFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust[serial]
}

// RootIdentities returns the union of identities promoted to roots by
// certificates carrying TrustFlagRootSet.
func (s *Store) RootIdentities() []*identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.Identity, 0, len(s.roots))
	for _, id := range s.roots {
		out = append(out, id)
	}
	return out
}

// Chain walks from the certificate identified by serial to a locally
// trusted root, honoring MaxPathLength at each hop. It returns the chain
// from the leaf to the root (inclusive) or InvalidChainError if no such
// path exists.
func (s *Store) Chain(serial Serial) ([]*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.byserial[serial]
	if !ok {
		return nil, NotFoundError{}
	}
	if s.trust[serial]&TrustFlagRootCA != 0 {
		return []*Certificate{start}, nil
	}
	var walk func(c *Certificate, depth int, visited map[Serial]bool) []*Certificate
	walk = func(c *Certificate, depth int, visited map[Serial]bool) []*Certificate {
		if visited[c.Serial] {
			return nil
		}
		visited[c.Serial] = true
		if s.trust[c.Serial]&TrustFlagRootCA != 0 {
			return []*Certificate{c}
		}
		if depth >= int(c.MaxPathLength) {
			return nil
		}
		for _, ref := range c.Subject.CertRefs {
			next, ok := s.byserial[ref]
			if !ok {
				continue
			}
			if rest := walk(next, depth+1, visited); rest != nil {
				return append([]*Certificate{c}, rest...)
			}
		}
		return nil
	}
	chain := walk(start, 0, make(map[Serial]bool))
	if chain == nil {
		return nil, InvalidChainError{}
	}
	return chain, nil
}
