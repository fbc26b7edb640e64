// The per-network state machine, spec.md §4.6: REQUESTING_CONFIGURATION /
// OK / ACCESS_DENIED / NOT_FOUND, the NETWORK_CONFIG request/reply cycle,
// membership credential bookkeeping, and the rules-engine frame filter. A
// Network is a phony.Inbox actor, the teacher's per-entity lock mechanism,
// matching peer.Peer's discipline for the same reason: many
// process-wire-packet calls may touch a network concurrently.
package vl2

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/Arceliar/phony"

	"github.com/meshcore/hypervisor/identity"
)

// Status is a network's membership state, spec.md §4.6.
type Status int

const (
	StatusRequestingConfiguration Status = iota
	StatusOK
	StatusAccessDenied
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusRequestingConfiguration:
		return "REQUESTING_CONFIGURATION"
	case StatusOK:
		return "OK"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Route is a route pushed by the controller as part of a network config.
type Route struct {
	Target net.IPNet
	Via    net.IP
}

// Config is the signed configuration a controller hands back for
// NETWORK_CONFIG, spec.md §3 "Network": rules, capability/tag tables, this
// node's own membership credential, and assigned addresses/routes. Routes
// is not covered by the signature and is not carried by Encode or
// DecodeConfig; a decoded Config always has no routes.
type Config struct {
	Timestamp      int64
	Rules          []Rule
	Capabilities   []Capability
	Tags           []Tag
	COM            *COM
	AssignedIPs    []net.IP
	Routes         []Route
	MulticastLimit int
	Signature      []byte
}

func (c *Config) signedBytes() []byte {
	out := putUint64(nil, uint64(c.Timestamp))
	out = putUint32(out, uint32(len(c.Rules)))
	for _, r := range c.Rules {
		out = r.Encode(out)
	}
	out = putUint32(out, uint32(len(c.Capabilities)))
	for _, cap := range c.Capabilities {
		out = append(out, cap.signedBytes()...)
		out = putUint32(out, uint32(len(cap.Signature)))
		out = append(out, cap.Signature...)
	}
	out = putUint32(out, uint32(len(c.Tags)))
	for _, t := range c.Tags {
		out = append(out, t.signedBytes()...)
		out = putUint32(out, uint32(len(t.Signature)))
		out = append(out, t.Signature...)
	}
	if c.COM != nil {
		out = append(out, 1)
		out = c.COM.Encode(out)
	} else {
		out = append(out, 0)
	}
	out = putUint32(out, uint32(len(c.AssignedIPs)))
	for _, ip := range c.AssignedIPs {
		ip4 := ip.To4()
		if ip4 != nil {
			out = append(out, 4)
			out = append(out, ip4...)
		} else {
			out = append(out, 16)
			out = append(out, ip.To16()...)
		}
	}
	out = putUint32(out, uint32(c.MulticastLimit))
	return out
}

// Sign computes the controller's signature over c.
func (c *Config) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(c.signedBytes())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Verify checks c's signature against the claimed controller identity.
func (c *Config) Verify(controller *identity.Identity) bool {
	return controller.Verify(c.signedBytes(), c.Signature)
}

// Encode appends the wire encoding of c (the NETWORK_CONFIG verb body,
// after the leading network-ID field vl1 already strips) to out.
func (c *Config) Encode(out []byte) []byte {
	out = append(out, c.signedBytes()...)
	out = putUint32(out, uint32(len(c.Signature)))
	return append(out, c.Signature...)
}

// DecodeConfig parses a Config from the front of data.
func DecodeConfig(data []byte) (*Config, error) {
	c := &Config{}
	var v uint64
	var err error
	if v, data, err = getUint64(data); err != nil {
		return nil, err
	}
	c.Timestamp = int64(v)
	var n uint32
	if n, data, err = getUint32(data); err != nil {
		return nil, err
	}
	if n > MaxNetworkRules {
		return nil, TooManyRulesError{}
	}
	for i := uint32(0); i < n; i++ {
		var r Rule
		if r, data, err = DecodeRule(data); err != nil {
			return nil, err
		}
		c.Rules = append(c.Rules, r)
	}
	if n, data, err = getUint32(data); err != nil {
		return nil, err
	}
	if n > MaxNetworkCapabilities {
		return nil, TooManyCapabilitiesError{}
	}
	for i := uint32(0); i < n; i++ {
		cap := Capability{}
		var nr uint32
		if cap.NetworkID, data, err = getUint64(data); err != nil {
			return nil, err
		}
		if cap.ID, data, err = getUint32(data); err != nil {
			return nil, err
		}
		var ts uint64
		if ts, data, err = getUint64(data); err != nil {
			return nil, err
		}
		cap.Timestamp = int64(ts)
		if nr, data, err = getUint32(data); err != nil {
			return nil, err
		}
		if nr > MaxCapabilityRules {
			return nil, TooManyRulesError{}
		}
		for j := uint32(0); j < nr; j++ {
			var r Rule
			if r, data, err = DecodeRule(data); err != nil {
				return nil, err
			}
			cap.Rules = append(cap.Rules, r)
		}
		var sigLen uint32
		if sigLen, data, err = getUint32(data); err != nil {
			return nil, err
		}
		if uint32(len(data)) < sigLen {
			return nil, DecodeError{"short capability signature"}
		}
		cap.Signature = append([]byte(nil), data[:sigLen]...)
		data = data[sigLen:]
		c.Capabilities = append(c.Capabilities, cap)
	}
	if n, data, err = getUint32(data); err != nil {
		return nil, err
	}
	if n > MaxNetworkTags {
		return nil, TooManyTagsError{}
	}
	for i := uint32(0); i < n; i++ {
		t := Tag{}
		if t.NetworkID, data, err = getUint64(data); err != nil {
			return nil, err
		}
		if t.ID, data, err = getUint32(data); err != nil {
			return nil, err
		}
		if t.Value, data, err = getUint32(data); err != nil {
			return nil, err
		}
		var ts uint64
		if ts, data, err = getUint64(data); err != nil {
			return nil, err
		}
		t.Timestamp = int64(ts)
		var sigLen uint32
		if sigLen, data, err = getUint32(data); err != nil {
			return nil, err
		}
		if uint32(len(data)) < sigLen {
			return nil, DecodeError{"short tag signature"}
		}
		t.Signature = append([]byte(nil), data[:sigLen]...)
		data = data[sigLen:]
		c.Tags = append(c.Tags, t)
	}
	if len(data) < 1 {
		return nil, DecodeError{"missing COM flag"}
	}
	hasCOM := data[0]
	data = data[1:]
	if hasCOM == 1 {
		c.COM, data, err = DecodeCOM(data)
		if err != nil {
			return nil, err
		}
	}
	if n, data, err = getUint32(data); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		if len(data) < 1 {
			return nil, DecodeError{"short assigned IP"}
		}
		sz := int(data[0])
		data = data[1:]
		if len(data) < sz {
			return nil, DecodeError{"short assigned IP bytes"}
		}
		c.AssignedIPs = append(c.AssignedIPs, append(net.IP(nil), data[:sz]...))
		data = data[sz:]
	}
	var limit uint32
	if limit, data, err = getUint32(data); err != nil {
		return nil, err
	}
	c.MulticastLimit = int(limit)
	var sigLen uint32
	if sigLen, data, err = getUint32(data); err != nil {
		return nil, err
	}
	if uint32(len(data)) < sigLen {
		return nil, DecodeError{"short config signature"}
	}
	c.Signature = append([]byte(nil), data[:sigLen]...)
	return c, nil
}

// memberState is what this node has learned about one remote member's
// credentials, used to populate EvalContext.SenderTags/ReceiverTags for
// the rules engine.
type memberState struct {
	com  *COM
	tags map[uint32]uint32
}

// ControllerAddress returns the network's controlling node address: the
// high 40 bits of the 64-bit network ID, spec.md glossary "Controller".
func ControllerAddress(networkID uint64) identity.Address {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], networkID)
	var a identity.Address
	copy(a[:], buf[:identity.AddressSize])
	return a
}

// Network is the per-joined-network state described in spec.md §3/§4.6.
type Network struct {
	phony.Inbox

	ID               uint64
	pinnedController *identity.Fingerprint

	opts config

	status      Status
	cfg         *Config
	requestedAt time.Time
	retries     int

	multicast *MulticastTable
	members   map[identity.Address]*memberState
	revoked   map[revocationKey]struct{}
}

type revocationKey struct {
	target identity.Address
	kind   CredentialKind
	id     uint32
}

// NewNetwork constructs a Network in REQUESTING_CONFIGURATION, optionally
// pinned to a specific controller fingerprint supplied at join time
// (spec.md §4.6).
func NewNetwork(id uint64, pinnedController *identity.Fingerprint, opts ...Option) *Network {
	var c config
	configDefaults()(&c)
	for _, o := range opts {
		o(&c)
	}
	return &Network{
		ID:               id,
		pinnedController: pinnedController,
		opts:             c,
		status:           StatusRequestingConfiguration,
		multicast:        NewMulticastTable(c.multicastFanoutCap),
		members:          make(map[identity.Address]*memberState),
		revoked:          make(map[revocationKey]struct{}),
	}
}

// ControllerAddress returns the address of this network's controlling
// node, honoring a pinned fingerprint if one was supplied at join time.
func (n *Network) ControllerAddress() identity.Address {
	if n.pinnedController != nil {
		return n.pinnedController.Address
	}
	return ControllerAddress(n.ID)
}

// Status returns the network's current membership state.
func (n *Network) Status() Status {
	var s Status
	phony.Block(n, func() { s = n.status })
	return s
}

// Config returns the currently installed config, or nil if none (not yet
// OK).
func (n *Network) Config() *Config {
	var c *Config
	phony.Block(n, func() { c = n.cfg })
	return c
}

// RequestPayload builds the NETWORK_CONFIG_REQUEST body (just a
// timestamp; the network ID itself is carried by vl1's common verb
// prefix) and records that a request is now outstanding, per spec.md
// §4.6's REQUESTING_CONFIGURATION state.
func (n *Network) RequestPayload(now time.Time) []byte {
	var out []byte
	phony.Block(n, func() {
		n.requestedAt = now
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], uint64(now.UnixMilli()))
		out = tsBuf[:]
	})
	return out
}

// ProcessBackgroundTasks re-sends the NETWORK_CONFIG_REQUEST if the
// network is REQUESTING_CONFIGURATION and the configured timeout has
// elapsed, up to the retry budget, returning the next deadline this
// network needs attention by.
func (n *Network) ProcessBackgroundTasks(now time.Time, send func([]byte)) time.Time {
	var deadline time.Time
	phony.Block(n, func() {
		if n.status != StatusRequestingConfiguration {
			deadline = now.Add(n.opts.configRequestTimeout)
			return
		}
		due := n.requestedAt.Add(n.opts.configRequestTimeout)
		if now.Before(due) {
			deadline = due
			return
		}
		if n.retries >= n.opts.configRetries {
			deadline = now.Add(n.opts.configRetryBackoff)
			return
		}
		n.retries++
		n.requestedAt = now
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], uint64(now.UnixMilli()))
		send(tsBuf[:])
		deadline = now.Add(n.opts.configRequestTimeout)
	})
	return deadline
}

// HandleConfig decodes and verifies a NETWORK_CONFIG reply from
// controller, installing it and transitioning to OK on success, per
// spec.md §4.6 "NETWORK_CONFIG reply → OK".
func (n *Network) HandleConfig(payload []byte, controller *identity.Identity) error {
	cfg, err := DecodeConfig(payload)
	if err != nil {
		return err
	}
	if !cfg.Verify(controller) {
		return InvalidConfigError{}
	}
	phony.Block(n, func() {
		n.cfg = cfg
		n.status = StatusOK
		n.retries = 0
	})
	return nil
}

// HandleNotFound transitions the network to NOT_FOUND, terminal unless
// re-joined, per spec.md §4.6.
func (n *Network) HandleNotFound() {
	phony.Block(n, func() { n.status = StatusNotFound })
}

// HandleAccessDenied transitions the network to ACCESS_DENIED: the
// controller refused membership, no traffic flows, spec.md §4.6.
func (n *Network) HandleAccessDenied() {
	phony.Block(n, func() { n.status = StatusAccessDenied })
}

// Rejoin resets a NOT_FOUND or ACCESS_DENIED network back to
// REQUESTING_CONFIGURATION, per spec.md §4.6 "Terminal unless the network
// ID is re-joined".
func (n *Network) Rejoin(now time.Time) {
	phony.Block(n, func() {
		n.status = StatusRequestingConfiguration
		n.requestedAt = now
		n.retries = 0
	})
}

// InstallMemberCredential records a remote member's COM/tag set after
// verifying it against controller, enforcing mutual agreeability with
// this node's own COM and any outstanding revocation, spec.md §4.6
// "Credential lifetime".
func (n *Network) InstallMemberCredential(member identity.Address, com *COM, tags []Tag, controller *identity.Identity) error {
	if !com.Verify(controller) {
		return InvalidCredentialError{}
	}
	var err error
	phony.Block(n, func() {
		if _, revoked := n.revoked[revocationKey{target: member, kind: CredentialCOM}]; revoked {
			err = RevokedCredentialError{}
			return
		}
		if n.cfg != nil && n.cfg.COM != nil && !com.AgreesWith(n.cfg.COM) {
			err = InvalidCredentialError{}
			return
		}
		ms, ok := n.members[member]
		if !ok {
			ms = &memberState{tags: make(map[uint32]uint32)}
			n.members[member] = ms
		}
		ms.com = com
		for _, t := range tags {
			if !t.Verify(controller) {
				continue
			}
			if _, revoked := n.revoked[revocationKey{target: member, kind: CredentialTag, id: t.ID}]; revoked {
				continue
			}
			ms.tags[t.ID] = t.Value
		}
	})
	return err
}

// Revoke invalidates a previously installed credential immediately, per
// spec.md §4.6 "on revocation receipt, the credential is invalidated
// immediately".
func (n *Network) Revoke(rev *Revocation, controller *identity.Identity) error {
	if !rev.Verify(controller) {
		return InvalidCredentialError{}
	}
	phony.Block(n, func() {
		key := revocationKey{target: rev.Target, kind: rev.CredentialKind, id: rev.CredentialID}
		n.revoked[key] = struct{}{}
		if ms, ok := n.members[rev.Target]; ok {
			switch rev.CredentialKind {
			case CredentialCOM:
				ms.com = nil
			case CredentialTag:
				delete(ms.tags, rev.CredentialID)
			}
		}
	})
	return nil
}

// IsMember reports whether addr currently holds a live, mutually
// agreeable COM for this network.
func (n *Network) IsMember(addr identity.Address) bool {
	var ok bool
	phony.Block(n, func() {
		ms, found := n.members[addr]
		ok = found && ms.com != nil
	})
	return ok
}

// MemberTags returns a snapshot of addr's known tag values, for building
// an EvalContext's Sender/ReceiverTags.
func (n *Network) MemberTags(addr identity.Address) map[uint32]uint32 {
	out := make(map[uint32]uint32)
	phony.Block(n, func() {
		if ms, ok := n.members[addr]; ok {
			for k, v := range ms.tags {
				out[k] = v
			}
		}
	})
	return out
}

// EvaluateFrame runs the network's rules (and capability sub-rule-sets)
// against ctx, returning DROP unconditionally if the network is not OK,
// per spec.md §4.6's state machine ("ACCESS_DENIED... No traffic flows").
func (n *Network) EvaluateFrame(ctx *EvalContext) Verdict {
	var v Verdict
	phony.Block(n, func() {
		if n.status != StatusOK || n.cfg == nil {
			return
		}
		v = EvaluateWithCapabilities(n.cfg.Rules, n.cfg.Capabilities, ctx)
	})
	return v
}

// Multicast returns this network's multicast subscription table.
func (n *Network) Multicast() *MulticastTable {
	return n.multicast
}
