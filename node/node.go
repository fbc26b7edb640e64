package node

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/meshcore/hypervisor/cert"
	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/locator"
	"github.com/meshcore/hypervisor/path"
	"github.com/meshcore/hypervisor/peer"
	"github.com/meshcore/hypervisor/vl1"
	"github.com/meshcore/hypervisor/vl2"
)

// DefaultPort is the default UDP port VL1 traffic is exchanged over,
// spec.md §6.
const DefaultPort = 9993

// MTU constants carried from original_source/core/zerotier.h, spec.md §6.
const (
	MinMTU        = 1280
	MaxMTU        = 10000
	MinUDPMTU     = 1400
	DefaultUDPMTU = 1432
)

// helloKeepaliveInterval governs how often ProcessBackgroundTasks re-sends
// a HELLO on each peer's best path to keep it alive, spec.md §4.7.
const helloKeepaliveInterval = 30 * time.Second

// Node is the top-level orchestrator, spec.md §4.7: it owns the identity,
// peers, networks, and trust store, and exposes the external API the
// driver calls into. It holds no lock of its own for peers/networks
// beyond the maps' own mutex, matching spec.md §5 ("one lock for the peer
// map... one for the trust store"); each Peer/Network is independently
// its own phony actor.
type Node struct {
	identity *identity.Identity
	trust    *cert.Store
	cb       Callbacks

	locMu   sync.RWMutex
	locator *locator.Locator

	peersMu sync.RWMutex
	peers   map[identity.Address]*peer.Peer

	rootsMu sync.RWMutex
	roots   map[identity.Address]struct{}

	networksMu sync.RWMutex
	networks   map[uint64]*vl2.Network

	// controllerNetworks holds the authoritative config for networks this
	// node itself controls, so it can answer NETWORK_CONFIG_REQUEST from
	// other members. Most nodes never populate this.
	controllerMu       sync.RWMutex
	controllerNetworks map[uint64]*vl2.Config

	transport *vl1.Transport
}

// New constructs a Node for the given local identity. cb must be non-nil;
// it is the node's only channel to the outside world.
func New(id *identity.Identity, cb Callbacks) *Node {
	n := &Node{
		identity:           id,
		trust:              cert.NewStore(),
		cb:                 cb,
		peers:              make(map[identity.Address]*peer.Peer),
		roots:              make(map[identity.Address]struct{}),
		networks:           make(map[uint64]*vl2.Network),
		controllerNetworks: make(map[uint64]*vl2.Config),
	}
	n.transport = vl1.NewTransport(n)
	if data, ok := cb.StateGet(ObjectLocator, ""); ok {
		if loc, err := locator.Unmarshal(data); err == nil && loc.Verify(id) {
			n.locator = loc
		}
	}
	return n
}

// --- vl1.Host implementation -------------------------------------------

func (n *Node) LocalIdentity() *identity.Identity { return n.identity }

// LocalLocator returns this node's current signed locator in marshaled
// form, or nil if PublishLocator hasn't been called (and none was
// restored from persisted state) yet.
func (n *Node) LocalLocator() []byte {
	n.locMu.RLock()
	loc := n.locator
	n.locMu.RUnlock()
	if loc == nil {
		return nil
	}
	data, err := loc.Marshal()
	if err != nil {
		return nil
	}
	return data
}

func (n *Node) GetPeer(addr identity.Address) (*peer.Peer, bool) {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	p, ok := n.peers[addr]
	return p, ok
}

func (n *Node) AddPeer(p *peer.Peer) {
	n.peersMu.Lock()
	_, existed := n.peers[p.Identity.Address()]
	n.peers[p.Identity.Address()] = p
	n.peersMu.Unlock()
	if !existed {
		n.cb.Event(EventOnline, p.Identity.Address())
	}
}

// Roots returns the peer records for this node's current root set (peers
// whose identity was promoted to root via AddRoot or a ZEROTIER_ROOT_SET
// certificate). A root address with no Peer record yet is left out.
func (n *Node) Roots() []*peer.Peer {
	n.rootsMu.RLock()
	addrs := make([]identity.Address, 0, len(n.roots))
	for a := range n.roots {
		addrs = append(addrs, a)
	}
	n.rootsMu.RUnlock()

	out := make([]*peer.Peer, 0, len(addrs))
	for _, a := range addrs {
		if p, ok := n.GetPeer(a); ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) SendWire(local path.LocalSocket, remote endpoint.Endpoint, data []byte) error {
	if !n.cb.PathCheck(local, remote) {
		return nil
	}
	return n.cb.WirePacketSend(local, remote, data, 0)
}

// DeliverVerb routes a VL2-scoped verb already confirmed to come from a
// known peer to the appropriate Network, per spec.md §4.6.
func (n *Node) DeliverVerb(from identity.Address, networkID uint64, verb vl1.Verb, payload []byte) {
	switch verb {
	case vl1.VerbFrame, vl1.VerbExtFrame:
		n.handleFrame(from, networkID, verb, payload)
	case vl1.VerbMulticastLike:
		n.handleMulticastLike(from, networkID, payload)
	case vl1.VerbMulticastFrame:
		n.handleMulticastFrame(from, networkID, payload)
	case vl1.VerbNetworkConfigRequest:
		n.handleNetworkConfigRequest(from, networkID, payload)
	case vl1.VerbNetworkConfig:
		n.handleNetworkConfig(from, networkID, payload)
	case vl1.VerbUserMessage:
		msg := &UserMessage{From: from, Data: payload}
		if len(payload) >= 8 {
			msg.Type = binary.BigEndian.Uint64(payload[:8])
			msg.Data = payload[8:]
		}
		n.cb.Event(EventUserMessage, msg)
	}
}

func (n *Node) Trace(event string, fields map[string]interface{}) {
	n.cb.Event(EventTrace, &TraceEvent{Name: event, Fields: fields})
}

// DeliverError applies an ERROR reply's effect on the Network it concerns,
// spec.md §4.6: NETWORK_NOT_FOUND and NETWORK_ACCESS_DENIED carry the
// rejected network ID as their trailing 8 bytes and drive the matching
// Network out of REQUESTING_CONFIGURATION.
func (n *Node) DeliverError(from identity.Address, code vl1.ErrorCode, extra []byte) {
	switch code {
	case vl1.ErrorNetworkNotFound, vl1.ErrorNetworkAccessDenied:
		if len(extra) < 8 {
			return
		}
		networkID := binary.BigEndian.Uint64(extra[:8])
		net, ok := n.network(networkID)
		if !ok {
			return
		}
		controller, found := n.GetPeer(net.ControllerAddress())
		if !found || controller.Identity.Address() != from {
			return
		}
		prevStatus := net.Status()
		if code == vl1.ErrorNetworkNotFound {
			net.HandleNotFound()
		} else {
			net.HandleAccessDenied()
		}
		if prevStatus != net.Status() {
			n.cb.VirtualNetworkConfig(networkID, net.Status(), nil, ConfigOpDown)
		}
	}
}

// --- network membership lookups ----------------------------------------

func (n *Node) network(id uint64) (*vl2.Network, bool) {
	n.networksMu.RLock()
	defer n.networksMu.RUnlock()
	net, ok := n.networks[id]
	return net, ok
}

func (n *Node) handleFrame(from identity.Address, networkID uint64, verb vl1.Verb, payload []byte) {
	net, ok := n.network(networkID)
	if !ok {
		return
	}
	var frame frame
	var err error
	if verb == vl1.VerbExtFrame {
		var com *vl2.COM
		frame, com, err = decodeExtFrame(payload)
		if err != nil {
			return
		}
		if com != nil {
			if controller, found := n.GetPeer(net.ControllerAddress()); found {
				if instErr := net.InstallMemberCredential(from, com, nil, controller.Identity); instErr != nil {
					n.Trace("invalid_member_credential", map[string]interface{}{"source": from.String(), "network": networkID, "error": instErr.Error()})
				}
			}
		}
	} else {
		frame, err = decodeFrame(payload)
	}
	if err != nil {
		return
	}
	if !net.IsMember(from) {
		n.Trace("not_member", map[string]interface{}{"source": from.String(), "network": networkID})
		return
	}
	ctx := &vl2.EvalContext{
		EtherType:       frame.EtherType,
		SourceMAC:       frame.SourceMAC,
		DestMAC:         frame.DestMAC,
		Characteristics: frameCharacteristics(frame.DestMAC, 0),
		RawPayload:      frame.Payload,
		FrameSize:       len(frame.Payload),
		SourceZT:        from,
		DestZT:          n.identity.Address(),
		SenderTags:      net.MemberTags(from),
		ReceiverTags:    n.localTags(net),
	}
	v := net.EvaluateFrame(ctx)
	if !v.Accept {
		n.Trace("filter_blocked", map[string]interface{}{"source": from.String(), "network": networkID})
		return
	}
	n.cb.VirtualNetworkFrame(networkID, frame.SourceMAC, frame.DestMAC, frame.EtherType, frame.VLANID, frame.Payload)
}

func (n *Node) localTags(net *vl2.Network) map[uint32]uint32 {
	cfg := net.Config()
	if cfg == nil {
		return nil
	}
	out := make(map[uint32]uint32, len(cfg.Tags))
	for _, t := range cfg.Tags {
		out[t.ID] = t.Value
	}
	return out
}

func (n *Node) handleMulticastLike(from identity.Address, networkID uint64, payload []byte) {
	net, ok := n.network(networkID)
	if !ok {
		return
	}
	for len(payload) > 0 {
		g, rest, err := vl2.DecodeGroup(payload)
		if err != nil {
			return
		}
		payload = rest
		net.Multicast().RecordLike(g, from)
	}
}

func (n *Node) handleMulticastFrame(from identity.Address, networkID uint64, payload []byte) {
	net, ok := n.network(networkID)
	if !ok || len(payload) < 10 {
		return
	}
	g, rest, err := vl2.DecodeGroup(payload)
	if err != nil {
		return
	}
	frame, err := decodeFrame(rest)
	if err != nil {
		return
	}
	if !net.IsMember(from) {
		return
	}
	ctx := &vl2.EvalContext{
		EtherType:       frame.EtherType,
		SourceMAC:       frame.SourceMAC,
		DestMAC:         g.MAC,
		Characteristics: frameCharacteristics(g.MAC, vl2.CharacteristicMulticast),
		RawPayload:      frame.Payload,
		FrameSize:       len(frame.Payload),
		SourceZT:        from,
		SenderTags:      net.MemberTags(from),
		ReceiverTags:    n.localTags(net),
	}
	if !net.EvaluateFrame(ctx).Accept {
		return
	}
	n.cb.VirtualNetworkFrame(networkID, frame.SourceMAC, g.MAC, frame.EtherType, frame.VLANID, frame.Payload)
	n.relayMulticastFrame(net, networkID, g, from, payload)
}

// relayMulticastFrame replicates an accepted multicast frame to the
// group's other current subscribers. Only the network's controller holds
// the aggregate per-group subscriber list (members MULTICAST_LIKE only the
// controller, see MulticastSubscribe), so only the controller relays;
// everyone else just delivers locally above. Fan-out is whatever
// MulticastTable.GatherList already caps it at.
func (n *Node) relayMulticastFrame(net *vl2.Network, networkID uint64, g vl2.Group, from identity.Address, payload []byte) {
	if net.ControllerAddress() != n.identity.Address() {
		return
	}
	body := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(body, networkID)
	body = append(body, payload...)
	for _, addr := range net.Multicast().GatherList(g) {
		if addr == from || addr == n.identity.Address() {
			continue
		}
		if err := n.transport.Send(addr, vl1.VerbMulticastFrame, body); err != nil {
			n.Trace("multicast_relay_failed", map[string]interface{}{"dest": addr.String(), "network": networkID, "error": err.Error()})
		}
	}
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// frameCharacteristics builds the CHARACTERISTICS bitmask for an inbound
// frame's EvalContext: every frame reaching handleFrame/handleMulticastFrame
// arrived over the wire, so CharacteristicInbound is always set, and
// CharacteristicBroadcast is set whenever destMAC is the all-ones address.
// extra ORs in any caller-supplied bits (e.g. CharacteristicMulticast).
func frameCharacteristics(destMAC [6]byte, extra uint64) uint64 {
	c := vl2.CharacteristicInbound | extra
	if destMAC == broadcastMAC {
		c |= vl2.CharacteristicBroadcast
	}
	return c
}

func (n *Node) handleNetworkConfigRequest(from identity.Address, networkID uint64, _ []byte) {
	n.controllerMu.RLock()
	cfg, ok := n.controllerNetworks[networkID]
	n.controllerMu.RUnlock()
	if !ok {
		n.sendNetworkError(from, networkID, vl1.ErrorNetworkNotFound)
		return
	}
	n.sendNetworkConfig(from, networkID, cfg)
}

func (n *Node) handleNetworkConfig(from identity.Address, networkID uint64, payload []byte) {
	net, ok := n.network(networkID)
	if !ok {
		return
	}
	controller, found := n.GetPeer(net.ControllerAddress())
	if !found || controller.Identity.Address() != from {
		return
	}
	prevStatus := net.Status()
	if err := net.HandleConfig(payload, controller.Identity); err != nil {
		n.Trace("invalid_network_config", map[string]interface{}{"network": networkID, "error": err.Error()})
		return
	}
	op := ConfigOpUp
	if prevStatus == vl2.StatusOK {
		op = ConfigOpUpdate
	}
	n.cb.VirtualNetworkConfig(networkID, net.Status(), net.Config(), op)
	if prevStatus != vl2.StatusOK {
		n.cb.Event(EventUp, networkID)
	}
}

func (n *Node) sendNetworkError(to identity.Address, networkID uint64, code vl1.ErrorCode) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], networkID)
	if err := n.transport.SendError(to, code, buf[:]); err != nil {
		n.Trace("send_network_error_failed", map[string]interface{}{"dest": to.String(), "error": err.Error()})
	}
}

func (n *Node) sendNetworkConfig(to identity.Address, networkID uint64, cfg *vl2.Config) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], networkID)
	body := cfg.Encode(append([]byte(nil), buf[:]...))
	if err := n.transport.Send(to, vl1.VerbNetworkConfig, body); err != nil {
		n.Trace("send_network_config_failed", map[string]interface{}{"dest": to.String(), "error": err.Error()})
	}
}

// --- management operations ----------------------------------------------

// AddRoot adds id's address to this node's root set and records its
// identity so WHOIS/relay can reach it, spec.md §4.7.
func (n *Node) AddRoot(id *identity.Identity) ResultCode {
	if id == nil {
		return ResultErrorBadParameter
	}
	n.rootsMu.Lock()
	n.roots[id.Address()] = struct{}{}
	n.rootsMu.Unlock()
	if _, ok := n.GetPeer(id.Address()); !ok {
		n.AddPeer(peer.New(id))
	}
	return ResultOK
}

// RemoveRoot removes addr from the root set.
func (n *Node) RemoveRoot(addr identity.Address) ResultCode {
	n.rootsMu.Lock()
	delete(n.roots, addr)
	n.rootsMu.Unlock()
	return ResultOK
}

// PublishLocator signs a new locator for this node listing endpoints and
// persists it, replacing whatever was previously advertised. The new
// locator is what subsequent HELLO/OK exchanges carry via LocalLocator,
// spec.md §4.2/§3.
func (n *Node) PublishLocator(now time.Time, endpoints []endpoint.Endpoint) ResultCode {
	loc, err := locator.Create(now.UnixMilli(), endpoints, n.identity)
	if err != nil {
		return ResultErrorBadParameter
	}
	data, err := loc.Marshal()
	if err != nil {
		return ResultErrorInternal
	}
	n.locMu.Lock()
	n.locator = loc
	n.locMu.Unlock()
	n.cb.StatePut(ObjectLocator, "", data)
	return ResultOK
}

// InstallCertificate decodes and inserts a certificate into this node's
// trust store under the given local trust flags, spec.md §4.3. A
// certificate carrying TrustFlagRootSet promotes every identity it lists
// to a root via AddRoot, the same way a ZEROTIER_ROOT_SET certificate
// updates a node's root set without a code change or restart.
func (n *Node) InstallCertificate(data []byte, trust cert.TrustFlags, now time.Time) ResultCode {
	c, err := n.trust.Decode(data, true, now.Unix())
	if err != nil {
		return ResultErrorBadParameter
	}
	if err := n.trust.Insert(c, true, trust, now.Unix()); err != nil {
		if _, ok := err.(cert.HaveNewerCertError); ok {
			return ResultErrorCollidingObject
		}
		return ResultErrorInvalidCredential
	}
	if trust&cert.TrustFlagRootSet != 0 {
		for _, id := range n.trust.RootIdentities() {
			n.AddRoot(id)
		}
	}
	return ResultOK
}

// Certificate looks up a previously installed certificate by serial and
// reports the local trust flags it was installed under.
func (n *Node) Certificate(serial cert.Serial) (*cert.Certificate, cert.TrustFlags, bool) {
	c, ok := n.trust.Get(serial)
	if !ok {
		return nil, 0, false
	}
	return c, n.trust.TrustFlags(serial), true
}

// CertificateChain walks from the certificate identified by serial to a
// locally trusted root, for a driver that wants to show why (or whether)
// an installed certificate is actually trusted.
func (n *Node) CertificateChain(serial cert.Serial) ([]*cert.Certificate, error) {
	return n.trust.Chain(serial)
}

// Join creates (or returns the existing) Network for networkID and begins
// the NETWORK_CONFIG_REQUEST cycle, spec.md §4.6.
func (n *Node) Join(now time.Time, networkID uint64, pinnedController *identity.Fingerprint, opts ...vl2.Option) (*vl2.Network, ResultCode) {
	n.networksMu.Lock()
	if existing, ok := n.networks[networkID]; ok {
		n.networksMu.Unlock()
		return existing, ResultOK
	}
	net := vl2.NewNetwork(networkID, pinnedController, opts...)
	n.networks[networkID] = net
	n.networksMu.Unlock()

	n.requestNetworkConfig(now, net)
	return net, ResultOK
}

// Leave removes networkID, notifying the driver with ConfigOpDestroy.
func (n *Node) Leave(networkID uint64) ResultCode {
	n.networksMu.Lock()
	_, ok := n.networks[networkID]
	delete(n.networks, networkID)
	n.networksMu.Unlock()
	if !ok {
		return ResultErrorNetworkNotFound
	}
	n.cb.VirtualNetworkConfig(networkID, vl2.StatusNotFound, nil, ConfigOpDestroy)
	return ResultOK
}

// MulticastSubscribe records a local MULTICAST_LIKE subscription for
// networkID and sends it to the network's controller, spec.md §4.6.
func (n *Node) MulticastSubscribe(networkID uint64, g vl2.Group) ResultCode {
	net, ok := n.network(networkID)
	if !ok {
		return ResultErrorNetworkNotFound
	}
	net.Multicast().Like(g)
	controllerAddr := net.ControllerAddress()
	if _, found := n.GetPeer(controllerAddr); !found {
		return ResultOK
	}
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], networkID)
	body := vl2.EncodeGroup(append([]byte(nil), nb[:]...), g)
	if err := n.transport.Send(controllerAddr, vl1.VerbMulticastLike, body); err != nil {
		n.Trace("multicast_like_failed", map[string]interface{}{"network": networkID, "error": err.Error()})
	}
	return ResultOK
}

// RevokeMemberCredential applies a controller-signed Revocation to
// networkID, immediately invalidating the named member's credential, per
// spec.md §4.6 "on revocation receipt, the credential is invalidated
// immediately". Revocation delivery itself is out of scope for the VL1
// verb set spec.md enumerates, so drivers apply one however they learn of
// it (e.g. a side channel to the controller, or a future dedicated verb).
func (n *Node) RevokeMemberCredential(networkID uint64, rev *vl2.Revocation, controller *identity.Identity) ResultCode {
	net, ok := n.network(networkID)
	if !ok {
		return ResultErrorNetworkNotFound
	}
	if err := net.Revoke(rev, controller); err != nil {
		return ResultErrorInvalidCredential
	}
	return ResultOK
}

// SendUserMessage sends an application-defined USER_MESSAGE verb to dest.
func (n *Node) SendUserMessage(dest identity.Address, typ uint64, data []byte) ResultCode {
	if _, ok := n.GetPeer(dest); !ok {
		return ResultErrorBadParameter
	}
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], typ)
	body := append(tb[:], data...)
	if err := n.transport.Send(dest, vl1.VerbUserMessage, body); err != nil {
		return ResultErrorInternal
	}
	return ResultOK
}

// TryPath offers a physical address as a candidate path to a peer, spec.md
// §6's management operations: initiate a HELLO handshake over it.
func (n *Node) TryPath(addr identity.Address, local path.LocalSocket, remote endpoint.Endpoint) ResultCode {
	p, ok := n.GetPeer(addr)
	if !ok {
		return ResultErrorBadParameter
	}
	if err := n.transport.SendHello(p, local, remote); err != nil {
		return ResultErrorInternal
	}
	return ResultOK
}

// --- driver entry points -------------------------------------------------

// ProcessWirePacket is the sole entry point for inbound wire traffic,
// spec.md §5: safe to call concurrently from multiple driver threads.
func (n *Node) ProcessWirePacket(now time.Time, local path.LocalSocket, remote endpoint.Endpoint, data []byte) {
	n.transport.ProcessWirePacket(now, local, remote, data)
}

// ProcessVirtualNetworkFrame is the sole entry point for outbound
// (tap-originated) Ethernet frames, spec.md §5.
func (n *Node) ProcessVirtualNetworkFrame(now time.Time, networkID uint64, dest identity.Address, sourceMAC, destMAC [6]byte, etherType uint16, vlanID uint16, data []byte) ResultCode {
	net, ok := n.network(networkID)
	if !ok {
		return ResultErrorNetworkNotFound
	}
	if net.Status() != vl2.StatusOK {
		return ResultOK
	}
	ctx := &vl2.EvalContext{
		EtherType:  etherType,
		SourceMAC:  sourceMAC,
		DestMAC:    destMAC,
		RawPayload: data,
		FrameSize:  len(data),
		SourceZT:   n.identity.Address(),
		DestZT:     dest,
	}
	if !net.EvaluateFrame(ctx).Accept {
		n.Trace("filter_blocked_egress", map[string]interface{}{"network": networkID})
		return ResultOK
	}
	if _, ok := n.GetPeer(dest); !ok {
		return ResultOK
	}
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], networkID)
	f := frame{SourceMAC: sourceMAC, DestMAC: destMAC, EtherType: etherType, VLANID: vlanID, Payload: data}
	var com *vl2.COM
	if cfg := net.Config(); cfg != nil {
		com = cfg.COM
	}
	body := append(nb[:], encodeExtFrame(f, com)...)
	if err := n.transport.Send(dest, vl1.VerbExtFrame, body); err != nil {
		n.Trace("send_frame_failed", map[string]interface{}{"network": networkID, "error": err.Error()})
	}
	return ResultOK
}

// ProcessBackgroundTasks runs one maintenance pass: peer keep-alive HELLOs,
// VL1 WHOIS/HELLO retry, and per-network config retry, returning the
// earliest deadline any of them needs another pass by, spec.md §4.7/§5.
func (n *Node) ProcessBackgroundTasks(now time.Time) time.Time {
	next := now.Add(helloKeepaliveInterval)

	n.transport.ProcessBackgroundTasks(now)

	n.peersMu.RLock()
	peers := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peersMu.RUnlock()
	for _, p := range peers {
		bp := p.BestPath()
		if bp == nil {
			continue
		}
		if !p.ShouldSendHello(now, helloKeepaliveInterval) {
			continue
		}
		if err := n.transport.SendHello(p, bp.Local, bp.Remote); err != nil {
			continue
		}
	}

	n.networksMu.RLock()
	nets := make([]*vl2.Network, 0, len(n.networks))
	for _, net := range n.networks {
		nets = append(nets, net)
	}
	n.networksMu.RUnlock()
	for _, net := range nets {
		net := net
		deadline := net.ProcessBackgroundTasks(now, func(body []byte) {
			n.sendNetworkConfigRequest(net, body)
		})
		if deadline.Before(next) {
			next = deadline
		}
	}
	return next
}

// ProcessHTTPResponse completes an HTTP request previously started via
// Callbacks.HTTPRequest.
func (n *Node) ProcessHTTPResponse(requestID uint64, statusCode int, headers map[string]string, body []byte) {
	// HTTP-assisted root discovery is a driver-side concern layered on
	// top of the VL1/VL2 core; the core only needs to be able to accept
	// the callback without panicking when a driver doesn't use it.
}

func (n *Node) requestNetworkConfig(now time.Time, net *vl2.Network) {
	body := net.RequestPayload(now)
	n.sendNetworkConfigRequest(net, body)
}

func (n *Node) sendNetworkConfigRequest(net *vl2.Network, body []byte) {
	controllerAddr := net.ControllerAddress()
	if _, ok := n.GetPeer(controllerAddr); !ok {
		return
	}
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], net.ID)
	payload := append(nb[:], body...)
	if err := n.transport.Send(controllerAddr, vl1.VerbNetworkConfigRequest, payload); err != nil {
		n.Trace("send_network_config_request_failed", map[string]interface{}{"network": net.ID, "error": err.Error()})
	}
}
