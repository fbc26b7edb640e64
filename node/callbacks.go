// Package node implements the top-level orchestrator described in
// spec.md §4.7/§5/§6: it owns the local identity, the peer table, the
// joined-network table, and the trust store; it is the sole entry point
// an external driver calls (ProcessWirePacket, ProcessVirtualNetworkFrame,
// ProcessBackgroundTasks, ProcessHTTPResponse, and the management
// operations), and it is the sole source of the callbacks those drivers
// must implement. The Node itself never creates threads, opens sockets,
// or touches the filesystem; every side effect not local to its own
// in-memory state crosses through a Callbacks method.
package node

import (
	"time"

	"github.com/meshcore/hypervisor/cert"
	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/locator"
	"github.com/meshcore/hypervisor/path"
	"github.com/meshcore/hypervisor/vl2"
)

// ObjectKind tags the persisted object kinds named in spec.md §6, used by
// the StatePut/StateGet callbacks.
type ObjectKind int

const (
	ObjectIdentityPublic ObjectKind = iota
	ObjectIdentitySecret
	ObjectLocator
	ObjectPeer
	ObjectNetworkConfig
	ObjectTrustStore
	ObjectCertificate
)

// EventKind tags the diagnostic/lifecycle notifications delivered through
// Callbacks.Event, spec.md §6.
type EventKind int

const (
	EventUp EventKind = iota
	EventOffline
	EventOnline
	EventDown
	EventTrace
	EventUserMessage
)

// TraceEvent is the payload of an EventTrace notification: a named
// condition plus free-form fields, matching the teacher's
// network.Debug introspection surface (callback-passthrough, no logging
// library inside the core).
type TraceEvent struct {
	Name   string
	Fields map[string]interface{}
}

// Callbacks is the full set of driver-supplied hooks the core consumes,
// spec.md §6. Implementations must return promptly: no process- call
// ever blocks on I/O, so every Callbacks method is expected to do the
// same.
type Callbacks interface {
	// StatePut persists an object. A nil data value requests deletion.
	StatePut(kind ObjectKind, id string, data []byte)
	// StateGet retrieves a previously persisted object.
	StateGet(kind ObjectKind, id string) (data []byte, found bool)

	// WirePacketSend transmits bytes from local to remote, with ttl as a
	// hint for the IP TTL/hop-limit field the driver's socket sets.
	WirePacketSend(local path.LocalSocket, remote endpoint.Endpoint, data []byte, ttl int) error

	// VirtualNetworkFrame injects an accepted Ethernet frame into the
	// tap device for networkID.
	VirtualNetworkFrame(networkID uint64, sourceMAC, destMAC [6]byte, etherType uint16, vlanID uint16, data []byte)

	// VirtualNetworkConfig notifies the driver of a network's lifecycle:
	// up (first OK), update (config changed), down (no longer OK), or
	// destroy (Leave was called).
	VirtualNetworkConfig(networkID uint64, status vl2.Status, cfg *vl2.Config, op VirtualNetworkConfigOp)

	// Event delivers a lifecycle or diagnostic notification. For
	// EventTrace, data is a *TraceEvent; for EventUserMessage, data is a
	// *UserMessage; for EventUp, data is the uint64 ID of the network that
	// reached OK; otherwise data is the relevant identity.Address.
	Event(kind EventKind, data interface{})

	// HTTPRequest optionally initiates an HTTP request (e.g. to resolve
	// a root's address via a well-known URL), paired with a later
	// ProcessHTTPResponse call carrying the same requestID. Returns false
	// if the driver does not support HTTP requests.
	HTTPRequest(requestID uint64, method, url string, headers map[string]string) bool

	// PathCheck rejects a physical path to avoid routing recursion through
	// a managed interface; implementations with nothing to check should
	// just return true.
	PathCheck(local path.LocalSocket, remote endpoint.Endpoint) bool

	// PathLookup optionally hints physical addresses for a peer the core
	// has no direct path to yet.
	PathLookup(addr identity.Address) []endpoint.Endpoint
}

// VirtualNetworkConfigOp distinguishes the four VirtualNetworkConfig
// lifecycle calls, spec.md §6.
type VirtualNetworkConfigOp int

const (
	ConfigOpUp VirtualNetworkConfigOp = iota
	ConfigOpUpdate
	ConfigOpDown
	ConfigOpDestroy
)

// UserMessage is the payload of an EventUserMessage notification.
type UserMessage struct {
	From identity.Address
	Type uint64
	Data []byte
}

// LocalState is what a Node persists/restores through StatePut/StateGet
// beyond the identity itself: the locator and trust store, spec.md §6.
type LocalState struct {
	Locator     *locator.Locator
	TrustStore  *cert.Store
	LastUpdated time.Time
}
