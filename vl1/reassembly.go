package vl1

import (
	"container/list"
	"sync"
	"time"

	"github.com/meshcore/hypervisor/identity"
)

// ReassemblyTimeout is the bounded window a partial packet may sit in the
// reassembly table before it is evicted, spec.md §4.5.
const ReassemblyTimeout = 500 * time.Millisecond

// MaxReassemblyBuffers bounds the reassembly table; entries beyond this are
// evicted LRU-first, spec.md §4.5 "evicted under LRU pressure".
const MaxReassemblyBuffers = 4096

type reassemblyKey struct {
	source   identity.Address
	packetID uint64
}

type partial struct {
	key          reassemblyKey
	firstHdr     Header
	firstBody    []byte // the first fragment's payload (verb + fields), if seen
	haveFirst    bool
	fragments    map[uint8][]byte
	count        uint8 // total fragment count, 0 until known
	deadline     time.Time
	elem         *list.Element // lru position; reordered to front on every touch
	deadlineElem *list.Element // creation-order position; never reordered
}

// Reassembler holds in-flight fragmented packets keyed by (source, packet
// ID), with a bounded LRU-evicted table and a time-based eviction window.
//
// Two lists track each entry: lru (reordered to front on every touch, drives
// MaxReassemblyBuffers pressure eviction) and deadlineList (creation order,
// never reordered, drives the ReassemblyTimeout sweep). A late or duplicate
// fragment touching a stale entry moves it to the front of lru but must not
// hide it from the time-based sweep, so that sweep walks deadlineList
// instead of assuming the back of lru is oldest-deadline.
type Reassembler struct {
	mu           sync.Mutex
	entries      map[reassemblyKey]*partial
	lru          *list.List
	deadlineList *list.List // front = earliest deadline
}

// NewReassembler constructs an empty reassembly table.
func NewReassembler() *Reassembler {
	return &Reassembler{
		entries:      make(map[reassemblyKey]*partial),
		lru:          list.New(),
		deadlineList: list.New(),
	}
}

func (r *Reassembler) touch(p *partial) {
	if p.elem != nil {
		r.lru.MoveToFront(p.elem)
	} else {
		p.elem = r.lru.PushFront(p)
	}
}

func (r *Reassembler) evictLocked(key reassemblyKey) {
	if p, ok := r.entries[key]; ok {
		if p.elem != nil {
			r.lru.Remove(p.elem)
		}
		if p.deadlineElem != nil {
			r.deadlineList.Remove(p.deadlineElem)
		}
		delete(r.entries, key)
	}
}

func (r *Reassembler) evictOldestLocked() {
	back := r.lru.Back()
	if back == nil {
		return
	}
	p := back.Value.(*partial)
	r.lru.Remove(back)
	if p.deadlineElem != nil {
		r.deadlineList.Remove(p.deadlineElem)
	}
	delete(r.entries, p.key)
}

// AddFirst records the first fragment of a packet (which carries the full
// header). It returns the reassembled header and payload and true if all
// fragments have now arrived.
func (r *Reassembler) AddFirst(now time.Time, h Header, body []byte, fragmentCount uint8) (Header, []byte, bool) {
	key := reassemblyKey{source: h.Source, packetID: h.PacketID}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(now)
	p := r.getOrCreateLocked(key, now)
	p.firstHdr = h
	p.firstBody = append([]byte(nil), body...)
	p.haveFirst = true
	if fragmentCount > 0 {
		p.count = fragmentCount
	}
	r.touch(p)
	return r.maybeAssembleLocked(key, p)
}

// AddFragment records a non-initial fragment. It returns the reassembled
// header and payload and true if all fragments have now arrived.
func (r *Reassembler) AddFragment(now time.Time, source identity.Address, f Fragment) (Header, []byte, bool) {
	key := reassemblyKey{source: source, packetID: f.PacketID}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(now)
	p := r.getOrCreateLocked(key, now)
	if p.fragments == nil {
		p.fragments = make(map[uint8][]byte)
	}
	p.fragments[f.FragmentIndex] = append([]byte(nil), f.Payload...)
	if f.FragmentCount > 0 {
		p.count = f.FragmentCount
	}
	r.touch(p)
	return r.maybeAssembleLocked(key, p)
}

func (r *Reassembler) getOrCreateLocked(key reassemblyKey, now time.Time) *partial {
	if p, ok := r.entries[key]; ok {
		return p
	}
	if len(r.entries) >= MaxReassemblyBuffers {
		r.evictOldestLocked()
	}
	p := &partial{key: key, deadline: now.Add(ReassemblyTimeout)}
	p.deadlineElem = r.deadlineList.PushBack(p)
	r.entries[key] = p
	return p
}

func (r *Reassembler) maybeAssembleLocked(key reassemblyKey, p *partial) (Header, []byte, bool) {
	if !p.haveFirst || p.count == 0 {
		return Header{}, nil, false
	}
	// fragment indices 1..count-1 are the non-initial fragments; index 0 is
	// implicitly the first fragment carried in the header packet itself.
	for i := uint8(1); i < p.count; i++ {
		if _, ok := p.fragments[i]; !ok {
			return Header{}, nil, false
		}
	}
	out := append([]byte(nil), p.firstBody...)
	for i := uint8(1); i < p.count; i++ {
		out = append(out, p.fragments[i]...)
	}
	h := p.firstHdr
	r.evictLocked(key)
	return h, out, true
}

func (r *Reassembler) evictExpiredLocked(now time.Time) {
	for {
		front := r.deadlineList.Front()
		if front == nil {
			return
		}
		p := front.Value.(*partial)
		if now.Before(p.deadline) {
			return
		}
		r.deadlineList.Remove(front)
		if p.elem != nil {
			r.lru.Remove(p.elem)
		}
		delete(r.entries, p.key)
	}
}
