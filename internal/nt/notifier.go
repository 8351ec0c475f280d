package nt

import (
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/ntcore-go/networktables/pkg/minilog"
)

// EntryKind is the bitset describing why an entry listener fired.
type EntryKind uint8

const (
	KindImmediate EntryKind = 1 << iota
	KindLocal
	KindNew
	KindDelete
	KindUpdate
	KindFlags
)

// EntryListener is invoked on the notifier's worker goroutine, never while a
// storage or connection lock is held.
type EntryListener func(name string, value Value, kind EntryKind)

// ConnectionListener is invoked when a peer connects or disconnects.
type ConnectionListener func(connected bool, info ConnectionInfo)

// ConnectionInfo describes a peer for connection-listener callbacks.
type ConnectionInfo struct {
	RemoteAddr string
	Identity   string
	ProtoRev   ProtoRev
}

type entryEvent struct {
	name  string
	value Value
	kind  EntryKind
	only  uint64 // 0 means "fan out to every matching listener"
}

type connectionEvent struct {
	connected bool
	info      ConnectionInfo
	only      uint64
}

type entryReg struct {
	uid    uint64
	prefix string
	mask   EntryKind
	fn     EntryListener
}

type connReg struct {
	uid uint64
	fn  ConnectionListener
}

// Notifier owns a single background worker that fans entry and connection
// events out to registered callbacks. Registrations and removals are keyed by
// a monotonically increasing UID.
type Notifier struct {
	mu        sync.Mutex
	entryRegs []entryReg
	connRegs  []connReg
	nextUID   uint64

	hasLocalListener int32 // atomic bool, read without the lock

	events chan interface{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewNotifier() *Notifier {
	n := &Notifier{
		events: make(chan interface{}, 1024),
		done:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Stop drains no further events and returns once the worker has exited.
func (n *Notifier) Stop() {
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.events:
			switch e := ev.(type) {
			case entryEvent:
				n.dispatchEntry(e)
			case connectionEvent:
				n.dispatchConnection(e)
			}
		case <-n.done:
			return
		}
	}
}

// AddEntryListener registers fn for entries whose name has prefix, filtered
// by mask. It returns a UID usable with RemoveListener.
func (n *Notifier) AddEntryListener(prefix string, mask EntryKind, fn EntryListener) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextUID++
	uid := n.nextUID
	n.entryRegs = append(n.entryRegs, entryReg{uid: uid, prefix: prefix, mask: mask, fn: fn})
	if mask&KindLocal != 0 {
		atomic.StoreInt32(&n.hasLocalListener, 1)
	}
	return uid
}

func (n *Notifier) AddConnectionListener(fn ConnectionListener) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextUID++
	uid := n.nextUID
	n.connRegs = append(n.connRegs, connReg{uid: uid, fn: fn})
	return uid
}

// RemoveListener removes either kind of listener by UID; a no-op if unknown.
func (n *Notifier) RemoveListener(uid uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, r := range n.entryRegs {
		if r.uid == uid {
			n.entryRegs = append(n.entryRegs[:i], n.entryRegs[i+1:]...)
			break
		}
	}
	for i, r := range n.connRegs {
		if r.uid == uid {
			n.connRegs = append(n.connRegs[:i], n.connRegs[i+1:]...)
			break
		}
	}

	hasLocal := false
	for _, r := range n.entryRegs {
		if r.mask&KindLocal != 0 {
			hasLocal = true
			break
		}
	}
	if hasLocal {
		atomic.StoreInt32(&n.hasLocalListener, 1)
	} else {
		atomic.StoreInt32(&n.hasLocalListener, 0)
	}
}

// WantsLocal reports whether any registered entry listener requests LOCAL
// events. Storage calls this before enqueueing a local-only event so it can
// skip the allocation entirely when nobody cares.
func (n *Notifier) WantsLocal() bool {
	return atomic.LoadInt32(&n.hasLocalListener) != 0
}

// QueueDepth reports how many events are currently buffered for delivery.
// Intended for Metrics' nt_notifier_queue_depth gauge.
func (n *Notifier) QueueDepth() int {
	return len(n.events)
}

// NotifyEntry enqueues an entry event. If only is non-zero, delivery is
// restricted to the listener with that UID.
func (n *Notifier) NotifyEntry(name string, value Value, kind EntryKind, only uint64) {
	select {
	case n.events <- entryEvent{name: name, value: value, kind: kind, only: only}:
	case <-n.done:
	}
}

func (n *Notifier) NotifyConnection(connected bool, info ConnectionInfo, only uint64) {
	select {
	case n.events <- connectionEvent{connected: connected, info: info, only: only}:
	case <-n.done:
	}
}

func (n *Notifier) dispatchEntry(e entryEvent) {
	n.mu.Lock()
	regs := append([]entryReg(nil), n.entryRegs...)
	n.mu.Unlock()

	for _, r := range regs {
		if e.only != 0 && r.uid != e.only {
			continue
		}
		if !strings.HasPrefix(e.name, r.prefix) {
			continue
		}
		if !kindMatches(e.kind, r.mask) {
			continue
		}
		safeInvokeEntry(r.fn, e.name, e.value, e.kind)
	}
}

// kindMatches applies the combined-event rule: a combined UPDATE+FLAGS event
// (an assign) is only delivered to a listener that asked for both bits;
// otherwise either bit alone is enough to match.
func kindMatches(kind, mask EntryKind) bool {
	const assignBits = KindUpdate | KindFlags
	if kind&assignBits == assignBits {
		return mask&assignBits == assignBits
	}
	return kind&mask != 0
}

func (n *Notifier) dispatchConnection(e connectionEvent) {
	n.mu.Lock()
	regs := append([]connReg(nil), n.connRegs...)
	n.mu.Unlock()

	for _, r := range regs {
		if e.only != 0 && r.uid != e.only {
			continue
		}
		safeInvokeConnection(r.fn, e.connected, e.info)
	}
}

func safeInvokeEntry(fn EntryListener, name string, value Value, kind EntryKind) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("entry listener for %q panicked: %v", name, r)
		}
	}()
	fn(name, value, kind)
}

func safeInvokeConnection(fn ConnectionListener, connected bool, info ConnectionInfo) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection listener panicked: %v", r)
		}
	}()
	fn(connected, info)
}
