package nt

import (
	"strings"
	"sync"
)

// Outgoing is how Storage hands finished messages to the transport layer; it
// is implemented by Dispatcher. Storage never touches a net.Conn directly,
// and always releases its lock before calling into Outgoing.
type Outgoing interface {
	// Broadcast queues msg for every active connection, including the one a
	// message may have originated from.
	Broadcast(msg *Message)
	// BroadcastExcept queues msg for every active connection other than from.
	BroadcastExcept(msg *Message, from ConnID)
	// SendTo queues msg for a single connection.
	SendTo(msg *Message, to ConnID)
}

// EntryInfo is a point-in-time snapshot returned by GetEntryInfo.
type EntryInfo struct {
	Name   string
	Value  Value
	Flags  EntryFlags
	ID     uint16
	SeqNum SequenceNumber
}

// Storage is the authoritative entry map. One storage lock guards the entry
// map, ID map, and persistent-dirty flag; it is never held reentrantly and is
// always released before invoking Outgoing or enqueueing a notifier event,
// except in AddEntryListener, which registers and replays under it.
type Storage struct {
	mu       sync.Mutex
	isServer bool

	entries *entryTable
	dirty   bool

	out      Outgoing
	notifier *Notifier

	rpcResponseHandler func(msg *Message, from ConnID)
}

func NewStorage(isServer bool, notifier *Notifier) *Storage {
	return &Storage{
		isServer: isServer,
		entries:  newEntryTable(),
		notifier: notifier,
	}
}

// SetOutgoing wires the transport layer in; Dispatcher calls this once at
// startup before accepting or connecting.
func (s *Storage) SetOutgoing(out Outgoing) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

// Dirty reports whether a persistent entry has changed since the last save.
func (s *Storage) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Storage) clearDirty() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// reArmDirty is called by the persistence save path on failure so the next
// periodic tick retries.
func (s *Storage) reArmDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Storage) notify(name string, val Value, kind EntryKind, only uint64) {
	if s.notifier == nil {
		return
	}
	if kind&KindLocal != 0 && only == 0 && !s.notifier.WantsLocal() {
		return
	}
	s.notifier.NotifyEntry(name, val, kind, only)
}

// GetEntryValue returns name's current value, if it exists.
func (s *Storage) GetEntryValue(name string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.get(name)
	if !ok {
		return Value{}, false
	}
	return e.value, true
}

// SetEntryValue stores value under name, creating the entry on first write.
// Returns false without changing anything if the entry already holds a value
// of a different type.
func (s *Storage) SetEntryValue(name string, value Value) bool {
	return s.setEntryValue(name, value, false)
}

// SetDefaultEntryValue creates name with value iff absent. If name exists
// with a matching type it is a no-op returning true; a type mismatch returns
// false.
func (s *Storage) SetDefaultEntryValue(name string, value Value) bool {
	s.mu.Lock()
	if e, exists := s.entries.get(name); exists {
		match := e.value.Type() == value.Type()
		s.mu.Unlock()
		return match
	}
	s.mu.Unlock()
	return s.setEntryValue(name, value, false)
}

// SetEntryTypeValue forces a type change on name, bumping its sequence number
// and, once the entry has an id, emitting a fresh entry-assign. A client entry
// with no id yet is changed locally only.
func (s *Storage) SetEntryTypeValue(name string, value Value) {
	s.mu.Lock()
	e, exists := s.entries.get(name)
	if !exists {
		s.mu.Unlock()
		s.setEntryValue(name, value, false)
		return
	}

	e.value = value
	e.seq = e.seq.Next()
	if s.isServer && !e.hasID() {
		s.entries.assign(e, s.entries.nextID())
	}
	assignMsg := &Message{
		Type: MsgEntryAssign, Name: e.name, Value: e.value,
		ID: e.id, Flags: e.flags, SeqNum: e.seq,
	}
	hasID := e.hasID()
	name, val := e.name, e.value
	s.mu.Unlock()

	if hasID && s.out != nil {
		s.out.Broadcast(assignMsg)
	}
	s.notify(name, val, KindUpdate|KindLocal, 0)
}

func (s *Storage) setEntryValue(name string, value Value, forceType bool) bool {
	s.mu.Lock()

	e, exists := s.entries.get(name)
	if exists {
		if e.value.Type() != value.Type() {
			s.mu.Unlock()
			return false
		}
		if e.value.Equal(value) {
			s.mu.Unlock()
			return true
		}

		e.value = value
		e.seq = e.seq.Next()
		if e.flags.Persistent() {
			s.dirty = true
		}

		hasID := e.hasID()
		var msg *Message
		if hasID {
			msg = &Message{Type: MsgEntryUpdate, ID: e.id, SeqNum: e.seq, Value: e.value}
		}
		name, val := e.name, e.value
		s.mu.Unlock()

		if hasID && s.out != nil {
			s.out.Broadcast(msg)
		}
		s.notify(name, val, KindUpdate|KindLocal, 0)
		return true
	}

	e = newEntry(name, value)
	s.entries.insert(e)
	if s.isServer {
		s.entries.assign(e, s.entries.nextID())
	}
	if e.flags.Persistent() {
		s.dirty = true
	}

	assignMsg := &Message{
		Type: MsgEntryAssign, Name: e.name, Value: e.value,
		ID: e.id, Flags: e.flags, SeqNum: e.seq,
	}
	val := e.value
	s.mu.Unlock()

	if s.out != nil {
		s.out.Broadcast(assignMsg)
	}
	s.notify(name, val, KindNew|KindLocal, 0)
	return true
}

// EntryCount returns the current number of entries. Used for the
// nt_entries_total gauge.
func (s *Storage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries.byName)
}

// GetEntryFlags returns name's current flags.
func (s *Storage) GetEntryFlags(name string) (EntryFlags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.get(name)
	if !ok {
		return 0, false
	}
	return e.flags, true
}

// SetEntryFlags updates name's flags, emitting a flags-update (3.0 only --
// Outgoing queues it for every connection, and the codec of a 2.0 connection
// drops it on encode).
func (s *Storage) SetEntryFlags(name string, flags EntryFlags) bool {
	s.mu.Lock()
	e, ok := s.entries.get(name)
	if !ok {
		s.mu.Unlock()
		return false
	}

	toggled := e.flags.Persistent() != flags.Persistent()
	e.flags = flags
	if toggled {
		s.dirty = true
	}

	hasID := e.hasID()
	id := e.id
	val := e.value
	s.mu.Unlock()

	if hasID && s.out != nil {
		s.out.Broadcast(&Message{Type: MsgFlagsUpdate, ID: id, Flags: flags})
	}
	s.notify(name, val, KindFlags|KindLocal, 0)
	return true
}

// DeleteEntry removes name, emitting an entry-delete (3.0) if it had an
// assigned id.
func (s *Storage) DeleteEntry(name string) {
	s.mu.Lock()
	e, ok := s.entries.get(name)
	if !ok {
		s.mu.Unlock()
		return
	}

	s.entries.remove(e)
	if e.flags.Persistent() {
		s.dirty = true
	}
	hasID, id, val := e.hasID(), e.id, e.value
	s.mu.Unlock()

	if hasID && s.out != nil {
		s.out.Broadcast(&Message{Type: MsgEntryDelete, ID: id})
	}
	s.notify(name, val, KindDelete|KindLocal, 0)
}

type deletedEntry struct {
	name  string
	value Value
}

// clearAll removes every non-persistent entry and reports what was removed.
func (s *Storage) clearAll() []deletedEntry {
	s.mu.Lock()
	var deleted []deletedEntry
	for name, e := range s.entries.byName {
		if e.flags.Persistent() {
			continue
		}
		delete(s.entries.byName, name)
		if e.hasID() && int(e.id) < len(s.entries.byID) {
			s.entries.byID[e.id] = nil
		}
		deleted = append(deleted, deletedEntry{name: e.name, value: e.value})
	}
	s.mu.Unlock()
	return deleted
}

// DeleteAllEntries removes every non-persistent entry, emitting clear-entries
// (3.0). Persistent entries keep their value, flags and sequence number.
func (s *Storage) DeleteAllEntries() {
	deleted := s.clearAll()

	if s.out != nil {
		s.out.Broadcast(&Message{Type: MsgClearEntries})
	}
	for _, d := range deleted {
		s.notify(d.name, d.value, KindDelete|KindLocal, 0)
	}
}

// GetEntryInfo lists entries whose name has prefix, optionally filtered by a
// non-zero type-mask bitset built from Type.Bit.
func (s *Storage) GetEntryInfo(prefix string, typeMask uint8) []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EntryInfo
	for name, e := range s.entries.byName {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if typeMask != 0 && e.value.Type().Bit()&typeMask == 0 {
			continue
		}
		out = append(out, EntryInfo{Name: name, Value: e.value, Flags: e.flags, ID: e.id, SeqNum: e.seq})
	}
	return out
}

// AddEntryListener registers fn with the notifier and, if mask requests
// IMMEDIATE, synthesizes one event per existing matching entry before
// returning -- done under the storage lock so no concurrent write can
// interleave its own event ahead of the replay.
func (s *Storage) AddEntryListener(prefix string, mask EntryKind, fn EntryListener) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid := s.notifier.AddEntryListener(prefix, mask, fn)
	if mask&KindImmediate != 0 {
		for name, e := range s.entries.byName {
			if strings.HasPrefix(name, prefix) {
				s.notifier.NotifyEntry(name, e.value, KindImmediate, uid)
			}
		}
	}
	return uid
}

// ProcessIncoming applies a message received from a peer connection. rev is
// the negotiated protocol revision of the connection the message arrived on,
// needed because a handful of fields (flags) only exist on the wire at 3.0
// and must never be trusted when they decoded as a 2.0 message's zero value.
// It is the single entry point Connection's reader goroutine calls into
// Storage.
func (s *Storage) ProcessIncoming(msg *Message, from ConnID, rev ProtoRev) {
	switch msg.Type {
	case MsgEntryAssign:
		s.handleEntryAssign(msg, from, rev)
	case MsgEntryUpdate:
		s.handleEntryUpdate(msg, from)
	case MsgFlagsUpdate:
		s.handleFlagsUpdate(msg, from)
	case MsgEntryDelete:
		s.handleEntryDelete(msg, from)
	case MsgClearEntries:
		s.handleClearEntries(msg, from)
	case MsgExecuteRPC:
		s.handleExecuteRPC(msg, from)
	case MsgRPCResponse:
		s.handleRPCResponse(msg, from)
	}
}

func (s *Storage) handleEntryAssign(msg *Message, from ConnID, rev ProtoRev) {
	s.mu.Lock()

	var e *Entry
	isNew := false

	if s.isServer {
		if msg.ID == unassignedID {
			if _, exists := s.entries.get(msg.Name); exists {
				s.mu.Unlock()
				return
			}
			e = newEntry(msg.Name, msg.Value)
			if rev >= ProtoRev3 {
				e.flags = msg.Flags
			}
			e.seq = msg.SeqNum
			s.entries.insert(e)
			s.entries.assign(e, s.entries.nextID())
			if e.flags.Persistent() {
				s.dirty = true
			}

			assignMsg := &Message{
				Type: MsgEntryAssign, Name: e.name, Value: e.value,
				ID: e.id, Flags: e.flags, SeqNum: e.seq,
			}
			name, val := e.name, e.value
			s.mu.Unlock()

			if s.out != nil {
				s.out.Broadcast(assignMsg)
			}
			s.notify(name, val, KindNew, 0)
			return
		}

		var ok bool
		e, ok = s.entries.getByID(msg.ID)
		if !ok {
			s.mu.Unlock()
			return
		}
	} else {
		if msg.ID == unassignedID {
			s.mu.Unlock()
			return
		}

		var ok bool
		e, ok = s.entries.getByID(msg.ID)
		if !ok {
			if existing, exists := s.entries.get(msg.Name); exists && !existing.hasID() {
				e = existing
			} else {
				e = newEntry(msg.Name, msg.Value)
				s.entries.insert(e)
				isNew = true
			}
			s.entries.assign(e, msg.ID)
		}

		if rev >= ProtoRev3 && !isNew && e.flags != msg.Flags {
			flagsMsg := &Message{Type: MsgFlagsUpdate, ID: msg.ID, Flags: e.flags}
			s.mu.Unlock()
			if s.out != nil {
				s.out.SendTo(flagsMsg, from)
			}
			s.mu.Lock()
		}
	}

	accept := isNew || msg.SeqNum.GreaterOrEqual(e.seq)
	if !accept {
		s.mu.Unlock()
		return
	}

	sameType := e.value.Type() == msg.Value.Type()
	flagsChanged := rev >= ProtoRev3 && e.flags != msg.Flags
	e.value = msg.Value
	if rev >= ProtoRev3 {
		e.flags = msg.Flags
	}
	e.seq = msg.SeqNum
	if e.flags.Persistent() {
		s.dirty = true
	}

	var kind EntryKind
	if isNew || !sameType {
		kind = KindNew
	} else {
		kind = KindUpdate
		if flagsChanged {
			kind |= KindFlags
		}
	}

	isServer := s.isServer
	rebroadcast := &Message{
		Type: MsgEntryAssign, Name: e.name, Value: e.value,
		ID: e.id, Flags: e.flags, SeqNum: e.seq,
	}
	name, val := e.name, e.value
	s.mu.Unlock()

	if isServer && s.out != nil {
		s.out.BroadcastExcept(rebroadcast, from)
	}
	s.notify(name, val, kind, 0)
}

func (s *Storage) handleEntryUpdate(msg *Message, from ConnID) {
	s.mu.Lock()
	e, ok := s.entries.getByID(msg.ID)
	if !ok {
		s.mu.Unlock()
		return
	}
	if !msg.SeqNum.Greater(e.seq) {
		s.mu.Unlock()
		return
	}

	e.value = msg.Value
	e.seq = msg.SeqNum
	if e.flags.Persistent() {
		s.dirty = true
	}

	isServer := s.isServer
	id, val := e.id, e.value
	name := e.name
	s.mu.Unlock()

	if isServer && s.out != nil {
		s.out.BroadcastExcept(&Message{Type: MsgEntryUpdate, ID: id, SeqNum: msg.SeqNum, Value: val}, from)
	}
	s.notify(name, val, KindUpdate, 0)
}

func (s *Storage) handleFlagsUpdate(msg *Message, from ConnID) {
	s.mu.Lock()
	e, ok := s.entries.getByID(msg.ID)
	if !ok {
		s.mu.Unlock()
		return
	}

	toggled := e.flags.Persistent() != msg.Flags.Persistent()
	e.flags = msg.Flags
	if toggled {
		s.dirty = true
	}

	isServer := s.isServer
	id, val, name := e.id, e.value, e.name
	s.mu.Unlock()

	if isServer && s.out != nil {
		s.out.BroadcastExcept(&Message{Type: MsgFlagsUpdate, ID: id, Flags: msg.Flags}, from)
	}
	s.notify(name, val, KindFlags, 0)
}

func (s *Storage) handleEntryDelete(msg *Message, from ConnID) {
	s.mu.Lock()
	e, ok := s.entries.getByID(msg.ID)
	if !ok {
		s.mu.Unlock()
		return
	}

	s.entries.remove(e)
	if e.flags.Persistent() {
		s.dirty = true
	}

	isServer := s.isServer
	id, val, name := e.id, e.value, e.name
	s.mu.Unlock()

	if isServer && s.out != nil {
		s.out.BroadcastExcept(&Message{Type: MsgEntryDelete, ID: id}, from)
	}
	s.notify(name, val, KindDelete, 0)
}

// SetEntryRPCHandler attaches handler to an existing entry so an
// execute-rpc addressed to its id is answered locally. Returns false if name
// has no entry yet.
func (s *Storage) SetEntryRPCHandler(name string, handler RPCHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.get(name)
	if !ok {
		return false
	}
	e.rpcHandler = handler
	return true
}

// SetRPCResponseHandler registers the callback Storage forwards every
// received rpc-response to. Dispatcher uses this to correlate a response
// with the pending CallRPC it answers.
func (s *Storage) SetRPCResponseHandler(fn func(msg *Message, from ConnID)) {
	s.mu.Lock()
	s.rpcResponseHandler = fn
	s.mu.Unlock()
}

// handleExecuteRPC answers an execute-rpc envelope by invoking the target
// entry's registered handler, if any, and sending the result back to from as
// an rpc-response carrying the same RPCUID. An entry with no handler (or no
// entry at all) is a silent drop -- matching the rest of ProcessIncoming's
// treatment of a reference to an id this side doesn't recognize.
func (s *Storage) handleExecuteRPC(msg *Message, from ConnID) {
	s.mu.Lock()
	e, ok := s.entries.getByID(msg.ID)
	if !ok || e.rpcHandler == nil {
		s.mu.Unlock()
		return
	}
	handler := e.rpcHandler
	name := e.name
	s.mu.Unlock()

	result := handler(name, msg.RPCParams)

	if s.out != nil {
		s.out.SendTo(&Message{Type: MsgRPCResponse, ID: msg.ID, RPCUID: msg.RPCUID, RPCResult: result}, from)
	}
}

// handleRPCResponse forwards a received rpc-response to whatever caller
// registered interest via SetRPCResponseHandler; with nothing registered it
// is a silent drop.
func (s *Storage) handleRPCResponse(msg *Message, from ConnID) {
	s.mu.Lock()
	fn := s.rpcResponseHandler
	s.mu.Unlock()
	if fn != nil {
		fn(msg, from)
	}
}

func (s *Storage) handleClearEntries(msg *Message, from ConnID) {
	deleted := s.clearAll()

	if s.isServer && s.out != nil {
		s.out.BroadcastExcept(&Message{Type: MsgClearEntries}, from)
	}
	for _, d := range deleted {
		s.notify(d.name, d.value, KindDelete, 0)
	}
}

// GetInitialAssignments enumerates every entry as an entry-assign message,
// for the server's handshake burst.
func (s *Storage) GetInitialAssignments() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]*Message, 0, len(s.entries.byName))
	for _, e := range s.entries.byName {
		msgs = append(msgs, &Message{
			Type: MsgEntryAssign, Name: e.name, Value: e.value,
			ID: e.id, Flags: e.flags, SeqNum: e.seq,
		})
	}
	return msgs
}

type notifyItem struct {
	name  string
	value Value
	kind  EntryKind
}

// ApplyInitialAssignments applies the server's handshake burst on the client
// side. When newServer is set, every local id link is dropped first so ids
// are re-learned from scratch. For a name the client already holds, a server
// value with a newer sequence number replaces the local one; otherwise the
// local value is kept and queued back to the server as a reconciling
// entry-update.
func (s *Storage) ApplyInitialAssignments(msgs []*Message, newServer bool) []*Message {
	s.mu.Lock()

	if newServer {
		for _, e := range s.entries.byName {
			e.id = unassignedID
		}
		s.entries.byID = nil
	}

	var reconcile []*Message
	var notifications []notifyItem

	for _, m := range msgs {
		e, exists := s.entries.get(m.Name)
		if !exists {
			e = newEntry(m.Name, m.Value)
			e.flags = m.Flags
			e.seq = m.SeqNum
			s.entries.insert(e)
			s.entries.assign(e, m.ID)
			notifications = append(notifications, notifyItem{e.name, e.value, KindNew})
			continue
		}

		if m.SeqNum.Greater(e.seq) {
			e.value = m.Value
			e.flags = m.Flags
			e.seq = m.SeqNum
			s.entries.assign(e, m.ID)
			notifications = append(notifications, notifyItem{e.name, e.value, KindUpdate})
		} else {
			s.entries.assign(e, m.ID)
			reconcile = append(reconcile, &Message{
				Type: MsgEntryUpdate, ID: m.ID, SeqNum: e.seq, Value: e.value,
			})
		}
	}

	s.mu.Unlock()

	for _, n := range notifications {
		s.notify(n.name, n.value, n.kind, 0)
	}
	return reconcile
}

// typeOf resolves a value's current type by id, used by the 2.0 decoder's
// GetEntryType callback.
func (s *Storage) typeOf(id uint16) Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.typeOf(id)
}
