package nt

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	log "github.com/ntcore-go/networktables/pkg/minilog"
)

// ConnState is a Connection's position in the one-way state machine
// Created -> Init -> Handshake -> Active -> Dead. ClientHandshake and
// ServerHandshake build the Connection only after the exchange succeeds, so a
// Connection goes straight from Created to Active; Init and Handshake are not
// entered.
type ConnState int32

const (
	StateCreated ConnState = iota
	StateInit
	StateHandshake
	StateActive
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// ConnID is an opaque (slot, generation) handle into Dispatcher's connection
// arena. This avoids a shared-pointer cycle between Storage, Connection, and
// pending RPC responses: a response targets a ConnID and is silently dropped
// if the slot has since been reused by a different generation.
type ConnID struct {
	Slot uint32
	Gen  uint32
}

func (c ConnID) String() string { return fmt.Sprintf("%d.%d", c.Slot, c.Gen) }

const keepAliveInterval = time.Second

// Connection is a per-peer state machine: a reader goroutine decodes framed
// messages into Storage, a writer goroutine flushes batches posted by the
// dispatch thread. The two share no lock (pendingMu guards only the pending
// list and lastSend), so reads and writes never block each other.
type Connection struct {
	id ConnID
	// trace is a per-socket log correlation token, distinct from id: id's
	// slot is reused across reconnects, so two unrelated sessions can log
	// under the same ConnID moments apart.
	trace xid.ID

	conn  net.Conn
	codec Codec

	state int32 // atomic ConnState

	pendingMu sync.Mutex
	pending   []*Message
	assignIdx map[uint16]int // entry id -> index of its latest assign/update in pending
	flagsIdx  map[uint16]int // entry id -> index of its latest flags-update in pending
	lastSend  time.Time

	writeQueue chan []*Message
	dead       chan struct{}
	closeOnce  sync.Once

	storage *Storage
	metrics *Metrics

	RemoteIdentity string
	RemoteAddr     string
}

func newConnection(id ConnID, conn net.Conn, rev ProtoRev, storage *Storage) *Connection {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c := &Connection{
		id:         id,
		trace:      xid.New(),
		conn:       conn,
		codec:      Codec{Rev: rev},
		assignIdx:  make(map[uint16]int),
		flagsIdx:   make(map[uint16]int),
		writeQueue: make(chan []*Message, 16),
		dead:       make(chan struct{}),
		storage:    storage,
		lastSend:   time.Now(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	return c
}

func (c *Connection) ID() ConnID { return c.id }

func (c *Connection) State() ConnState { return ConnState(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s ConnState) { atomic.StoreInt32(&c.state, int32(s)) }

// run starts the reader and writer goroutines. Called once the connection
// has cleared its handshake and moved to Active.
func (c *Connection) run() {
	go c.readLoop()
	go c.writeLoop()
}

// countingReader/countingWriter feed byte counts into Connection's metrics
// without the codec needing to know metrics exist.
type countingReader struct {
	io.Reader
	m *Metrics
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.m.AddBytesRead(n)
	return n, err
}

type countingWriter struct {
	io.Writer
	m *Metrics
}

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.m.AddBytesWritten(n)
	return n, err
}

func (c *Connection) readLoop() {
	defer c.markDead()

	getType := GetEntryType(func(id uint16) Type { return c.storage.typeOf(id) })
	r := bufio.NewReader(countingReader{c.conn, c.metrics})

	for {
		msg, err := c.codec.Decode(r, getType)
		if err != nil {
			log.Debug("connection %v [%s]: decode: %v", c.id, c.trace, err)
			return
		}
		c.storage.ProcessIncoming(msg, c.id, c.codec.Rev)
	}
}

func (c *Connection) writeLoop() {
	w := bufio.NewWriter(countingWriter{c.conn, c.metrics})

	for {
		select {
		case batch, ok := <-c.writeQueue:
			if !ok {
				return
			}
			for _, m := range batch {
				if err := c.codec.Encode(w, m); err != nil {
					log.Debug("connection %v [%s]: encode: %v", c.id, c.trace, err)
					c.markDead()
					return
				}
			}
			if err := w.Flush(); err != nil {
				log.Debug("connection %v [%s]: flush: %v", c.id, c.trace, err)
				c.markDead()
				return
			}
			c.pendingMu.Lock()
			c.lastSend = time.Now()
			c.pendingMu.Unlock()
		case <-c.dead:
			return
		}
	}
}

func (c *Connection) markDead() {
	c.closeOnce.Do(func() {
		c.setState(StateDead)
		close(c.dead)
		c.conn.Close()
	})
}

// queueOutgoing coalesces msg by entry id into the pending list, so a burst
// of updates to the same entry before the next flush collapses to the latest
// value. Messages with id == 0xFFFF (not yet assigned) are never coalesced
// and are emitted in insertion order.
func (c *Connection) queueOutgoing(msg *Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if msg.Type == MsgClearEntries {
		filtered := c.pending[:0]
		for _, m := range c.pending {
			switch m.Type {
			case MsgEntryAssign, MsgEntryUpdate, MsgFlagsUpdate, MsgEntryDelete, MsgClearEntries:
				continue
			}
			filtered = append(filtered, m)
		}
		c.pending = append(filtered, msg)
		c.assignIdx = make(map[uint16]int)
		c.flagsIdx = make(map[uint16]int)
		return
	}

	id := msg.ID
	if id == unassignedID {
		c.pending = append(c.pending, msg)
		return
	}

	switch msg.Type {
	case MsgEntryAssign:
		if idx, ok := c.assignIdx[id]; ok {
			c.pending[idx] = msg
		} else {
			c.assignIdx[id] = len(c.pending)
			c.pending = append(c.pending, msg)
		}

	case MsgEntryUpdate:
		if idx, ok := c.assignIdx[id]; ok {
			merged := *c.pending[idx]
			merged.SeqNum = msg.SeqNum
			merged.Value = msg.Value
			c.pending[idx] = &merged
		} else {
			c.assignIdx[id] = len(c.pending)
			c.pending = append(c.pending, msg)
		}

	case MsgFlagsUpdate:
		if idx, ok := c.flagsIdx[id]; ok {
			c.pending[idx] = msg
		} else {
			c.flagsIdx[id] = len(c.pending)
			c.pending = append(c.pending, msg)
		}

	case MsgEntryDelete:
		filtered := c.pending[:0]
		for _, m := range c.pending {
			if m.ID == id {
				switch m.Type {
				case MsgEntryAssign, MsgEntryUpdate, MsgFlagsUpdate, MsgEntryDelete:
					continue
				}
			}
			filtered = append(filtered, m)
		}
		c.pending = append(filtered, msg)
		c.reindexLocked()

	default:
		c.pending = append(c.pending, msg)
	}
}

func (c *Connection) reindexLocked() {
	c.assignIdx = make(map[uint16]int)
	c.flagsIdx = make(map[uint16]int)
	for i, m := range c.pending {
		switch m.Type {
		case MsgEntryAssign, MsgEntryUpdate:
			c.assignIdx[m.ID] = i
		case MsgFlagsUpdate:
			c.flagsIdx[m.ID] = i
		}
	}
}

// postOutgoing hands the pending list to the writer. If the list is empty
// and keepAlive is set and more than keepAliveInterval has passed since the
// last send, a keep-alive is sent instead; otherwise nothing happens.
func (c *Connection) postOutgoing(keepAlive bool) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		if !keepAlive || time.Since(c.lastSend) <= keepAliveInterval {
			c.pendingMu.Unlock()
			return
		}
		c.pending = append(c.pending, &Message{Type: MsgKeepAlive})
	}

	batch := c.pending
	c.pending = nil
	c.assignIdx = make(map[uint16]int)
	c.flagsIdx = make(map[uint16]int)
	c.pendingMu.Unlock()

	select {
	case c.writeQueue <- batch:
	case <-c.dead:
	}
}

// errProtoUnsupported signals the client connect loop to redial at a lower
// protocol revision rather than treating the rejection as a fatal error.
type errProtoUnsupported struct{ rev ProtoRev }

func (e *errProtoUnsupported) Error() string {
	return fmt.Sprintf("server requires protocol %#04x", e.rev)
}

// ClientHandshake runs the client side of the handshake over conn and
// returns an Active connection. identity is offered to the server only on
// 3.0. On a proto-unsupported reply, returns *errProtoUnsupported so the
// caller can redial a fresh socket at the indicated revision -- the
// connect loop never reuses a rejected connection.
func ClientHandshake(id ConnID, conn net.Conn, rev ProtoRev, identity string, storage *Storage) (*Connection, error) {
	codec := Codec{Rev: rev}

	hello := &Message{Type: MsgClientHello, ClientProtoRev: rev, Identity: identity}
	if err := codec.Encode(conn, hello); err != nil {
		return nil, err
	}

	msg, err := codec.Decode(conn, nil)
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgProtoUnsupported {
		return nil, &errProtoUnsupported{rev: msg.SupportedProtoRev}
	}

	var serverIdentity string
	newServer := true

	if rev >= ProtoRev3 {
		if msg.Type != MsgServerHello {
			return nil, badMessage("expected server-hello, got %v", msg.Type)
		}
		serverIdentity = msg.Identity
		newServer = msg.IsNewServer()

		msg, err = codec.Decode(conn, nil)
		if err != nil {
			return nil, err
		}
	}

	var assigns []*Message
	for msg.Type == MsgEntryAssign {
		assigns = append(assigns, msg)
		msg, err = codec.Decode(conn, nil)
		if err != nil {
			return nil, err
		}
	}
	if msg.Type != MsgServerHelloDone {
		return nil, badMessage("expected server-hello-done, got %v", msg.Type)
	}

	reconcile := storage.ApplyInitialAssignments(assigns, newServer)

	c := newConnection(id, conn, rev, storage)
	c.RemoteIdentity = serverIdentity
	for _, m := range reconcile {
		c.queueOutgoing(m)
	}
	c.postOutgoing(false)

	if rev >= ProtoRev3 {
		if err := codec.Encode(conn, &Message{Type: MsgClientHelloDone}); err != nil {
			return nil, err
		}
	}

	c.setState(StateActive)
	return c, nil
}

// ServerHandshake runs the server side of the handshake over conn.
// isNewServer is carried in the server-hello's identity flag so the peer
// knows whether to trust ids it previously learned.
func ServerHandshake(id ConnID, conn net.Conn, identity string, isNewServer bool, storage *Storage) (*Connection, error) {
	bootCodec := Codec{Rev: ProtoRev3}

	msg, err := bootCodec.Decode(conn, nil)
	if err != nil {
		return nil, err
	}
	if msg.Type != MsgClientHello {
		return nil, badMessage("expected client-hello, got %v", msg.Type)
	}

	if msg.ClientProtoRev > ProtoRev3 {
		bootCodec.Encode(conn, &Message{Type: MsgProtoUnsupported, SupportedProtoRev: ProtoRev3})
		return nil, badMessage("client requested unsupported protocol %#04x", msg.ClientProtoRev)
	}

	rev := msg.ClientProtoRev
	codec := Codec{Rev: rev}

	w := bufio.NewWriter(conn)

	if rev >= ProtoRev3 {
		serverFlags := byte(0)
		if !isNewServer {
			serverFlags = serverHelloNewServerClear
		}
		if err := codec.Encode(w, &Message{Type: MsgServerHello, Identity: identity, ServerFlags: serverFlags}); err != nil {
			return nil, err
		}
	}

	for _, assign := range storage.GetInitialAssignments() {
		if err := codec.Encode(w, assign); err != nil {
			return nil, err
		}
	}
	if err := codec.Encode(w, &Message{Type: MsgServerHelloDone}); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	c := newConnection(id, conn, rev, storage)
	c.RemoteIdentity = msg.Identity

	if rev >= ProtoRev3 {
		for {
			m, err := codec.Decode(conn, nil)
			if err != nil {
				return nil, err
			}
			if m.Type == MsgClientHelloDone {
				break
			}
			if m.Type != MsgEntryAssign {
				return nil, badMessage("unexpected message %v during server handshake", m.Type)
			}
			storage.ProcessIncoming(m, id, rev)
		}
	}

	c.setState(StateActive)
	return c, nil
}
