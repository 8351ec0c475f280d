package nt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/ntcore-go/networktables/pkg/minilog"
)

// HostPort is one entry in a client's round-robin connector list.
type HostPort struct {
	Host string
	Port int
}

const (
	reconnectDelay  = 250 * time.Millisecond
	minUpdateRate   = 10 * time.Millisecond
	maxUpdateRate   = time.Second
	defaultRate     = 100 * time.Millisecond
	persistInterval = time.Second
	stopJoinTimeout = 250 * time.Millisecond
)

// Dispatcher is the single per-process owner of the accept/connect threads
// and the periodic dispatch thread. It implements Storage's Outgoing
// interface, routing by ConnID through an arena of connection slots so a
// stale handle (a response addressed to a since-recycled slot) is silently
// dropped rather than mis-delivered, which avoids a cyclic reference between
// Storage and Connection (Storage never holds a live *Connection pointer).
type Dispatcher struct {
	mu sync.Mutex // guards conns, genCounters, identity, connectors

	storage  *Storage
	notifier *Notifier
	metrics  *Metrics

	isServer        bool
	identity        string
	persistFilename string
	updateRate      time.Duration

	connectors []HostPort
	connIdx    int

	conns       []*Connection
	genCounters []uint32

	flushMu   sync.Mutex
	lastFlush time.Time
	flushCh   chan struct{}

	listener net.Listener
	lastSave time.Time

	rpcMu      sync.Mutex
	pendingRPC map[uint32]chan *Message
	rpcUID     uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(isServer bool, storage *Storage, notifier *Notifier, identity string, updateRate time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		storage:    storage,
		notifier:   notifier,
		isServer:   isServer,
		identity:   identity,
		updateRate: clampUpdateRate(updateRate),
		flushCh:    make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		pendingRPC: make(map[uint32]chan *Message),
	}
	storage.SetOutgoing(d)
	storage.SetRPCResponseHandler(d.handleRPCResponse)
	return d
}

// SetMetrics attaches an optional Metrics instance; a nil metrics (the
// default) makes every call below a no-op.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	d.mu.Lock()
	d.metrics = m
	d.mu.Unlock()
}

func clampUpdateRate(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultRate
	}
	if d < minUpdateRate {
		return minUpdateRate
	}
	if d > maxUpdateRate {
		return maxUpdateRate
	}
	return d
}

// StartServer loads filename (if set), binds listenAddr:port, and starts the
// accept and dispatch threads.
func (d *Dispatcher) StartServer(filename, listenAddr string, port int) error {
	d.isServer = true
	d.persistFilename = filename

	if filename != "" {
		warnings, err := d.storage.LoadFile(filename)
		for _, w := range warnings {
			log.Warn("persistent file: %v", w)
		}
		if err != nil {
			log.Warn("loading persistent file %v: %v", filename, err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", listenAddr, port))
	if err != nil {
		return err
	}
	d.listener = ln

	d.wg.Add(2)
	go d.acceptLoop()
	go d.dispatchLoop()
	return nil
}

// StartClient starts the round-robin connect thread and the dispatch
// thread against the given connectors.
func (d *Dispatcher) StartClient(connectors []HostPort) error {
	d.isServer = false
	d.mu.Lock()
	d.connectors = connectors
	d.mu.Unlock()

	d.wg.Add(2)
	go d.connectLoop()
	go d.dispatchLoop()
	return nil
}

// Stop sets the dispatcher inactive, closes the listener and every
// connection, and joins the background threads with a bounded timeout;
// threads that fail to join in time are left to exit on their own.
func (d *Dispatcher) Stop() {
	d.cancel()
	if d.listener != nil {
		d.listener.Close()
	}

	d.mu.Lock()
	conns := append([]*Connection(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		if c != nil {
			c.markDead()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Info("dispatcher stop: threads did not join within %v, detaching", stopJoinTimeout)
	}
}

func (d *Dispatcher) SetIdentity(identity string) {
	d.mu.Lock()
	d.identity = identity
	d.mu.Unlock()
}

func (d *Dispatcher) SetUpdateRate(rate time.Duration) {
	d.mu.Lock()
	d.updateRate = clampUpdateRate(rate)
	d.mu.Unlock()
}

func (d *Dispatcher) currentUpdateRate() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateRate
}

// Flush requests an out-of-band dispatch tick, rate-limited to one per
// 10ms.
func (d *Dispatcher) Flush() {
	d.flushMu.Lock()
	if time.Since(d.lastFlush) < 10*time.Millisecond {
		d.flushMu.Unlock()
		return
	}
	d.lastFlush = time.Now()
	d.flushMu.Unlock()

	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) SavePersistent(filename string) error {
	return d.storage.SaveFile(filename)
}

func (d *Dispatcher) LoadPersistent(filename string) ([]string, error) {
	return d.storage.LoadFile(filename)
}

// --- RPC envelope plumbing ---

// ErrRPCTimeout is returned by CallRPC when no rpc-response arrives within
// the given timeout.
var ErrRPCTimeout = errors.New("nt: rpc call timed out")

// SetRPCHandler binds handler to an already-published entry so a peer's
// execute-rpc targeting it is answered locally. Returns false if name has no
// entry yet; interpreting params/result is entirely the handler's concern,
// this layer only carries the envelope.
func (d *Dispatcher) SetRPCHandler(name string, handler RPCHandler) bool {
	return d.storage.SetEntryRPCHandler(name, handler)
}

// CallRPC sends an execute-rpc for entryID to the given connection and blocks
// for its rpc-response, correlated by a per-call uid. Returns ErrRPCTimeout
// if none arrives within timeout, or the dispatcher's context error if Stop
// is called first.
func (d *Dispatcher) CallRPC(to ConnID, entryID uint16, params []byte, timeout time.Duration) ([]byte, error) {
	uid := atomic.AddUint32(&d.rpcUID, 1)
	ch := make(chan *Message, 1)

	d.rpcMu.Lock()
	d.pendingRPC[uid] = ch
	d.rpcMu.Unlock()
	defer func() {
		d.rpcMu.Lock()
		delete(d.pendingRPC, uid)
		d.rpcMu.Unlock()
	}()

	d.SendTo(&Message{Type: MsgExecuteRPC, ID: entryID, RPCUID: uid, RPCParams: params}, to)

	select {
	case resp := <-ch:
		return resp.RPCResult, nil
	case <-time.After(timeout):
		return nil, ErrRPCTimeout
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}
}

// handleRPCResponse is registered with Storage as the rpc-response callback;
// it wakes the matching CallRPC if one is still waiting, and silently drops
// a response whose uid nobody (or nobody anymore, past the timeout) wants.
func (d *Dispatcher) handleRPCResponse(msg *Message, from ConnID) {
	d.rpcMu.Lock()
	ch, ok := d.pendingRPC[msg.RPCUID]
	d.rpcMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// --- Outgoing ---

func (d *Dispatcher) Broadcast(msg *Message) {
	for _, c := range d.activeConns() {
		c.queueOutgoing(msg)
	}
}

func (d *Dispatcher) BroadcastExcept(msg *Message, from ConnID) {
	for _, c := range d.activeConns() {
		if c.ID() == from {
			continue
		}
		c.queueOutgoing(msg)
	}
}

func (d *Dispatcher) SendTo(msg *Message, to ConnID) {
	d.mu.Lock()
	c := d.connLocked(to)
	d.mu.Unlock()
	if c != nil {
		c.queueOutgoing(msg)
	}
}

func (d *Dispatcher) activeConns() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		if c != nil && c.State() != StateDead {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) connLocked(id ConnID) *Connection {
	if int(id.Slot) >= len(d.conns) {
		return nil
	}
	c := d.conns[id.Slot]
	if c == nil || c.id.Gen != id.Gen {
		return nil
	}
	return c
}

// nextConnID reuses a dead (or never-used) slot if one exists, bumping its
// generation counter so stale handles from the prior occupant are rejected
// by connLocked.
func (d *Dispatcher) nextConnID() ConnID {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, existing := range d.conns {
		if existing == nil || existing.State() == StateDead {
			d.genCounters[i]++
			return ConnID{Slot: uint32(i), Gen: d.genCounters[i]}
		}
	}

	slot := uint32(len(d.conns))
	d.conns = append(d.conns, nil)
	d.genCounters = append(d.genCounters, 1)
	return ConnID{Slot: slot, Gen: d.genCounters[slot]}
}

func (d *Dispatcher) registerConn(c *Connection) {
	d.mu.Lock()
	c.metrics = d.metrics
	d.conns[c.id.Slot] = c
	d.mu.Unlock()
}

func (d *Dispatcher) connInfo(c *Connection) ConnectionInfo {
	return ConnectionInfo{RemoteAddr: c.RemoteAddr, Identity: c.RemoteIdentity, ProtoRev: c.codec.Rev}
}

// --- accept thread ---

func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				log.Error("accept: %v", err)
				continue
			}
		}
		go d.acceptOne(conn)
	}
}

func (d *Dispatcher) acceptOne(conn net.Conn) {
	id := d.nextConnID()

	d.mu.Lock()
	identity := d.identity
	d.mu.Unlock()

	c, err := ServerHandshake(id, conn, identity, true, d.storage)
	if err != nil {
		log.Info("handshake from %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	d.registerConn(c)
	c.run()
	d.notifier.NotifyConnection(true, d.connInfo(c), 0)
	log.Info("connection %v active: %v", id, c.RemoteAddr)
}

// --- client connect thread ---

// connectLoop round-robins the connector list. Every fresh dial attempt
// starts a new logical connection at the maximum supported revision and lets
// the server downgrade it via proto-unsupported; a downgrade is only ever
// honored for the immediate retry of that same attempt, never carried
// forward into the next one, so a transient downgrade from an old server
// doesn't permanently pin a long-lived client below what it actually
// supports.
func (d *Dispatcher) connectLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		n := len(d.connectors)
		if n == 0 {
			d.mu.Unlock()
			return
		}
		hp := d.connectors[d.connIdx%n]
		d.connIdx++
		identity := d.identity
		d.mu.Unlock()

		addr := fmt.Sprintf("%s:%d", hp.Host, hp.Port)

		if !d.dialOnce(addr, identity) {
			return
		}
	}
}

// dialOnce drives one round-robin slot to completion: dial, handshake
// (retrying at a server-dictated lower revision within this same attempt
// only), run the connection until it dies, then back off. Returns false if
// the dispatcher was asked to stop while this attempt was in flight.
func (d *Dispatcher) dialOnce(addr, identity string) bool {
	rev := ProtoRev3

	for {
		var dialer net.Dialer
		conn, err := dialer.DialContext(d.ctx, "tcp", addr)
		if err != nil {
			log.Debug("dial %v: %v", addr, err)
			return d.sleep(reconnectDelay)
		}

		id := d.nextConnID()
		c, err := ClientHandshake(id, conn, rev, identity, d.storage)
		if err != nil {
			conn.Close()
			if pu, ok := err.(*errProtoUnsupported); ok {
				rev = pu.rev
				log.Info("server at %v requires protocol %#04x, retrying", addr, pu.rev)
				continue
			}
			log.Info("handshake to %v failed: %v", addr, err)
			return d.sleep(reconnectDelay)
		}

		d.registerConn(c)
		c.run()
		d.notifier.NotifyConnection(true, d.connInfo(c), 0)
		log.Info("connected to %v", addr)

		select {
		case <-c.dead:
		case <-d.ctx.Done():
			c.markDead()
			return false
		}
		d.notifier.NotifyConnection(false, d.connInfo(c), 0)

		return d.sleep(reconnectDelay)
	}
}

func (d *Dispatcher) sleep(dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.ctx.Done():
		return false
	}
}

// --- dispatch thread ---

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(d.currentUpdateRate())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			d.tick()
			timer.Reset(d.currentUpdateRate())
		case <-d.flushCh:
			d.tick()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.currentUpdateRate())
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) tick() {
	d.mu.Lock()
	isServer := d.isServer
	filename := d.persistFilename
	d.mu.Unlock()

	if isServer && filename != "" && time.Since(d.lastSave) >= persistInterval {
		if err := d.storage.SaveFile(filename); err != nil {
			log.Warn("persistent save failed, will retry: %v", err)
		} else {
			d.lastSave = time.Now()
		}
	}

	keepAlive := !isServer
	conns := d.activeConns()
	for _, c := range conns {
		c.postOutgoing(keepAlive)
	}

	d.mu.Lock()
	m := d.metrics
	d.mu.Unlock()
	m.SetActiveConnections(len(conns))
	m.SetEntryCount(d.storage.EntryCount())
}
