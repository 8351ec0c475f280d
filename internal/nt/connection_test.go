package nt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection() *Connection {
	a, _ := net.Pipe()
	return newConnection(ConnID{Slot: 1, Gen: 1}, a, ProtoRev3, nil)
}

func TestQueueOutgoingCoalescesByID(t *testing.T) {
	c := newTestConnection()

	c.queueOutgoing(&Message{Type: MsgEntryAssign, ID: 5, SeqNum: 0, Value: MakeDouble(1)})
	c.queueOutgoing(&Message{Type: MsgEntryUpdate, ID: 5, SeqNum: 1, Value: MakeDouble(2)})
	c.queueOutgoing(&Message{Type: MsgEntryUpdate, ID: 5, SeqNum: 2, Value: MakeDouble(3)})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	require.Len(t, c.pending, 1, "repeated updates to the same id collapse into one pending message")
	assert.Equal(t, MsgEntryAssign, c.pending[0].Type, "an assign absorbs a later update without downgrading type")
	assert.True(t, c.pending[0].Value.Equal(MakeDouble(3)))
	assert.Equal(t, SequenceNumber(2), c.pending[0].SeqNum)
}

func TestQueueOutgoingIdempotentUnderRepeatedCoalescing(t *testing.T) {
	c1 := newTestConnection()
	c2 := newTestConnection()

	msgs := []*Message{
		{Type: MsgEntryAssign, ID: 1, SeqNum: 0, Value: MakeDouble(1)},
		{Type: MsgEntryUpdate, ID: 1, SeqNum: 1, Value: MakeDouble(2)},
		{Type: MsgFlagsUpdate, ID: 1, Flags: FlagPersistent},
	}
	for _, m := range msgs {
		c1.queueOutgoing(m)
	}
	// Applying the exact same sequence twice must reach the same fixed point.
	for _, m := range msgs {
		c2.queueOutgoing(m)
	}
	for _, m := range msgs {
		c2.queueOutgoing(m)
	}

	c1.pendingMu.Lock()
	c2.pendingMu.Lock()
	defer c1.pendingMu.Unlock()
	defer c2.pendingMu.Unlock()
	assert.Equal(t, len(c1.pending), len(c2.pending))
}

func TestQueueOutgoingClearEntriesDropsPriorEntryMessages(t *testing.T) {
	c := newTestConnection()
	c.queueOutgoing(&Message{Type: MsgEntryAssign, ID: 1, Value: MakeDouble(1)})
	c.queueOutgoing(&Message{Type: MsgEntryUpdate, ID: 2, Value: MakeDouble(2)})
	c.queueOutgoing(&Message{Type: MsgClearEntries})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	require.Len(t, c.pending, 1)
	assert.Equal(t, MsgClearEntries, c.pending[0].Type)
}

func TestQueueOutgoingDeleteDropsPendingForThatID(t *testing.T) {
	c := newTestConnection()
	c.queueOutgoing(&Message{Type: MsgEntryAssign, ID: 7, Value: MakeDouble(1)})
	c.queueOutgoing(&Message{Type: MsgEntryDelete, ID: 7})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	require.Len(t, c.pending, 1)
	assert.Equal(t, MsgEntryDelete, c.pending[0].Type)
}

func TestQueueOutgoingUnassignedIDNeverCoalesced(t *testing.T) {
	c := newTestConnection()
	c.queueOutgoing(&Message{Type: MsgEntryAssign, ID: unassignedID, Name: "/a", Value: MakeDouble(1)})
	c.queueOutgoing(&Message{Type: MsgEntryAssign, ID: unassignedID, Name: "/b", Value: MakeDouble(2)})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	assert.Len(t, c.pending, 2)
}

// Handshake downgrade: a client offering an unsupported revision is told the
// server's max supported revision and must redial at that revision.
func TestHandshakeDowngrade(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	notifier := NewNotifier()
	defer notifier.Stop()
	storage := NewStorage(true, notifier)

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(ConnID{Slot: 0, Gen: 1}, serverConn, "srv", true, storage)
		done <- err
	}()

	_, err := ClientHandshake(ConnID{Slot: 0, Gen: 1}, clientConn, ProtoRev(0x0400), "cli", storage)
	require.Error(t, err)

	var unsupported *errProtoUnsupported
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, ProtoRev3, unsupported.rev)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server handshake goroutine never returned")
	}
}

func TestHandshakeCompletesAtAgreedRevision(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientNotifier := NewNotifier()
	defer clientNotifier.Stop()
	clientStorage := NewStorage(false, clientNotifier)

	serverNotifier := NewNotifier()
	defer serverNotifier.Stop()
	serverStorage := NewStorage(true, serverNotifier)
	require.True(t, serverStorage.SetEntryValue("/x", MakeDouble(7)))

	type result struct {
		conn *Connection
		err  error
	}
	serverResult := make(chan result, 1)
	go func() {
		c, err := ServerHandshake(ConnID{Slot: 0, Gen: 1}, serverConn, "srv", true, serverStorage)
		serverResult <- result{c, err}
	}()

	clientConnObj, err := ClientHandshake(ConnID{Slot: 0, Gen: 1}, clientConn, ProtoRev3, "cli", clientStorage)
	require.NoError(t, err)
	assert.Equal(t, StateActive, clientConnObj.State())
	assert.Equal(t, "srv", clientConnObj.RemoteIdentity)

	v, ok := clientStorage.GetEntryValue("/x")
	require.True(t, ok)
	assert.True(t, v.Equal(MakeDouble(7)))

	r := <-serverResult
	require.NoError(t, r.err)
	assert.Equal(t, StateActive, r.conn.State())
	assert.Equal(t, "cli", r.conn.RemoteIdentity)
}
