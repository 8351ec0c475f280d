package nt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatchesCombinedAssignRule(t *testing.T) {
	assignKind := KindUpdate | KindFlags

	assert.True(t, kindMatches(assignKind, KindUpdate|KindFlags))
	assert.False(t, kindMatches(assignKind, KindUpdate), "a plain UPDATE subscriber should not see a combined assign")
	assert.False(t, kindMatches(assignKind, KindFlags))

	assert.True(t, kindMatches(KindUpdate, KindUpdate))
	assert.True(t, kindMatches(KindFlags, KindFlags))
	assert.True(t, kindMatches(KindNew, KindNew|KindDelete))
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotifierEntryListenerPrefixFilter(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 4)

	n.AddEntryListener("/a/", KindNew, func(name string, v Value, kind EntryKind) {
		mu.Lock()
		got = append(got, name)
		mu.Unlock()
		done <- struct{}{}
	})

	n.NotifyEntry("/a/x", MakeDouble(1), KindNew, 0)
	n.NotifyEntry("/b/y", MakeDouble(1), KindNew, 0)
	n.NotifyEntry("/a/z", MakeDouble(1), KindNew, 0)

	waitFor(t, done)
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"/a/x", "/a/z"}, got)
}

func TestNotifierRemoveListener(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	calls := make(chan struct{}, 4)
	uid := n.AddEntryListener("", KindNew, func(string, Value, EntryKind) { calls <- struct{}{} })

	n.NotifyEntry("/x", MakeDouble(1), KindNew, 0)
	waitFor(t, calls)

	n.RemoveListener(uid)
	n.NotifyEntry("/y", MakeDouble(1), KindNew, 0)

	select {
	case <-calls:
		t.Fatal("listener fired after removal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierWantsLocal(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	assert.False(t, n.WantsLocal())
	uid := n.AddEntryListener("", KindLocal, func(string, Value, EntryKind) {})
	assert.True(t, n.WantsLocal())

	n.RemoveListener(uid)
	assert.False(t, n.WantsLocal())
}

func TestNotifierConnectionListenerFanOut(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	results := make(chan bool, 2)
	n.AddConnectionListener(func(connected bool, info ConnectionInfo) { results <- connected })
	n.AddConnectionListener(func(connected bool, info ConnectionInfo) { results <- connected })

	n.NotifyConnection(true, ConnectionInfo{RemoteAddr: "1.2.3.4:5"}, 0)

	for i := 0; i < 2; i++ {
		select {
		case v := <-results:
			assert.True(t, v)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestNotifierListenerPanicDoesNotKillWorker(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	n.AddEntryListener("", KindNew, func(string, Value, EntryKind) {
		panic("boom")
	})

	ok := make(chan struct{}, 1)
	n.AddEntryListener("", KindNew, func(string, Value, EntryKind) { ok <- struct{}{} })

	n.NotifyEntry("/x", MakeDouble(1), KindNew, 0)
	waitFor(t, ok)
}

func TestNotifierQueueDepth(t *testing.T) {
	n := NewNotifier()
	defer n.Stop()

	block := make(chan struct{})
	release := make(chan struct{})
	n.AddEntryListener("", KindNew, func(string, Value, EntryKind) {
		close(block)
		<-release
	})

	n.NotifyEntry("/a", MakeDouble(1), KindNew, 0)
	<-block
	n.NotifyEntry("/b", MakeDouble(1), KindNew, 0)
	n.NotifyEntry("/c", MakeDouble(1), KindNew, 0)

	require.Eventually(t, func() bool { return n.QueueDepth() >= 2 }, time.Second, time.Millisecond)
	close(release)
}
