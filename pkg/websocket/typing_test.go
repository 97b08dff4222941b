package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu      sync.Mutex
	entries []TypingEntry
}

func (r *expiryRecorder) record(e TypingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestTypingExpires(t *testing.T) {
	rec := &expiryRecorder{}
	m := NewTypingManager(40*time.Millisecond, rec.record)
	defer m.Close()

	require.True(t, m.Start("ws", "alice", "bob"))
	assert.True(t, m.Active("ws", "alice", "bob"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Active("ws", "alice", "bob"))
	assert.Equal(t, "alice:bob", rec.entries[0].ConversationKey)
	assert.Equal(t, "bob", rec.entries[0].RecipientID)
}

func TestTypingRefreshReplacesTimer(t *testing.T) {
	rec := &expiryRecorder{}
	m := NewTypingManager(150*time.Millisecond, rec.record)
	defer m.Close()

	require.True(t, m.Start("ws", "alice", "bob"))
	time.Sleep(80 * time.Millisecond)
	require.False(t, m.Start("ws", "alice", "bob"), "second start is a refresh")

	// 第一个计时器本应在 150ms 到期，刷新后仍处于输入中
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Active("ws", "alice", "bob"))
	assert.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "exactly one expiry after refresh")
}

func TestTypingStopAndStopAll(t *testing.T) {
	rec := &expiryRecorder{}
	m := NewTypingManager(50*time.Millisecond, rec.record)
	defer m.Close()

	m.Start("ws", "alice", "bob")
	m.Start("ws", "alice", "carol")
	m.Start("ws", "dave", "alice")
	m.Start("other", "alice", "bob")

	assert.True(t, m.Stop("ws", "alice", "bob"))
	assert.False(t, m.Stop("ws", "alice", "bob"))

	stopped := m.StopAll("ws", "alice")
	require.Len(t, stopped, 1)
	assert.Equal(t, "carol", stopped[0].RecipientID)
	assert.True(t, m.Active("ws", "dave", "alice"))
	assert.True(t, m.Active("other", "alice", "bob"))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "only the untouched entries expire")
}
