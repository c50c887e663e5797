package online

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchThenOnline(t *testing.T) {
	tracker := New(&Config{Expiry: 5})

	tracker.Touch("alice", "alice")
	tracker.Touch("bob-key", "bob")

	online := tracker.Online()
	require.Len(t, online, 2)

	names := map[string]bool{}
	for _, u := range online {
		names[u.Username] = true
		assert.WithinDuration(t, time.Now(), u.LastSeen, time.Second)
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestForgetRemovesImmediately(t *testing.T) {
	tracker := New(&Config{Expiry: 5})

	tracker.Touch("alice", "alice")
	tracker.Forget("alice")

	assert.Empty(t, tracker.Online())
}

func TestEntriesExpire(t *testing.T) {
	tracker := New(&Config{Expiry: 1})

	tracker.Touch("alice", "alice")
	require.Len(t, tracker.Online(), 1)

	time.Sleep(1100 * time.Millisecond)
	assert.Empty(t, tracker.Online())
}
