package aggregator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpanel-dev/xpanel/api"
)

type fakeUserStore struct {
	mu     sync.Mutex
	users  []api.UserRecord
	writes int
	err    error
}

func (s *fakeUserStore) List() ([]api.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]api.UserRecord, len(s.users))
	copy(out, s.users)
	return out, nil
}

func (s *fakeUserStore) Replace(users []api.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make([]api.UserRecord, len(users))
	copy(s.users, users)
	s.writes++
	return nil
}

type fakeAccumStore struct {
	mu      sync.Mutex
	entries map[string]api.AccumEntry
	writes  int
	err     error
}

func (s *fakeAccumStore) Load() (map[string]api.AccumEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]api.AccumEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *fakeAccumStore) Replace(entries map[string]api.AccumEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.writes++
	return nil
}

type fakeStats struct {
	mu     sync.Mutex
	values map[string]int64
	errs   map[string]error
	// gate, when set, blocks every query until released.
	gate chan struct{}
}

func (f *fakeStats) GetUserTraffic(key string) (int64, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[key]; ok {
		return 0, err
	}
	return f.values[key], nil
}

func (f *fakeStats) ResetUserTraffic(keys ...string) int { return 0 }

func (f *fakeStats) set(key string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string]int64{}
	}
	f.values[key] = v
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAggregator(users []api.UserRecord) (*Aggregator, *fakeUserStore, *fakeAccumStore, *fakeStats, *manualClock) {
	us := &fakeUserStore{users: users}
	as := &fakeAccumStore{entries: map[string]api.AccumEntry{}}
	st := &fakeStats{values: map[string]int64{}}
	clk := &manualClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	agg := New(Deps{Users: us, Accum: as, Stats: st, Clock: clk}, Options{})
	return agg, us, as, st, clk
}

func user(id int, name string, quotaGB float64, enabled bool) api.UserRecord {
	return api.UserRecord{ID: id, Username: name, StatKey: name, QuotaGB: quotaGB, Enabled: enabled}
}

func accumOf(t *testing.T, as *fakeAccumStore, key string) api.AccumEntry {
	t.Helper()
	entries, err := as.Load()
	require.NoError(t, err)
	return entries[key]
}

func TestMonotonicAccumulation(t *testing.T) {
	agg, _, as, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	readings := []int64{100, 100, 350, 900, 900, 1200}
	for _, r := range readings {
		st.set("alice", r)
		agg.runCycle()
	}

	// Baseline at first observation: accumulated usage is rn - r0.
	assert.Equal(t, int64(1200-100), accumOf(t, as, "alice").AccumBytes)
}

func TestCounterResetHandling(t *testing.T) {
	agg, _, as, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	expected := map[int64]int64{500: 0, 700: 200, 100: 300, 250: 450}
	for _, r := range []int64{500, 700, 100, 250} {
		st.set("alice", r)
		agg.runCycle()
		entry := accumOf(t, as, "alice")
		assert.Equal(t, expected[r], entry.AccumBytes, "after raw reading %d", r)
		assert.Equal(t, r, entry.LastRawBytes)
	}
}

func TestFirstObservationBaseline(t *testing.T) {
	agg, _, as, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	st.set("alice", 10_000)
	agg.runCycle()

	entry := accumOf(t, as, "alice")
	assert.Equal(t, int64(0), entry.AccumBytes)
	assert.Equal(t, int64(10_000), entry.LastRawBytes)

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(0), snap[0].UsageBytes)
}

func TestIdenticalCyclesWriteNothing(t *testing.T) {
	agg, us, as, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	st.set("alice", 4096)
	agg.runCycle()
	require.Equal(t, 1, as.writes) // baseline creation

	first := agg.Snapshot()
	agg.runCycle()

	assert.Equal(t, 1, as.writes, "no-op cycle must not write the accumulator")
	assert.Equal(t, 0, us.writes, "no policy change, no user store write")
	assert.Equal(t, first, agg.Snapshot())
}

func TestQuotaBreachAutoDisable(t *testing.T) {
	agg, us, _, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", 1, true)})

	var synced [][]api.UserRecord
	agg.onPolicyDisable = func(d []api.UserRecord) { synced = append(synced, d) }

	st.set("alice", 0)
	agg.runCycle() // baseline
	st.set("alice", 1<<29)
	agg.runCycle() // half the budget, still enabled

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Enabled)
	assert.Empty(t, synced)

	st.set("alice", 1<<30)
	agg.runCycle() // crossing observed here

	snap = agg.Snapshot()
	assert.False(t, snap[0].Enabled)
	assert.Equal(t, float64(0), snap[0].RemainingGB)
	require.Len(t, synced, 1)
	assert.Equal(t, "alice", synced[0][0].Username)
	userWrites := us.writes
	assert.Equal(t, 1, userWrites)

	// Stays disabled on later cycles with no further writes or signals.
	agg.runCycle()
	assert.False(t, agg.Snapshot()[0].Enabled)
	assert.Equal(t, userWrites, us.writes)
	assert.Len(t, synced, 1)
}

func TestExpiryAutoDisable(t *testing.T) {
	u := user(1, "alice", api.QuotaUnlimited, true)
	agg, _, _, _, clk := newTestAggregator([]api.UserRecord{u})

	expiry := clk.Now().Add(-time.Hour)
	agg.users.(*fakeUserStore).users[0].Expiry = expiry.Format(time.RFC3339)

	agg.runCycle()

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].DaysLeft)
	assert.False(t, snap[0].Enabled)
}

func TestDaysLeftRounding(t *testing.T) {
	u := user(1, "alice", api.QuotaUnlimited, true)
	agg, us, _, _, clk := newTestAggregator([]api.UserRecord{u})

	// 36 hours out rounds up to 2 days.
	us.users[0].Expiry = clk.Now().Add(36 * time.Hour).Format(time.RFC3339)
	agg.runCycle()
	snap := agg.Snapshot()
	assert.Equal(t, 2, snap[0].DaysLeft)
	assert.True(t, snap[0].Enabled)

	// No expiry at all reports -1.
	us.users[0].Expiry = ""
	agg.runCycle()
	assert.Equal(t, api.NoExpiry, agg.Snapshot()[0].DaysLeft)
}

func TestPerUserFaultIsolation(t *testing.T) {
	agg, _, as, st, _ := newTestAggregator([]api.UserRecord{
		user(1, "alice", api.QuotaUnlimited, true),
		user(2, "bob", api.QuotaUnlimited, true),
	})

	st.set("alice", 100)
	st.set("bob", 100)
	agg.runCycle() // baselines

	st.errs = map[string]error{"alice": errors.New("stats source down")}
	st.set("bob", 700)
	agg.runCycle()

	// Alice's failed query reads as raw 0, which looks like a counter
	// reset and contributes zero; Bob's delta lands normally.
	assert.Equal(t, int64(0), accumOf(t, as, "alice").AccumBytes)
	assert.Equal(t, int64(600), accumOf(t, as, "bob").AccumBytes)

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
}

func TestConcurrentCycleDropped(t *testing.T) {
	agg, _, _, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	st.gate = make(chan struct{})
	done := make(chan struct{})
	go func() {
		agg.runCycle()
		close(done)
	}()

	// Wait for the first cycle to be in flight, then request another.
	require.Eventually(t, func() bool { return agg.inFlight.Load() }, time.Second, time.Millisecond)
	agg.runCycle() // dropped, returns immediately

	close(st.gate)
	<-done

	assert.Equal(t, int64(2), agg.CyclesRequested())
	assert.Equal(t, int64(1), agg.CyclesExecuted())
}

func TestStoreFailureKeepsPreviousSnapshot(t *testing.T) {
	agg, us, as, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	st.set("alice", 100)
	agg.runCycle()
	st.set("alice", 600)
	agg.runCycle()
	good := agg.Snapshot()
	require.Equal(t, int64(500), good[0].UsageBytes)

	as.err = errors.New("disk gone")
	st.set("alice", 900)
	agg.runCycle()
	assert.Equal(t, good, agg.Snapshot(), "failed cycle must leave the previous snapshot in place")

	// Next cycle retries unconditionally once the store recovers.
	as.err = nil
	agg.runCycle()
	assert.Equal(t, int64(800), agg.Snapshot()[0].UsageBytes)

	us.err = errors.New("users unreadable")
	st.set("alice", 950)
	agg.runCycle()
	assert.Equal(t, int64(800), agg.Snapshot()[0].UsageBytes)
}

func TestSnapshotFallbackBeforeFirstCycle(t *testing.T) {
	u := user(1, "alice", 5, true)
	u.UsageAccumBytes = 999 // stale persisted mirror must not leak through
	agg, _, _, _, _ := newTestAggregator([]api.UserRecord{u})

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(0), snap[0].UsageBytes)
	assert.Equal(t, float64(0), snap[0].UsageGB)
	assert.Equal(t, float64(5), snap[0].RemainingGB)
}

func TestStaleSnapshotSchedulesRefresh(t *testing.T) {
	agg, _, _, st, clk := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})

	st.set("alice", 100)
	agg.runCycle()

	// Fresh snapshot: no refresh scheduled.
	agg.Snapshot()
	assert.Len(t, agg.kick, 0)

	clk.advance(11 * time.Second) // past 2x the 5s interval
	agg.Snapshot()
	assert.Len(t, agg.kick, 1, "stale read must schedule a refresh")
}

func TestOrphanedAccumEntriesPrunedOnWrite(t *testing.T) {
	agg, us, as, st, _ := newTestAggregator([]api.UserRecord{
		user(1, "alice", api.QuotaUnlimited, true),
		user(2, "bob", api.QuotaUnlimited, true),
	})

	st.set("alice", 100)
	st.set("bob", 100)
	agg.runCycle()

	us.mu.Lock()
	us.users = us.users[:1] // bob deleted
	us.mu.Unlock()

	st.set("alice", 300) // forces an accumulator write
	agg.runCycle()

	entries, err := as.Load()
	require.NoError(t, err)
	assert.Contains(t, entries, "alice")
	assert.NotContains(t, entries, "bob")
}

func TestManualDisableNotOverridden(t *testing.T) {
	u := user(1, "alice", api.QuotaUnlimited, false) // operator disabled
	agg, us, _, st, _ := newTestAggregator([]api.UserRecord{u})

	st.set("alice", 100)
	agg.runCycle()
	st.set("alice", 200)
	agg.runCycle()

	assert.False(t, agg.Snapshot()[0].Enabled)
	assert.Equal(t, 0, us.writes, "policy never writes in the enable direction")
}

func TestShareLinkDerived(t *testing.T) {
	agg, _, _, st, _ := newTestAggregator([]api.UserRecord{user(1, "alice", api.QuotaUnlimited, true)})
	agg.shareLink = func(u api.UserRecord) string { return "vless://" + u.Username }

	st.set("alice", 100)
	agg.runCycle()

	assert.Equal(t, "vless://alice", agg.Snapshot()[0].ShareLink)
}
