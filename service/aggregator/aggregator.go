// Package aggregator maintains a monotonic measure of per-user usage on top
// of an external stats counter that may reset to zero, and derives each
// user's enabled flag from quota/expiry policy.
package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
)

// UserStore is the durable source of truth for identity and policy fields,
// and the sink for policy-driven enabled changes.
type UserStore interface {
	List() ([]api.UserRecord, error)
	Replace([]api.UserRecord) error
}

// AccumStore persists the per-key accumulator map.
type AccumStore interface {
	Load() (map[string]api.AccumEntry, error)
	Replace(map[string]api.AccumEntry) error
}

// OnlineTracker is fed with users whose counters advanced during a cycle.
type OnlineTracker interface {
	Touch(statKey, username string)
}

// Clock is injectable so tests can run cycles against a fixed time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators of an Aggregator. Online, OnPolicyDisable and
// ShareLink are optional.
type Deps struct {
	Users  UserStore
	Accum  AccumStore
	Stats  api.StatsSource
	Online OnlineTracker
	// OnPolicyDisable is the downstream sync signal: it receives the users
	// whose enabled flag the policy turned off, after they were persisted.
	OnPolicyDisable func(disabled []api.UserRecord)
	// ShareLink derives the user's connection URL. Deterministic and
	// side-effect free.
	ShareLink func(api.UserRecord) string
	Clock     Clock
}

// Options tune the polling behaviour.
type Options struct {
	// Interval between cycles. Default 5s.
	Interval time.Duration
	// Concurrency bounds the stats-query fan-out. Default 6.
	Concurrency int
}

// Aggregator owns the usage snapshot. Only one cycle runs at a time; a
// request to start a cycle while one is in flight is dropped, not queued.
type Aggregator struct {
	users  UserStore
	accum  AccumStore
	stats  api.StatsSource
	online OnlineTracker

	onPolicyDisable func([]api.UserRecord)
	shareLink       func(api.UserRecord) string
	clock           Clock

	interval    time.Duration
	concurrency int

	mu        sync.RWMutex
	snapshot  []api.EnrichedUser
	lastCycle time.Time

	inFlight atomic.Bool
	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	cyclesRequested atomic.Int64
	cyclesExecuted  atomic.Int64
}

func New(deps Deps, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	return &Aggregator{
		users:           deps.Users,
		accum:           deps.Accum,
		stats:           deps.Stats,
		online:          deps.Online,
		onPolicyDisable: deps.OnPolicyDisable,
		shareLink:       deps.ShareLink,
		clock:           deps.Clock,
		interval:        opts.Interval,
		concurrency:     opts.Concurrency,
		kick:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

// Start launches the polling loop: an immediate run shortly after startup,
// then one run per interval. Runs triggered while a cycle is still in
// flight are dropped.
func (a *Aggregator) Start() {
	go a.loop()
	a.RequestRefresh()
}

// Close stops the polling loop. A cycle already in flight runs to
// completion; mid-cycle cancellation is not supported.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *Aggregator) loop() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-a.kick:
			a.runCycle()
		case <-ticker.C:
			a.runCycle()
		}
	}
}

// RequestRefresh schedules a cycle for soon rather than running it
// synchronously, so mutation endpoints do not block on stats queries.
// Pending requests coalesce.
func (a *Aggregator) RequestRefresh() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest completed cycle's data without ever blocking
// on a running cycle. Before the first completed cycle it computes a
// minimal view straight from the user store with zeroed usage. A stale
// snapshot (older than twice the interval, with no cycle running)
// opportunistically schedules a refresh before being returned.
func (a *Aggregator) Snapshot() []api.EnrichedUser {
	a.mu.RLock()
	snap := a.snapshot
	last := a.lastCycle
	a.mu.RUnlock()

	if snap != nil {
		if a.clock.Now().Sub(last) > 2*a.interval && !a.inFlight.Load() {
			a.RequestRefresh()
		}
		return snap
	}

	users, err := a.users.List()
	if err != nil {
		log.WithError(err).Error("snapshot fallback: user store read failed")
		return []api.EnrichedUser{}
	}
	return a.enrich(users, nil, a.clock.Now())
}

// CyclesRequested counts every attempt to start a cycle, including dropped
// ones; CyclesExecuted counts cycles that actually ran.
func (a *Aggregator) CyclesRequested() int64 { return a.cyclesRequested.Load() }

func (a *Aggregator) CyclesExecuted() int64 { return a.cyclesExecuted.Load() }
