package aggregator

import (
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
)

// runCycle performs one aggregation pass: fetch raw counters, reconcile
// them into the accumulator, apply quota/expiry policy and swap the
// snapshot. Guarded so overlapping requests are dropped.
func (a *Aggregator) runCycle() {
	a.cyclesRequested.Add(1)
	if !a.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer a.inFlight.Store(false)
	a.cyclesExecuted.Add(1)

	users, err := a.users.List()
	if err != nil {
		// Keep the previous snapshot; the next interval retries.
		log.WithError(err).Error("aggregation aborted: user store read failed")
		return
	}
	entries, err := a.accum.Load()
	if err != nil {
		log.WithError(err).Error("aggregation aborted: accumulator store read failed")
		return
	}

	raw := a.fetchRaw(users)
	changed := a.reconcile(users, entries, raw)

	if changed {
		// Batch write, and only when something moved. Entries whose user
		// was deleted are pruned here so orphans do not pile up, without
		// adding write pressure on quiet cycles.
		keep := make(map[string]struct{}, len(users))
		for i := range users {
			keep[statKeyOf(&users[i])] = struct{}{}
		}
		for key := range entries {
			if _, ok := keep[key]; !ok {
				delete(entries, key)
			}
		}
		if err := a.accum.Replace(entries); err != nil {
			log.WithError(err).Error("aggregation aborted: accumulator store write failed")
			return
		}
	}

	now := a.clock.Now()
	disabled := a.applyPolicy(users, now)
	if len(disabled) > 0 {
		if err := a.users.Replace(users); err != nil {
			log.WithError(err).Error("aggregation aborted: user store write failed")
			return
		}
		for _, u := range disabled {
			log.WithFields(log.Fields{"user": u.Username, "id": u.ID}).Info("user disabled by quota/expiry policy")
		}
		if a.onPolicyDisable != nil {
			a.onPolicyDisable(disabled)
		}
	}

	snap := a.enrich(users, entries, now)
	a.mu.Lock()
	a.snapshot = snap
	a.lastCycle = now
	a.mu.Unlock()
}

// fetchRaw queries the stats source for every user with a bounded worker
// pool. A failed or timed-out query counts as zero for this cycle and does
// not affect other users.
func (a *Aggregator) fetchRaw(users []api.UserRecord) []int64 {
	raw := make([]int64, len(users))
	if len(users) == 0 {
		return raw
	}

	workers := a.concurrency
	if workers > len(users) {
		workers = len(users)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				key := statKeyOf(&users[i])
				v, err := a.stats.GetUserTraffic(key)
				if err != nil {
					log.WithField("key", key).WithError(err).Debug("stats query failed, counting zero this cycle")
					continue
				}
				if v < 0 {
					v = 0
				}
				raw[i] = v
			}
		}()
	}
	for i := range users {
		idx <- i
	}
	close(idx)
	wg.Wait()

	return raw
}

// reconcile folds the raw observations into the accumulator map and mirrors
// the result onto the user records. Returns whether any entry changed.
func (a *Aggregator) reconcile(users []api.UserRecord, entries map[string]api.AccumEntry, raw []int64) bool {
	changed := false
	for i := range users {
		u := &users[i]
		key := statKeyOf(u)
		rawBytes := raw[i]

		entry, ok := entries[key]
		switch {
		case !ok:
			// First observation establishes the baseline with zero delta,
			// so usage that predates the panel is not charged.
			entry = api.AccumEntry{AccumBytes: 0, LastRawBytes: rawBytes}
			entries[key] = entry
			changed = true
		case rawBytes >= entry.LastRawBytes:
			if delta := rawBytes - entry.LastRawBytes; delta > 0 {
				entry.AccumBytes += delta
				entry.LastRawBytes = rawBytes
				entries[key] = entry
				changed = true
				if a.online != nil {
					a.online.Touch(key, u.Username)
				}
			}
		default:
			// Counter reset: the new raw value is usage since the reset.
			// Charging it in full keeps usage that happened between the
			// reset and this observation, at the cost of slightly
			// double-counting the instant of the reset itself.
			entry.AccumBytes += rawBytes
			entry.LastRawBytes = rawBytes
			entries[key] = entry
			changed = true
			if rawBytes > 0 && a.online != nil {
				a.online.Touch(key, u.Username)
			}
		}

		u.UsageAccumBytes = entry.AccumBytes
		u.LastRawBytes = entry.LastRawBytes
	}
	return changed
}

// applyPolicy forces the disable direction of the computed enabled state.
// A record the operator disabled manually is never re-enabled here.
func (a *Aggregator) applyPolicy(users []api.UserRecord, now time.Time) []api.UserRecord {
	var disabled []api.UserRecord
	for i := range users {
		u := &users[i]

		usageGB := float64(u.UsageAccumBytes) / float64(1<<30)
		overQuota := u.QuotaGB >= 0 && usageGB >= u.QuotaGB

		expired := false
		if _, ok := u.ExpiryTime(); ok {
			expired = daysLeft(u, now) <= 0
		}

		if u.Enabled && (overQuota || expired) {
			u.Enabled = false
			disabled = append(disabled, *u)
		}
	}
	return disabled
}

// enrich builds the snapshot view. A nil entries map yields zeroed usage,
// which is the read-path fallback before the first completed cycle.
func (a *Aggregator) enrich(users []api.UserRecord, entries map[string]api.AccumEntry, now time.Time) []api.EnrichedUser {
	out := make([]api.EnrichedUser, 0, len(users))
	for i := range users {
		u := users[i]

		var usage int64
		if entries != nil {
			if e, ok := entries[statKeyOf(&u)]; ok {
				usage = e.AccumBytes
				u.UsageAccumBytes = e.AccumBytes
				u.LastRawBytes = e.LastRawBytes
			}
		} else {
			u.UsageAccumBytes = 0
			u.LastRawBytes = 0
		}

		// Remaining budget uses the exact value; only the displayed GB
		// figure is rounded.
		exact := float64(usage) / float64(1<<30)
		remaining := float64(api.QuotaUnlimited)
		if u.QuotaGB >= 0 {
			remaining = u.QuotaGB - exact
			if remaining < 0 {
				remaining = 0
			}
		}

		eu := api.EnrichedUser{
			UserRecord:  u,
			UsageBytes:  usage,
			UsageGB:     math.Round(exact*100) / 100,
			RemainingGB: remaining,
			DaysLeft:    daysLeft(&u, now),
		}
		if a.shareLink != nil {
			eu.ShareLink = a.shareLink(u)
		}
		out = append(out, eu)
	}
	return out
}

func daysLeft(u *api.UserRecord, now time.Time) int {
	exp, ok := u.ExpiryTime()
	if !ok {
		return api.NoExpiry
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func statKeyOf(u *api.UserRecord) string {
	if keys := u.StatKeys(); len(keys) > 0 {
		return keys[0]
	}
	return fmt.Sprintf("user-%d", u.ID)
}
