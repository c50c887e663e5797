package api

import "time"

const (
	// QuotaUnlimited marks a user without a traffic budget.
	QuotaUnlimited = -1
	// NoExpiry is the DaysLeft value for users without an expiry date.
	NoExpiry = -1
)

// UserRecord is one provisioned account as persisted in the user store.
// Enabled is the authoritative access-control flag consumed by the Xray
// client sync; the aggregator only ever forces it in the disable direction.
type UserRecord struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	UUID     string `json:"uuid"`
	// StatKey correlates the user with the Xray stats counters. It is
	// assigned once at creation (display name, else username) and survives
	// renames so historical usage is not orphaned.
	StatKey string `json:"statKey"`
	Display string `json:"display,omitempty"`
	// QuotaGB is -1 for unlimited, otherwise a GB budget.
	QuotaGB float64 `json:"quotaGB"`
	// Expiry is an RFC 3339 timestamp; empty means never expires.
	Expiry  string `json:"expiry,omitempty"`
	Enabled bool   `json:"enabled"`

	UsageAccumBytes int64 `json:"usageAccumBytes"`
	LastRawBytes    int64 `json:"lastRawBytes"`
}

// ExpiryTime parses the expiry field. ok is false when no expiry is set or
// the stored value does not parse.
func (u *UserRecord) ExpiryTime() (t time.Time, ok bool) {
	if u.Expiry == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, u.Expiry)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StatKeys returns the candidate keys under which the stats source may hold
// counters for this user, in preference order.
func (u *UserRecord) StatKeys() []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{u.StatKey, u.Display, u.Username} {
		if k == "" {
			continue
		}
		dup := false
		for _, seen := range keys {
			if seen == k {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

// AccumEntry is the persisted accumulator state for one stat key.
// AccumBytes is monotonically non-decreasing except on explicit reset.
type AccumEntry struct {
	AccumBytes   int64 `json:"accumBytes"`
	LastRawBytes int64 `json:"lastRawBytes"`
}

// EnrichedUser is the read-optimized snapshot view of a user, rebuilt
// wholesale each aggregation cycle and never persisted.
type EnrichedUser struct {
	UserRecord

	UsageBytes int64 `json:"usageBytes"`
	// UsageGB is rounded to 2 decimals for display; RemainingGB is computed
	// from the unrounded value.
	UsageGB     float64 `json:"usageGB"`
	RemainingGB float64 `json:"remainingGB"`
	DaysLeft    int     `json:"daysLeft"`
	ShareLink   string  `json:"shareLink,omitempty"`
}

// DomainRecord is a domain the panel serves connection links for.
type DomainRecord struct {
	ID     int    `json:"id"`
	Domain string `json:"domain"`
	Port   int    `json:"port"`
	SNI    string `json:"sni,omitempty"`
	Active bool   `json:"active"`
}

// NodeStatus is the host status served by the status endpoint.
type NodeStatus struct {
	CPU    float64 `json:"cpu"`
	Mem    float64 `json:"mem"`
	Disk   float64 `json:"disk"`
	Uptime uint64  `json:"uptime"`
}
