package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StatsSource is the external subsystem reporting cumulative per-user
// traffic counters. Implementations must answer within a short timeout.
type StatsSource interface {
	// GetUserTraffic returns the current raw cumulative counter
	// (uplink+downlink) for the given stat key.
	GetUserTraffic(key string) (int64, error)
	// ResetUserTraffic best-effort clears the external counters for all
	// candidate keys and returns how many resets failed. It never errors.
	ResetUserTraffic(keys ...string) (failed int)
}

type stat struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type statsResponse struct {
	Stat []stat `json:"stat"`
}

// StatsClient queries the Xray stats API over HTTP. Per-user counters are
// exposed as user>>>KEY>>>traffic>>>uplink and ...>>>downlink.
type StatsClient struct {
	client  *resty.Client
	limiter *rate.Limiter
}

// StatsClientConfig configures the Xray stats API client.
type StatsClientConfig struct {
	// APIHost is the stats endpoint base, e.g. http://127.0.0.1:10085.
	APIHost string `mapstructure:"ApiHost"`
	// Timeout bounds a single query; sub-second so one dead query cannot
	// stall an aggregation cycle. Milliseconds, default 800.
	Timeout int `mapstructure:"Timeout"`
	// QueryRate caps stats queries per second across the worker fan-out.
	// Zero disables rate limiting.
	QueryRate int `mapstructure:"QueryRate"`
}

func NewStatsClient(cfg *StatsClientConfig) *StatsClient {
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(cfg.APIHost).
		SetTimeout(timeout).
		SetRetryCount(0)

	var limiter *rate.Limiter
	if cfg.QueryRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.QueryRate)
	}

	return &StatsClient{client: client, limiter: limiter}
}

// GetUserTraffic returns the sum of the uplink and downlink counters for
// key. A missing counter counts as zero; a transport or decode failure is
// returned to the caller, which treats it as zero for the cycle.
func (s *StatsClient) GetUserTraffic(key string) (int64, error) {
	if s.limiter != nil {
		_ = s.limiter.Wait(context.Background())
	}

	res := &statsResponse{}
	resp, err := s.client.R().
		SetQueryParam("pattern", "user>>>"+key+">>>traffic").
		SetResult(res).
		Get("/stats")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("stats query for %q: unexpected status %s", key, resp.Status())
	}

	var total int64
	for _, st := range res.Stat {
		total += st.Value
	}
	return total, nil
}

// ResetUserTraffic clears the counters for every candidate key. Failures
// are counted and logged but never surfaced as an error; the external
// contract is best-effort.
func (s *StatsClient) ResetUserTraffic(keys ...string) (failed int) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		resp, err := s.client.R().
			SetQueryParam("pattern", "user>>>"+key+">>>traffic").
			SetQueryParam("reset", "true").
			Get("/stats")
		if err != nil || resp.StatusCode() != 200 {
			failed++
			log.WithField("key", key).WithError(err).Warn("stats counter reset failed")
		}
	}
	return failed
}
