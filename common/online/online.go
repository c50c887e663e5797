// Package online tracks which users have moved traffic recently. The
// aggregator feeds it on every cycle where a user's counter advanced; the
// web layer serves the resulting view.
//
// Entries live in a chained cache: a local go-cache first, optionally
// backed by redis so several panel replicas behind one Xray share the same
// online view.
package online

import (
	"context"
	"sync"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	goCacheStore "github.com/eko/gocache/store/go_cache/v4"
	redisStore "github.com/eko/gocache/store/redis/v4"
	goCache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Config controls entry expiry and the optional shared redis backend.
type Config struct {
	// Expiry is how long after the last observed traffic a user still
	// counts as online. Seconds, default 30.
	Expiry int `mapstructure:"Expiry"`

	RedisEnable   bool   `mapstructure:"RedisEnable"`
	RedisNetwork  string `mapstructure:"RedisNetwork"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisUsername string `mapstructure:"RedisUsername"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
}

// User is one entry of the online view.
type User struct {
	Username string    `json:"username"`
	StatKey  string    `json:"statKey"`
	LastSeen time.Time `json:"lastSeen"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	expiry time.Duration
	cache  *marshaler.Marshaler

	// known maps statKey -> username for every user touched since start,
	// so the online view can be enumerated without cache key scans.
	mu    sync.Mutex
	known map[string]string
}

func New(cfg *Config) *Tracker {
	expiry := time.Duration(cfg.Expiry) * time.Second
	if expiry <= 0 {
		expiry = 30 * time.Second
	}

	// init local store
	gs := goCacheStore.NewGoCache(goCache.New(expiry, 1*time.Minute))

	stores := []cache.SetterCacheInterface[any]{cache.New[any](gs)}
	if cfg.RedisEnable {
		rs := redisStore.NewRedis(redis.NewClient(
			&redis.Options{
				Network:  cfg.RedisNetwork,
				Addr:     cfg.RedisAddr,
				Username: cfg.RedisUsername,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}),
			store.WithExpiration(expiry))
		stores = append(stores, cache.New[any](rs))
	}

	return &Tracker{
		expiry: expiry,
		cache:  marshaler.New(cache.NewChain[any](stores...)),
		known:  make(map[string]string),
	}
}

// Touch records that the user's counters advanced this cycle.
func (t *Tracker) Touch(statKey, username string) {
	t.mu.Lock()
	t.known[statKey] = username
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	entry := &User{Username: username, StatKey: statKey, LastSeen: time.Now()}
	if err := t.cache.Set(ctx, statKey, entry, store.WithExpiration(t.expiry)); err != nil {
		log.WithError(err).Debug("online cache set failed")
	}
}

// Online returns every user whose entry has not expired yet.
func (t *Tracker) Online() []User {
	t.mu.Lock()
	keys := make([]string, 0, len(t.known))
	for k := range t.known {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	online := make([]User, 0, len(keys))
	for _, key := range keys {
		v, err := t.cache.Get(ctx, key, new(User))
		if err != nil {
			// Expired or evicted; the user is simply not online.
			continue
		}
		if entry, ok := v.(*User); ok {
			online = append(online, *entry)
		}
	}
	return online
}

// Forget drops a removed user from the view immediately.
func (t *Tracker) Forget(statKey string) {
	t.mu.Lock()
	delete(t.known, statKey)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.cache.Delete(ctx, statKey)
}
