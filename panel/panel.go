// Package panel assembles the stores, the stats client, the usage
// aggregator and the admin API into one process.
package panel

import (
	"path/filepath"
	"time"

	"dario.cat/mergo"
	goCache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
	"github.com/xpanel-dev/xpanel/common/online"
	"github.com/xpanel-dev/xpanel/common/store"
	"github.com/xpanel-dev/xpanel/service/aggregator"
	"github.com/xpanel-dev/xpanel/service/psiphonctl"
	"github.com/xpanel-dev/xpanel/service/xrayctl"
	"github.com/xpanel-dev/xpanel/web"
)

type Panel struct {
	cfg *Config

	users   *store.UserStore
	domains *store.DomainStore
	accum   *store.AccumStore

	agg     *aggregator.Aggregator
	webSrv  *web.Server
	xray    *xrayctl.Controller
	psiphon *psiphonctl.Controller
	online  *online.Tracker

	// lookups holds the active-domain pick for share links, so the
	// per-user link derivation does not hit the domain store every cycle.
	lookups *goCache.Cache

	running bool
}

func New(cfg *Config) *Panel {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := mergo.Merge(cfg, defaultConfig()); err != nil {
		log.WithError(err).Fatal("merge default config failed")
	}

	p := &Panel{
		cfg:     cfg,
		users:   store.NewUserStore(filepath.Join(cfg.DataDir, "users.json")),
		domains: store.NewDomainStore(filepath.Join(cfg.DataDir, "domains.json")),
		accum:   store.NewAccumStore(filepath.Join(cfg.DataDir, "traffic.json")),
		xray:    xrayctl.New(cfg.XrayConfig),
		psiphon: psiphonctl.New(cfg.PsiphonConfig),
		online:  online.New(cfg.OnlineConfig),
		lookups: goCache.New(time.Minute, 2*time.Minute),
	}

	stats := api.NewStatsClient(cfg.StatsConfig)

	p.agg = aggregator.New(aggregator.Deps{
		Users:  p.users,
		Accum:  p.accum,
		Stats:  stats,
		Online: p.online,
		// Policy-driven disables flow to xray through the same path as
		// manual mutations.
		OnPolicyDisable: func(disabled []api.UserRecord) {
			users, err := p.users.List()
			if err != nil {
				log.WithError(err).Error("policy sync: user store read failed")
				return
			}
			if err := p.xray.SyncClients(users); err != nil {
				log.WithError(err).Error("policy sync: xray client sync failed")
			}
		},
		ShareLink: p.shareLink,
	}, aggregator.Options{
		Interval:    time.Duration(cfg.PollInterval) * time.Second,
		Concurrency: cfg.Concurrency,
	})

	p.webSrv = web.New(cfg.WebConfig, web.Deps{
		Users:      p.users,
		Domains:    p.domains,
		Accum:      p.accum,
		Aggregator: p.agg,
		Xray:       p.xray,
		Psiphon:    p.psiphon,
		Stats:      stats,
		Online:     p.online,
	})

	return p
}

func (p *Panel) shareLink(u api.UserRecord) string {
	d, ok := p.activeDomain()
	if !ok {
		return ""
	}
	return xrayctl.ShareLink(u, d, p.cfg.XrayConfig.VlessFlow)
}

func (p *Panel) activeDomain() (api.DomainRecord, bool) {
	if v, ok := p.lookups.Get("activeDomain"); ok {
		d, ok := v.(api.DomainRecord)
		return d, ok
	}

	domains, err := p.domains.List()
	if err != nil {
		log.WithError(err).Debug("share link: domain store read failed")
		return api.DomainRecord{}, false
	}
	for _, d := range domains {
		if d.Active {
			p.lookups.SetDefault("activeDomain", d)
			return d, true
		}
	}
	return api.DomainRecord{}, false
}

// Start brings up the aggregation loop and the admin API.
func (p *Panel) Start() {
	p.agg.Start()
	if err := p.webSrv.Start(); err != nil {
		log.WithError(err).Fatal("start admin API failed")
	}
	p.running = true
	log.Info("panel started")
}

// Close stops the panel. Safe to call on a panel that never started.
func (p *Panel) Close() {
	if !p.running {
		return
	}
	if err := p.webSrv.Close(); err != nil {
		log.WithError(err).Warn("admin API shutdown failed")
	}
	p.agg.Close()
	p.running = false
	log.Info("panel closed")
}
