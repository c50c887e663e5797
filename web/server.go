// Package web serves the panel's admin HTTP API. Authentication and the
// static frontend are handled outside this process (reverse proxy).
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
	"github.com/xpanel-dev/xpanel/common/online"
	"github.com/xpanel-dev/xpanel/common/store"
	"github.com/xpanel-dev/xpanel/service/aggregator"
)

// XrayController is the slice of xrayctl the handlers need; tests stub it.
type XrayController interface {
	SyncClients(users []api.UserRecord) error
	Restart() error
	Routing() (*simplejson.Json, error)
	SetRouting(raw []byte) error
	RawConfig() ([]byte, error)
	RestoreConfig(raw []byte) error
}

// PsiphonController is the psiphon sidecar surface.
type PsiphonController interface {
	Current() (*simplejson.Json, error)
	Apply(raw []byte) error
	Restart() error
}

// Config holds the listen address of the admin API.
type Config struct {
	Listen string `mapstructure:"Listen"`
}

// Deps wires the server to the rest of the panel. Online may be nil.
type Deps struct {
	Users      *store.UserStore
	Domains    *store.DomainStore
	Accum      *store.AccumStore
	Aggregator *aggregator.Aggregator
	Xray       XrayController
	Psiphon    PsiphonController
	Stats      api.StatsSource
	Online     *online.Tracker
}

type Server struct {
	cfg  *Config
	deps Deps
	srv  *http.Server
}

func New(cfg *Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the gin engine. Split out so tests can drive it with
// httptest without binding a socket.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/users", s.listUsers)
		apiGroup.POST("/users", s.createUser)
		apiGroup.PUT("/users/:id", s.updateUser)
		apiGroup.DELETE("/users/:id", s.deleteUser)
		apiGroup.POST("/users/:id/reset", s.resetUser)

		apiGroup.GET("/usage", s.usage)
		apiGroup.GET("/online", s.onlineUsers)

		apiGroup.GET("/domains", s.listDomains)
		apiGroup.POST("/domains", s.createDomain)
		apiGroup.DELETE("/domains/:id", s.deleteDomain)

		apiGroup.GET("/routing", s.getRouting)
		apiGroup.PUT("/routing", s.putRouting)

		apiGroup.GET("/backup", s.backup)
		apiGroup.POST("/backup", s.restore)

		apiGroup.POST("/xray/restart", s.restartXray)
		apiGroup.GET("/psiphon/config", s.getPsiphonConfig)
		apiGroup.PUT("/psiphon/config", s.putPsiphonConfig)
		apiGroup.POST("/psiphon/restart", s.restartPsiphon)

		apiGroup.GET("/status", s.status)
	}

	return r
}

// Start serves the admin API until Close.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin API server exited")
		}
	}()
	log.WithField("listen", s.cfg.Listen).Info("admin API listening")
	return nil
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// syncAndRefresh propagates a user-set mutation: the enabled set flows to
// xray and the aggregator picks up the new records soon, without making
// the mutating request wait on stats queries.
func (s *Server) syncAndRefresh() {
	users, err := s.deps.Users.List()
	if err != nil {
		log.WithError(err).Error("post-mutation sync: user store read failed")
		return
	}
	if err := s.deps.Xray.SyncClients(users); err != nil {
		log.WithError(err).Error("post-mutation sync: xray client sync failed")
	}
	s.deps.Aggregator.RequestRefresh()
}

func abortErr(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}
