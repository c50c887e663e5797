package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
	"github.com/xpanel-dev/xpanel/common/serverstatus"
)

// usage serves the latest snapshot. It never blocks on a running cycle and
// never fails because of aggregator-internal errors.
func (s *Server) usage(c *gin.Context) {
	if c.Query("refresh") == "1" {
		s.deps.Aggregator.RequestRefresh()
	}

	snap := s.deps.Aggregator.Snapshot()
	if c.Query("raw") == "1" {
		raw := make([]api.UserRecord, 0, len(snap))
		for _, eu := range snap {
			raw = append(raw, eu.UserRecord)
		}
		c.JSON(http.StatusOK, raw)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) onlineUsers(c *gin.Context) {
	if s.deps.Online == nil {
		c.JSON(http.StatusOK, []struct{}{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Online.Online())
}

func (s *Server) listDomains(c *gin.Context) {
	domains, err := s.deps.Domains.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, domains)
}

func (s *Server) createDomain(c *gin.Context) {
	var req api.DomainRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if req.Domain == "" {
		abortErr(c, http.StatusBadRequest, fmt.Errorf("domain is required"))
		return
	}

	domains, err := s.deps.Domains.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	maxID := 0
	for _, d := range domains {
		if d.Domain == req.Domain {
			abortErr(c, http.StatusConflict, fmt.Errorf("domain %q already exists", req.Domain))
			return
		}
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	req.ID = maxID + 1
	if req.Port == 0 {
		req.Port = 443
	}

	domains = append(domains, req)
	if err := s.deps.Domains.Replace(domains); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *Server) deleteDomain(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abortErr(c, http.StatusBadRequest, fmt.Errorf("bad domain id"))
		return
	}

	domains, err := s.deps.Domains.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	kept := domains[:0]
	found := false
	for _, d := range domains {
		if d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		abortErr(c, http.StatusNotFound, fmt.Errorf("no domain with id %d", id))
		return
	}
	if err := s.deps.Domains.Replace(kept); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getRouting(c *gin.Context) {
	routing, err := s.deps.Xray.Routing()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, routing)
}

func (s *Server) putRouting(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Xray.SetRouting(raw); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

// backupPayload is the panel's full portable state as one JSON document.
type backupPayload struct {
	XrayConfig    json.RawMessage           `json:"xrayConfig,omitempty"`
	PsiphonConfig json.RawMessage           `json:"psiphonConfig,omitempty"`
	Users         []api.UserRecord          `json:"users"`
	Domains       []api.DomainRecord        `json:"domains"`
	Accumulator   map[string]api.AccumEntry `json:"accumulator"`
}

func (s *Server) backup(c *gin.Context) {
	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	domains, err := s.deps.Domains.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.deps.Accum.Load()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	payload := backupPayload{Users: users, Domains: domains, Accumulator: entries}
	if raw, err := s.deps.Xray.RawConfig(); err == nil {
		payload.XrayConfig = raw
	} else {
		log.WithError(err).Warn("backup: xray config unreadable, omitted")
	}
	if js, err := s.deps.Psiphon.Current(); err == nil {
		if raw, err := js.Encode(); err == nil {
			payload.PsiphonConfig = raw
		}
	}

	c.JSON(http.StatusOK, payload)
}

func (s *Server) restore(c *gin.Context) {
	var payload backupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}

	if payload.Users != nil {
		if err := s.deps.Users.Replace(payload.Users); err != nil {
			abortErr(c, http.StatusInternalServerError, err)
			return
		}
	}
	if payload.Domains != nil {
		if err := s.deps.Domains.Replace(payload.Domains); err != nil {
			abortErr(c, http.StatusInternalServerError, err)
			return
		}
	}
	if payload.Accumulator != nil {
		if err := s.deps.Accum.Replace(payload.Accumulator); err != nil {
			abortErr(c, http.StatusInternalServerError, err)
			return
		}
	}
	if len(payload.XrayConfig) > 0 {
		if err := s.deps.Xray.RestoreConfig(payload.XrayConfig); err != nil {
			abortErr(c, http.StatusBadRequest, err)
			return
		}
	}
	if len(payload.PsiphonConfig) > 0 {
		if err := s.deps.Psiphon.Apply(payload.PsiphonConfig); err != nil {
			abortErr(c, http.StatusBadRequest, err)
			return
		}
	}

	log.Info("panel state restored from backup")
	s.deps.Aggregator.RequestRefresh()
	c.JSON(http.StatusOK, gin.H{"restored": true})
}

func (s *Server) restartXray(c *gin.Context) {
	if err := s.deps.Xray.Restart(); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": true})
}

func (s *Server) restartPsiphon(c *gin.Context) {
	if err := s.deps.Psiphon.Restart(); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": true})
}

func (s *Server) getPsiphonConfig(c *gin.Context) {
	js, err := s.deps.Psiphon.Current()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, js)
}

func (s *Server) putPsiphonConfig(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Psiphon.Apply(raw); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

func (s *Server) status(c *gin.Context) {
	CPU, Mem, Disk, Uptime, err := serverstatus.GetSystemInfo()
	if err != nil {
		log.WithError(err).Warn("server status partially unavailable")
	}
	c.JSON(http.StatusOK, api.NodeStatus{CPU: CPU, Mem: Mem, Disk: Disk, Uptime: Uptime})
}
