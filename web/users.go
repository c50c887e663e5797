package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
)

type createUserReq struct {
	Username string   `json:"username" binding:"required"`
	Display  string   `json:"display"`
	QuotaGB  *float64 `json:"quotaGB"`
	Expiry   string   `json:"expiry"`
}

type updateUserReq struct {
	Username *string  `json:"username"`
	Display  *string  `json:"display"`
	QuotaGB  *float64 `json:"quotaGB"`
	Expiry   *string  `json:"expiry"`
	Enabled  *bool    `json:"enabled"`
	// StatKey is only changed when explicitly sent; renames never touch it.
	StatKey *string `json:"statKey"`
}

func validExpiry(expiry string) error {
	if expiry == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, expiry); err != nil {
		return fmt.Errorf("expiry must be RFC 3339: %w", err)
	}
	return nil
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if err := validExpiry(req.Expiry); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}

	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	for _, u := range users {
		if u.Username == req.Username {
			abortErr(c, http.StatusConflict, fmt.Errorf("username %q already exists", req.Username))
			return
		}
	}

	id, err := s.deps.Users.NextID()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	// The stat key is fixed at creation so a later rename cannot orphan
	// the accumulated usage history.
	statKey := req.Display
	if statKey == "" {
		statKey = req.Username
	}

	quota := float64(api.QuotaUnlimited)
	if req.QuotaGB != nil {
		quota = *req.QuotaGB
	}

	user := api.UserRecord{
		ID:       id,
		Username: req.Username,
		UUID:     uuid.NewString(),
		StatKey:  statKey,
		Display:  req.Display,
		QuotaGB:  quota,
		Expiry:   req.Expiry,
		Enabled:  true,
	}
	users = append(users, user)
	if err := s.deps.Users.Replace(users); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	log.WithFields(log.Fields{"user": user.Username, "id": user.ID}).Info("user created")
	s.syncAndRefresh()
	c.JSON(http.StatusCreated, user)
}

func (s *Server) updateUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abortErr(c, http.StatusBadRequest, fmt.Errorf("bad user id"))
		return
	}
	var req updateUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if req.Expiry != nil {
		if err := validExpiry(*req.Expiry); err != nil {
			abortErr(c, http.StatusBadRequest, err)
			return
		}
	}

	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	idx := -1
	for i := range users {
		if users[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		abortErr(c, http.StatusNotFound, fmt.Errorf("no user with id %d", id))
		return
	}

	if req.Username != nil && *req.Username != users[idx].Username {
		for i := range users {
			if i != idx && users[i].Username == *req.Username {
				abortErr(c, http.StatusConflict, fmt.Errorf("username %q already exists", *req.Username))
				return
			}
		}
		users[idx].Username = *req.Username
	}
	if req.Display != nil {
		users[idx].Display = *req.Display
	}
	if req.QuotaGB != nil {
		users[idx].QuotaGB = *req.QuotaGB
	}
	if req.Expiry != nil {
		users[idx].Expiry = *req.Expiry
	}
	if req.Enabled != nil {
		users[idx].Enabled = *req.Enabled
	}
	if req.StatKey != nil && *req.StatKey != "" {
		users[idx].StatKey = *req.StatKey
	}

	if err := s.deps.Users.Replace(users); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	s.syncAndRefresh()
	c.JSON(http.StatusOK, users[idx])
}

func (s *Server) deleteUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abortErr(c, http.StatusBadRequest, fmt.Errorf("bad user id"))
		return
	}

	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	kept := users[:0]
	var removed *api.UserRecord
	for i := range users {
		if users[i].ID == id {
			u := users[i]
			removed = &u
			continue
		}
		kept = append(kept, users[i])
	}
	if removed == nil {
		abortErr(c, http.StatusNotFound, fmt.Errorf("no user with id %d", id))
		return
	}

	if err := s.deps.Users.Replace(kept); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Online != nil {
		s.deps.Online.Forget(removed.StatKey)
	}

	log.WithFields(log.Fields{"user": removed.Username, "id": id}).Info("user deleted")
	s.syncAndRefresh()
	c.Status(http.StatusNoContent)
}

// resetUser zeroes the user's accumulator and best-effort clears the
// external counters under every candidate key. The operation always
// succeeds; the failed count is surfaced for debugging only.
func (s *Server) resetUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abortErr(c, http.StatusBadRequest, fmt.Errorf("bad user id"))
		return
	}

	users, err := s.deps.Users.List()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	idx := -1
	for i := range users {
		if users[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		abortErr(c, http.StatusNotFound, fmt.Errorf("no user with id %d", id))
		return
	}
	u := &users[idx]

	entries, err := s.deps.Accum.Load()
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	entries[u.StatKey] = api.AccumEntry{}
	if err := s.deps.Accum.Replace(entries); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	u.UsageAccumBytes = 0
	u.LastRawBytes = 0
	if err := s.deps.Users.Replace(users); err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	failed := s.deps.Stats.ResetUserTraffic(u.StatKeys()...)
	if failed > 0 {
		log.WithFields(log.Fields{"user": u.Username, "failed": failed}).Warn("some external counter resets failed")
	}

	s.deps.Aggregator.RequestRefresh()
	c.JSON(http.StatusOK, gin.H{"reset": true, "failed": failed})
}
