// Package xrayctl manages the external xray-core process: it rewrites the
// client lists of the managed inbounds from the panel's user records, edits
// routing rules and restarts the service when the config actually changed.
package xrayctl

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bitly/go-simplejson"
	"github.com/r3labs/diff/v2"
	log "github.com/sirupsen/logrus"

	"github.com/xpanel-dev/xpanel/api"
)

// Config locates the managed xray installation.
type Config struct {
	// ConfigPath is the live xray config file, e.g.
	// /usr/local/etc/xray/config.json.
	ConfigPath string `mapstructure:"ConfigPath"`
	// ServiceName is the systemd unit, default "xray".
	ServiceName string `mapstructure:"ServiceName"`
	// VlessFlow is applied to every synced VLESS client.
	VlessFlow string `mapstructure:"VlessFlow"`
}

// Controller serializes all access to the xray config file.
type Controller struct {
	cfg *Config

	mu sync.Mutex
	// runCmd is swapped in tests so no systemctl is invoked.
	runCmd func(name string, args ...string) error
}

// client is the subset of an inbound client entry the sync cares about.
// Trojan inbounds authenticate by password, the rest by id.
type client struct {
	Email    string `diff:"email"`
	ID       string `diff:"id"`
	Password string `diff:"password"`
}

func New(cfg *Config) *Controller {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "xray"
	}
	return &Controller{
		cfg: cfg,
		runCmd: func(name string, args ...string) error {
			out, err := exec.Command(name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s %v: %s: %w", name, args, out, err)
			}
			return nil
		},
	}
}

func (c *Controller) loadConfig() (*simplejson.Json, error) {
	data, err := os.ReadFile(c.cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	return simplejson.NewJson(data)
}

func (c *Controller) writeConfig(js *simplejson.Json) error {
	data, err := js.EncodePretty()
	if err != nil {
		return err
	}
	tmp := c.cfg.ConfigPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.cfg.ConfigPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfg.ConfigPath)
}

// managedProtocols are the inbound protocols whose client lists the panel
// owns. Other inbounds (api, metrics, dokodemo) are left untouched.
func managedProtocol(proto string) bool {
	switch proto {
	case "vless", "vmess", "trojan":
		return true
	}
	return false
}

func desiredClients(proto string, users []api.UserRecord) []client {
	clients := make([]client, 0, len(users))
	for _, u := range users {
		if !u.Enabled || u.UUID == "" {
			continue
		}
		cl := client{Email: statEmail(&u)}
		if proto == "trojan" {
			cl.Password = u.UUID
		} else {
			cl.ID = u.UUID
		}
		clients = append(clients, cl)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Email < clients[j].Email })
	return clients
}

// statEmail is the client email xray attributes traffic counters to. It
// must match the key the aggregator queries.
func statEmail(u *api.UserRecord) string {
	if keys := u.StatKeys(); len(keys) > 0 {
		return keys[0]
	}
	return fmt.Sprintf("user-%d", u.ID)
}

func currentClients(inbound *simplejson.Json) []client {
	raw := inbound.GetPath("settings", "clients")
	arr, err := raw.Array()
	if err != nil {
		return nil
	}
	clients := make([]client, 0, len(arr))
	for i := range arr {
		entry := raw.GetIndex(i)
		clients = append(clients, client{
			Email:    entry.Get("email").MustString(),
			ID:       entry.Get("id").MustString(),
			Password: entry.Get("password").MustString(),
		})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Email < clients[j].Email })
	return clients
}

// SyncClients rebuilds the client list of every managed inbound from the
// enabled users and restarts xray — but only when the effective client set
// actually differs from what is already deployed, so policy-driven writes
// on quiet cycles do not bounce the proxy.
func (c *Controller) SyncClients(users []api.UserRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("load xray config: %w", err)
	}

	inbounds, err := js.Get("inbounds").Array()
	if err != nil {
		return fmt.Errorf("xray config has no inbounds array")
	}

	changedAny := false
	for i := range inbounds {
		inbound := js.Get("inbounds").GetIndex(i)
		proto := inbound.Get("protocol").MustString()
		if !managedProtocol(proto) {
			continue
		}

		desired := desiredClients(proto, users)
		changes, err := diff.Diff(currentClients(inbound), desired)
		if err != nil {
			return fmt.Errorf("diff clients for inbound %d: %w", i, err)
		}
		if len(changes) == 0 {
			continue
		}
		changedAny = true

		entries := make([]interface{}, 0, len(desired))
		for _, cl := range desired {
			entry := map[string]interface{}{"email": cl.Email, "level": 0}
			if proto == "trojan" {
				entry["password"] = cl.Password
			} else {
				entry["id"] = cl.ID
				if proto == "vless" && c.cfg.VlessFlow != "" {
					entry["flow"] = c.cfg.VlessFlow
				}
			}
			entries = append(entries, entry)
		}
		inbound.SetPath([]string{"settings", "clients"}, entries)

		log.WithFields(log.Fields{
			"inbound": inbound.Get("tag").MustString(),
			"changes": len(changes),
			"clients": len(desired),
		}).Info("xray inbound client list updated")
	}

	if !changedAny {
		log.Debug("xray client sync: no effective change, skipping restart")
		return nil
	}

	if err := c.writeConfig(js); err != nil {
		return fmt.Errorf("write xray config: %w", err)
	}
	return c.Restart()
}

// Restart restarts the xray systemd unit.
func (c *Controller) Restart() error {
	if err := c.runCmd("systemctl", "restart", c.cfg.ServiceName); err != nil {
		return fmt.Errorf("restart %s: %w", c.cfg.ServiceName, err)
	}
	log.WithField("service", c.cfg.ServiceName).Info("service restarted")
	return nil
}

// RawConfig returns the live config file for the backup endpoint.
func (c *Controller) RawConfig() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.ReadFile(c.cfg.ConfigPath)
}

// RestoreConfig validates and installs a full config, then restarts.
func (c *Controller) RestoreConfig(raw []byte) error {
	c.mu.Lock()
	js, err := simplejson.NewJson(raw)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("restore rejected, invalid JSON: %w", err)
	}
	if _, err := js.Get("inbounds").Array(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("restore rejected, config has no inbounds array")
	}
	if err := c.writeConfig(js); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.Restart()
}

// ShareLink derives the user's connection URL from persistent identity
// fields and the domain's network parameters. Regenerating it is idempotent
// and has no side effects.
func ShareLink(u api.UserRecord, d api.DomainRecord, flow string) string {
	if u.UUID == "" || d.Domain == "" {
		return ""
	}
	port := d.Port
	if port == 0 {
		port = 443
	}

	q := url.Values{}
	q.Set("type", "tcp")
	q.Set("security", "tls")
	if d.SNI != "" {
		q.Set("sni", d.SNI)
	}
	if flow != "" {
		q.Set("flow", flow)
	}

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		u.UUID, d.Domain, port, q.Encode(), url.PathEscape(u.Username))
}
