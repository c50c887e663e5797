// Package psiphonctl edits the psiphon tunnel config and restarts its
// service. The panel treats psiphon as an opaque sidecar: read config,
// validate, write, restart.
package psiphonctl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/bitly/go-simplejson"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// ConfigPath is the psiphon client config, e.g.
	// /opt/psiphon/psiphon.config.
	ConfigPath string `mapstructure:"ConfigPath"`
	// ServiceName is the systemd unit, default "psiphon".
	ServiceName string `mapstructure:"ServiceName"`
}

type Controller struct {
	cfg *Config

	mu     sync.Mutex
	runCmd func(name string, args ...string) error
}

func New(cfg *Config) *Controller {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "psiphon"
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

// Current returns the live psiphon config. A missing file yields an empty
// object so the editor screen still renders.
func (c *Controller) Current() (*simplejson.Json, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfg.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return simplejson.New(), nil
		}
		return nil, err
	}
	return simplejson.NewJson(data)
}

// Apply validates and installs a new config, then restarts the tunnel.
func (c *Controller) Apply(raw []byte) error {
	js, err := simplejson.NewJson(raw)
	if err != nil {
		return fmt.Errorf("psiphon config rejected, invalid JSON: %w", err)
	}
	if _, ok := js.Interface().(map[string]interface{}); !ok {
		return fmt.Errorf("psiphon config rejected, not a JSON object")
	}

	data, err := js.EncodePretty()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(c.cfg.ConfigPath), 0o755); err != nil {
		c.mu.Unlock()
		return err
	}
	tmp := c.cfg.ConfigPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := os.Rename(tmp, c.cfg.ConfigPath); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.Restart()
}

// Restart restarts the psiphon systemd unit.
func (c *Controller) Restart() error {
	if err := c.runCmd("systemctl", "restart", c.cfg.ServiceName); err != nil {
		return fmt.Errorf("restart %s: %w", c.cfg.ServiceName, err)
	}
	log.WithField("service", c.cfg.ServiceName).Info("service restarted")
	return nil
}
