package xrayctl

import (
	"fmt"

	"github.com/bitly/go-simplejson"
)

// Routing returns the routing section of the live config. A config without
// one yields an empty object so the editor always has something to show.
func (c *Controller) Routing() (*simplejson.Json, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load xray config: %w", err)
	}
	if _, ok := js.CheckGet("routing"); !ok {
		return simplejson.New(), nil
	}
	return js.Get("routing"), nil
}

// SetRouting validates and installs a new routing section, then restarts
// xray. The payload must be a routing object carrying a rules array;
// anything else is rejected before touching the config file.
func (c *Controller) SetRouting(raw []byte) error {
	routing, err := simplejson.NewJson(raw)
	if err != nil {
		return fmt.Errorf("routing rejected, invalid JSON: %w", err)
	}
	if _, err := routing.Get("rules").Array(); err != nil {
		return fmt.Errorf("routing rejected, no rules array")
	}

	c.mu.Lock()
	js, err := c.loadConfig()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load xray config: %w", err)
	}
	js.Set("routing", routing.Interface())
	if err := c.writeConfig(js); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("write xray config: %w", err)
	}
	c.mu.Unlock()

	return c.Restart()
}
