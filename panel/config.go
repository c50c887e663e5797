package panel

import (
	"github.com/xpanel-dev/xpanel/api"
	"github.com/xpanel-dev/xpanel/common/online"
	"github.com/xpanel-dev/xpanel/service/psiphonctl"
	"github.com/xpanel-dev/xpanel/service/xrayctl"
	"github.com/xpanel-dev/xpanel/web"
)

type LogConfig struct {
	Level string `mapstructure:"Level"`
}

// Config is the panel's YAML configuration, unmarshalled by viper.
type Config struct {
	LogConfig     *LogConfig             `mapstructure:"Log"`
	WebConfig     *web.Config            `mapstructure:"Web"`
	StatsConfig   *api.StatsClientConfig `mapstructure:"Stats"`
	XrayConfig    *xrayctl.Config        `mapstructure:"Xray"`
	PsiphonConfig *psiphonctl.Config     `mapstructure:"Psiphon"`
	OnlineConfig  *online.Config         `mapstructure:"Online"`

	// DataDir holds users.json, traffic.json and domains.json.
	DataDir string `mapstructure:"DataDir"`
	// PollInterval is the aggregation interval in seconds.
	PollInterval int `mapstructure:"PollInterval"`
	// Concurrency bounds the stats-query fan-out per cycle.
	Concurrency int `mapstructure:"Concurrency"`
}

func defaultConfig() *Config {
	return &Config{
		LogConfig: &LogConfig{Level: "info"},
		WebConfig: &web.Config{Listen: "127.0.0.1:8080"},
		StatsConfig: &api.StatsClientConfig{
			APIHost: "http://127.0.0.1:10085",
			Timeout: 800,
		},
		XrayConfig: &xrayctl.Config{
			ConfigPath:  "/usr/local/etc/xray/config.json",
			ServiceName: "xray",
		},
		PsiphonConfig: &psiphonctl.Config{
			ConfigPath:  "/opt/psiphon/psiphon.config",
			ServiceName: "psiphon",
		},
		OnlineConfig: &online.Config{Expiry: 30},
		DataDir:      "/etc/xpanel",
		PollInterval: 5,
		Concurrency:  6,
	}
}
