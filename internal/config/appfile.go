package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"pingtunnel-vpn/internal/core"
)

// AppConfig is the operator-editable application file (app.yaml).
// It covers concerns that are not per-server: logging and the paths
// of the helper binaries.
type AppConfig struct {
	Logging core.LogConfig `yaml:"logging"`
	Helpers HelperPaths    `yaml:"helpers"`
}

// HelperPaths points at the two external executables.
type HelperPaths struct {
	PingtunnelClient string `yaml:"pingtunnelClient"`
	Tun2socks        string `yaml:"tun2socks"`
}

// DefaultAppConfig returns the defaults used when app.yaml is absent.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Logging: core.LogConfig{
			Level:      "info",
			File:       "pingtunnel-vpn.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Helpers: HelperPaths{
			PingtunnelClient: "pingtunnel-client.exe",
			Tun2socks:        "tun2socks.exe",
		},
	}
}

// LoadAppConfig reads app.yaml from path, falling back to defaults
// when the file does not exist.
func LoadAppConfig(path string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultAppConfig(), &core.ConfigInvalidError{Messages: []string{err.Error()}}
	}
	return cfg, nil
}
