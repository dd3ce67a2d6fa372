package config

import (
	"fmt"
	"net"
	"strings"

	"pingtunnel-vpn/internal/core"
)

// VpnConfiguration is the per-server connection configuration.
type VpnConfiguration struct {
	ServerAddress  string `json:"serverAddress"`
	ServerKey      string `json:"serverKey"`
	LocalSocksPort int    `json:"localSocksPort"`
}

// DNSMode selects how name resolution behaves while connected.
type DNSMode string

const (
	DNSModeTunnel DNSMode = "tunnel"
	DNSModeSystem DNSMode = "system"
)

// EncryptionMode selects the cipher passed to the tunnel client.
type EncryptionMode string

const (
	EncryptionNone     EncryptionMode = "none"
	EncryptionAES128   EncryptionMode = "aes128"
	EncryptionAES256   EncryptionMode = "aes256"
	EncryptionChaCha20 EncryptionMode = "chacha20"
)

// GlobalSettings holds the options shared by all server configs.
type GlobalSettings struct {
	MTU                       int            `json:"mtu"`
	DNSMode                   DNSMode        `json:"dnsMode"`
	DNSServers                []string       `json:"dnsServers"`
	BypassSubnets             []string       `json:"bypassSubnets"`
	EncryptionMode            EncryptionMode `json:"encryptionMode"`
	EncryptionKey             string         `json:"encryptionKey"`
	LatencyThresholdMs        int            `json:"latencyThresholdMs"`
	HighLatencyCountThreshold int            `json:"highLatencyCountThreshold"`
	RestartCooldownSeconds    int            `json:"restartCooldownSeconds"`
	MaxAutoRestarts           int            `json:"maxAutoRestarts"`
	Notifications             bool           `json:"notifications"`
}

// DefaultGlobalSettings returns the documented defaults.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		MTU:                       1420,
		DNSMode:                   DNSModeTunnel,
		DNSServers:                []string{"1.1.1.1", "8.8.8.8"},
		BypassSubnets:             []string{"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12"},
		EncryptionMode:            EncryptionNone,
		LatencyThresholdMs:        1000,
		HighLatencyCountThreshold: 5,
		RestartCooldownSeconds:    30,
		MaxAutoRestarts:           3,
		Notifications:             true,
	}
}

// Validate checks the per-server invariants.
func (c VpnConfiguration) Validate() error {
	var msgs []string
	if strings.TrimSpace(c.ServerAddress) == "" {
		msgs = append(msgs, "server address is empty")
	}
	if c.LocalSocksPort < 1 || c.LocalSocksPort > 65535 {
		msgs = append(msgs, fmt.Sprintf("local SOCKS port %d out of range [1, 65535]", c.LocalSocksPort))
	}
	if len(msgs) > 0 {
		return &core.ConfigInvalidError{Messages: msgs}
	}
	return nil
}

// Validate checks the global-settings invariants.
func (g GlobalSettings) Validate() error {
	var msgs []string
	if g.MTU < 576 || g.MTU > 9000 {
		msgs = append(msgs, fmt.Sprintf("mtu %d out of range [576, 9000]", g.MTU))
	}
	if g.DNSMode != DNSModeTunnel && g.DNSMode != DNSModeSystem {
		msgs = append(msgs, fmt.Sprintf("unknown dnsMode %q", g.DNSMode))
	}
	switch g.EncryptionMode {
	case EncryptionNone, EncryptionAES128, EncryptionAES256, EncryptionChaCha20:
	default:
		msgs = append(msgs, fmt.Sprintf("unknown encryptionMode %q", g.EncryptionMode))
	}
	if g.EncryptionMode != EncryptionNone && g.EncryptionKey == "" {
		msgs = append(msgs, "encryption enabled but encryptionKey is empty")
	}
	for _, s := range g.DNSServers {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			msgs = append(msgs, fmt.Sprintf("dnsServers entry %q is not an IPv4 literal", s))
		}
	}
	for _, cidr := range g.BypassSubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			msgs = append(msgs, fmt.Sprintf("bypassSubnets entry %q is not a CIDR", cidr))
		}
	}
	if g.LatencyThresholdMs <= 0 {
		msgs = append(msgs, "latencyThresholdMs must be positive")
	}
	if g.HighLatencyCountThreshold <= 0 {
		msgs = append(msgs, "highLatencyCountThreshold must be positive")
	}
	if len(msgs) > 0 {
		return &core.ConfigInvalidError{Messages: msgs}
	}
	return nil
}
