package procsup

import (
	"fmt"

	"pingtunnel-vpn/internal/config"
)

// TunnelClientArgs builds the ICMP tunnel client argv. The keys appear
// in it verbatim; StartTunnelClient registers them for log redaction.
func TunnelClientArgs(server string, localPort int, key string, g config.GlobalSettings) []string {
	args := []string{
		"-type", "client",
		"-l", fmt.Sprintf(":%d", localPort),
		"-s", server,
		"-sock5", "1",
		"-key", key,
		"-tcp", "1",
		"-nolog", "1",
		"-loglevel", "info",
	}
	if g.EncryptionMode != "" && g.EncryptionMode != config.EncryptionNone {
		args = append(args, "-encrypt", string(g.EncryptionMode), "-encrypt_key", g.EncryptionKey)
	}
	return args
}

// RouterArgs builds the tun2socks argv. UDP forwarding stays off: the
// ICMP transport cannot carry UDP ASSOCIATE, so UDP is blackholed on
// the TUN interface instead.
func RouterArgs(socksPort, mtu int) []string {
	return []string{
		"-device", "wintun",
		"-proxy", fmt.Sprintf("socks5://127.0.0.1:%d", socksPort),
		"-mtu", fmt.Sprintf("%d", mtu),
		"-loglevel", "info",
	}
}

// StartTunnelClient launches the ICMP tunnel client.
func (s *Supervisor) StartTunnelClient(path, server string, localPort int, key string, g config.GlobalSettings) error {
	secrets := []string{key}
	if g.EncryptionKey != "" {
		secrets = append(secrets, g.EncryptionKey)
	}
	return s.Start(NameTunnelClient, path, TunnelClientArgs(server, localPort, key, g), secrets)
}

// StartRouter launches the SOCKS5-to-TUN router.
func (s *Supervisor) StartRouter(path string, socksPort, mtu int) error {
	return s.Start(NameRouter, path, RouterArgs(socksPort, mtu), nil)
}
