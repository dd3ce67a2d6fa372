package procsup

import (
	"strings"
	"testing"

	"pingtunnel-vpn/internal/config"

	"pingtunnel-vpn/internal/core"
)

func TestTunnelClientArgs(t *testing.T) {
	g := config.DefaultGlobalSettings()
	args := TunnelClientArgs("tunnel.example.net", 1080, "s3cret", g)
	joined := strings.Join(args, " ")

	for _, want := range []string{"-type client", "-l :1080", "-s tunnel.example.net", "-sock5 1", "-key s3cret"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "-encrypt ") {
		t.Errorf("encryption flags present with encryption disabled: %s", joined)
	}
}

func TestTunnelClientArgsWithEncryption(t *testing.T) {
	g := config.DefaultGlobalSettings()
	g.EncryptionMode = config.EncryptionAES256
	g.EncryptionKey = "k3y"
	joined := strings.Join(TunnelClientArgs("srv", 1080, "tok", g), " ")
	if !strings.Contains(joined, "-encrypt aes256") || !strings.Contains(joined, "-encrypt_key k3y") {
		t.Fatalf("encryption flags missing: %s", joined)
	}
}

func TestRouterArgsHasNoUDPForwarding(t *testing.T) {
	joined := strings.Join(RouterArgs(1080, 1420), " ")
	if !strings.Contains(joined, "-proxy socks5://127.0.0.1:1080") {
		t.Fatalf("proxy flag missing: %s", joined)
	}
	if !strings.Contains(joined, "-mtu 1420") {
		t.Fatalf("mtu flag missing: %s", joined)
	}
	if strings.Contains(joined, "udp") {
		t.Fatalf("router argv must not enable UDP forwarding: %s", joined)
	}
}

func TestRedactMasksSecrets(t *testing.T) {
	line := redact("connecting with key s3cret to server", []string{"s3cret"})
	if strings.Contains(line, "s3cret") {
		t.Fatalf("secret leaked: %s", line)
	}
	if !strings.Contains(line, "****") {
		t.Fatalf("mask missing: %s", line)
	}
}

func TestStartMissingBinary(t *testing.T) {
	s := New()
	err := s.Start(NameTunnelClient, "/does/not/exist/pingtunnel-client", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, ok := err.(*core.MissingBinaryError); !ok {
		t.Fatalf("expected MissingBinaryError, got %T: %v", err, err)
	}
}

func TestIsAliveUnknownName(t *testing.T) {
	s := New()
	if s.IsAlive(NameRouter) {
		t.Fatal("unknown process must not be alive")
	}
}
