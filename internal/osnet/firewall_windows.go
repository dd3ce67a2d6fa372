//go:build windows

package osnet

import (
	"fmt"
	"strings"

	"pingtunnel-vpn/internal/core"
)

// WindowsFirewall manages named outbound-UDP rules through
// netsh advfirewall. Named rules persist across process death, which
// is what makes orphans discoverable by prefix on the next startup.
type WindowsFirewall struct{}

// slugify turns an address or subnet into a rule-name-safe suffix.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// AddBlockOutboundUDP blocks all outbound UDP whose local address is
// within localSubnet.
func (WindowsFirewall) AddBlockOutboundUDP(localSubnet string) (string, error) {
	name := OwnedRulePrefix + slugify(localSubnet)
	out, err := runHidden("netsh", "advfirewall", "firewall", "add", "rule",
		fmt.Sprintf("name=%s", name),
		"dir=out", "action=block", "protocol=UDP",
		fmt.Sprintf("localip=%s", localSubnet))
	if err != nil {
		return "", fmt.Errorf("add block rule %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	core.Log.Infof("Firewall", "Added block rule %s (local %s)", name, localSubnet)
	return name, nil
}

// AddAllowOutboundUDP allows outbound UDP to remoteIP. It carries the
// owned prefix so removal by prefix also sweeps it.
func (WindowsFirewall) AddAllowOutboundUDP(remoteIP string) (string, error) {
	name := OwnedRulePrefix + "Allow-" + slugify(remoteIP)
	out, err := runHidden("netsh", "advfirewall", "firewall", "add", "rule",
		fmt.Sprintf("name=%s", name),
		"dir=out", "action=allow", "protocol=UDP",
		fmt.Sprintf("remoteip=%s", remoteIP))
	if err != nil {
		return "", fmt.Errorf("add allow rule %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	core.Log.Infof("Firewall", "Added allow rule %s (remote %s)", name, remoteIP)
	return name, nil
}

// RemoveRule deletes a rule by exact name. A missing rule is a no-op
// success so cleanup can run repeatedly.
func (WindowsFirewall) RemoveRule(name string) error {
	out, err := runHidden("netsh", "advfirewall", "firewall", "delete", "rule",
		fmt.Sprintf("name=%s", name))
	if err != nil {
		text := string(out)
		if strings.Contains(text, "No rules match") {
			return nil
		}
		return fmt.Errorf("delete rule %s: %s: %w", name, strings.TrimSpace(text), err)
	}
	return nil
}

// ListRulesWithPrefix returns the names of all rules carrying prefix.
func (WindowsFirewall) ListRulesWithPrefix(prefix string) ([]string, error) {
	out, err := runHidden("netsh", "advfirewall", "firewall", "show", "rule", "name=all")
	if err != nil {
		return nil, fmt.Errorf("show rules: %w", err)
	}
	var names []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 || !strings.HasPrefix(strings.TrimSpace(line), "Rule Name") {
			continue
		}
		name := strings.TrimSpace(line[idx+1:])
		if strings.HasPrefix(name, prefix) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}
