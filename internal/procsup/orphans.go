package procsup

import (
	"path/filepath"
	"strings"

	gopsproc "github.com/shirou/gopsutil/process"

	"pingtunnel-vpn/internal/core"
)

// CleanupOrphans kills any running helper-process image whose
// executable path lies inside resourceDir. Only the product ships
// those images from that directory, so a match is always a leftover
// from a previous unclean run.
func CleanupOrphans(resourceDir string) int {
	procs, err := gopsproc.Processes()
	if err != nil {
		core.Log.Warnf("Proc", "Orphan scan failed: %v", err)
		return 0
	}

	targets := map[string]bool{
		NameTunnelClient:          true,
		NameTunnelClient + ".exe": true,
		NameRouter:                true,
		NameRouter + ".exe":       true,
	}
	dir := strings.ToLower(filepath.Clean(resourceDir))

	killed := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || !targets[strings.ToLower(name)] {
			continue
		}
		exe, err := p.Exe()
		if err != nil {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(filepath.Clean(exe)), dir) {
			continue
		}
		if err := p.Kill(); err != nil {
			core.Log.Warnf("Proc", "Kill orphan %s (pid=%d): %v", name, p.Pid, err)
			continue
		}
		core.Log.Infof("Proc", "Killed orphan %s (pid=%d)", name, p.Pid)
		killed++
	}
	return killed
}
