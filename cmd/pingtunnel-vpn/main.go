package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Service registration subcommands come before flag parsing so
	// they can take their own flags.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install", "uninstall", "start", "stop":
			os.Exit(runServiceCommand(os.Args[1], os.Args[2:]))
		}
	}

	configDir := flag.String("config", "", "Configuration directory (defaults to the executable directory)")
	console := flag.Bool("console", false, "Mirror log output to stderr")
	serviceMode := flag.Bool("service", false, "Run under the service control manager")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pingtunnel-vpn %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	os.Exit(run(resolveConfigDir(*configDir), *console, *serviceMode))
}

// resolveConfigDir defaults to the directory holding the executable so
// double-clicking the binary and launching it from a service wrapper
// find the same files.
func resolveConfigDir(dir string) string {
	if dir != "" {
		return dir
	}
	exe, err := os.Executable()
	if err != nil {
		log.Printf("[Core] Cannot determine executable path, using working directory: %v", err)
		return "."
	}
	return filepath.Dir(exe)
}

// resolveRelative resolves path against dir unless already absolute.
func resolveRelative(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
