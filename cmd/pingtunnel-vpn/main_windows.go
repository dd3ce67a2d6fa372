//go:build windows

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/crash"
	"pingtunnel-vpn/internal/ipc"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/notify"
	"pingtunnel-vpn/internal/osnet"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/supervisor"
	"pingtunnel-vpn/internal/winsvc"
)

// idleShutdownGrace is how long the supervisor waits after its last
// frontend disconnects; if the tunnel is Disconnected when it elapses,
// the process exits on its own.
const idleShutdownGrace = 5 * time.Minute

func run(dir string, console bool, serviceMode bool) int {
	if serviceMode || winsvc.IsWindowsService() {
		stop := make(chan struct{})
		var once sync.Once
		err := winsvc.Run(
			func() error {
				if code := supervise(dir, console, stop); code != 0 {
					return fmt.Errorf("supervisor exited with code %d", code)
				}
				return nil
			},
			func() { once.Do(func() { close(stop) }) },
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "service: %v\n", err)
			return 1
		}
		return 0
	}
	return supervise(dir, console, nil)
}

func runServiceCommand(cmd string, args []string) int {
	switch cmd {
	case "install":
		fs := flag.NewFlagSet("install", flag.ExitOnError)
		configDir := fs.String("config", "", "Configuration directory passed to the service")
		fs.Parse(args)
		exe, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot determine executable path: %v\n", err)
			return 1
		}
		if err := winsvc.Install(exe, *configDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Service installed.")
	case "uninstall":
		if err := winsvc.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Service uninstalled.")
	case "start":
		if err := winsvc.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Service started.")
	case "stop":
		if err := winsvc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Service stopped.")
	}
	return 0
}

// supervise runs the whole supervisor lifetime. stop, when non-nil,
// requests shutdown from the service control manager.
func supervise(dir string, console bool, stop <-chan struct{}) int {
	if !crash.AcquireSingleInstance() {
		fmt.Fprintln(os.Stderr, "pingtunnel-vpn is already running")
		return 0
	}

	sys := osnet.NewSystem()
	if !sys.Elevation.IsElevated() {
		if err := sys.Elevation.RelaunchElevated(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "administrator privileges required: %v\n", err)
			return 1
		}
		return 0
	}

	appCfg, err := config.LoadAppConfig(resolveRelative(dir, "app.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app.yaml: %v\n", err)
		return 1
	}
	appCfg.Logging.File = resolveRelative(dir, appCfg.Logging.File)
	core.InitOutput(appCfg.Logging, console)
	core.Log.Reconfigure(appCfg.Logging)
	core.Log.Infof("Core", "PingTunnel VPN %s starting (config dir %s)", version, dir)

	var mgr *supervisor.Manager
	defer crash.Guard(dir, func() error {
		if mgr == nil {
			return nil
		}
		if st, _ := mgr.State(); st == core.StateDisconnected || st == core.StateDisconnecting {
			return nil
		}
		return mgr.Disconnect()
	})

	ring := core.NewLogRing()
	core.Log.AddSink(ring.Append)

	bus := core.NewEventBus()
	store, err := config.NewStore(dir, bus)
	if err != nil {
		core.Log.Errorf("Core", "Load configuration store: %v", err)
		return 1
	}
	jrnl := journal.New(dir)
	procs := procsup.New()

	helpers := config.HelperPaths{
		PingtunnelClient: resolveRelative(dir, appCfg.Helpers.PingtunnelClient),
		Tun2socks:        resolveRelative(dir, appCfg.Helpers.Tun2socks),
	}
	mgr = supervisor.NewManager(sys, procs, store, jrnl, bus, helpers)

	// Leftovers from a previous unclean run go first: helper images
	// still running, firewall rules carrying the owned prefix, then the
	// journaled route and DNS mutations.
	procsup.CleanupOrphans(dir)
	sweepOrphanFirewallRules(sys.Firewall)
	mgr.RecoverFromJournal()

	nm := notify.New()
	nm.SetEnabled(store.GlobalSettings().Notifications)
	nm.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	idle := make(chan struct{}, 1)
	tracker := ipc.NewConnTracker(idleShutdownGrace, func() {
		if st, _ := mgr.State(); st == core.StateDisconnected {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	srv := ipc.NewServer(mgr, store, ring, tracker)
	ln, err := ipc.Listen()
	if err != nil {
		core.Log.Errorf("Core", "Open control pipe: %v", err)
		return 1
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	core.Log.Infof("Core", "Control pipe listening on %s", ipc.PipeName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		core.Log.Infof("Core", "Received %s, shutting down", s)
	case <-stop:
		core.Log.Infof("Core", "Service stop requested, shutting down")
	case <-idle:
		core.Log.Infof("Core", "No frontends and no tunnel for %s, shutting down", idleShutdownGrace)
	case err := <-serveErr:
		if err != nil {
			core.Log.Errorf("Core", "Control pipe failed: %v", err)
		}
	}

	tracker.CancelGrace()
	srv.Stop()
	cancel()

	if st, _ := mgr.State(); st != core.StateDisconnected && st != core.StateDisconnecting {
		if err := mgr.Disconnect(); err != nil {
			core.Log.Warnf("Core", "Shutdown disconnect: %v", err)
		}
	}
	core.Log.Infof("Core", "Shutdown complete")
	return 0
}

// sweepOrphanFirewallRules removes any product-owned rule left behind
// by a crashed run before the journal recovery re-checks the rest.
func sweepOrphanFirewallRules(fw osnet.Firewall) {
	rules, err := fw.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if err != nil {
		core.Log.Warnf("Core", "List firewall rules: %v", err)
		return
	}
	for _, name := range rules {
		if err := fw.RemoveRule(name); err != nil {
			core.Log.Warnf("Core", "Remove orphan firewall rule %q: %v", name, err)
		} else {
			core.Log.Infof("Core", "Removed orphan firewall rule %q", name)
		}
	}
}
