// Command pingtunnel-vpnctl talks to a running supervisor over the
// control pipe. Intended for scripting and troubleshooting next to the
// desktop shell.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"pingtunnel-vpn/internal/ipc"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Pipe dial timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	client, err := ipc.DialTimeout(*timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is the supervisor running?)\n", err)
		os.Exit(1)
	}
	defer client.Close()

	var resp ipc.Response
	switch cmd := flag.Arg(0); cmd {
	case "status":
		resp, err = client.Status()
	case "connect":
		resp, err = client.Connect()
	case "disconnect":
		resp, err = client.Disconnect()
	case "switch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Error: switch needs a configuration id")
			os.Exit(2)
		}
		resp, err = client.Switch(flag.Arg(1))
	case "configs":
		resp, err = client.Configs()
	case "logs":
		resp, err = client.Logs()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	print(flag.Arg(0), resp)
	if !resp.OK {
		os.Exit(1)
	}
}

func print(cmd string, resp ipc.Response) {
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Error)
	}

	fmt.Printf("State: %s\n", resp.State)
	if resp.StateError != "" {
		fmt.Printf("Cause: %s\n", resp.StateError)
	}

	switch cmd {
	case "status":
		if s := resp.Stats; s != nil && !s.ConnectedAt.IsZero() {
			fmt.Printf("Connected since: %s\n", s.ConnectedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Tunnel: rx %d B/s, tx %d B/s (total %d / %d)\n",
				s.TunRxBytesPerSec, s.TunTxBytesPerSec, s.TunRxTotal, s.TunTxTotal)
			fmt.Printf("Latency: %.0f ms", s.LatencyMs)
			if s.Degraded {
				fmt.Printf(" (degraded, %d high samples)", s.HighLatencyCount)
			}
			fmt.Println()
		}
	case "configs":
		for _, c := range resp.Configs {
			marker := " "
			if c.ID == resp.SelectedID {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s:%d\n", marker, c.ID, c.Name,
				c.Configuration.ServerAddress, c.Configuration.LocalSocksPort)
		}
	case "logs":
		for _, e := range resp.Logs {
			fmt.Printf("%s [%s] %s\n", e.Time.Format("15:04:05.000"), e.Tag, e.Line)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: pingtunnel-vpnctl [flags] <command>

Commands:
  status       Show connection state and live counters
  connect      Bring the tunnel up
  disconnect   Tear the tunnel down
  switch <id>  Select another server configuration
  configs      List stored server configurations
  logs         Drain buffered supervisor log lines

Flags:
`)
	flag.PrintDefaults()
}
