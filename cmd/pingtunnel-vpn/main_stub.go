//go:build !windows

package main

import (
	"fmt"
	"os"
)

func run(dir string, console bool, serviceMode bool) int {
	fmt.Fprintln(os.Stderr, "pingtunnel-vpn drives Windows routing, DNS and firewall state and only runs on Windows")
	return 1
}

func runServiceCommand(cmd string, args []string) int {
	fmt.Fprintln(os.Stderr, "service management requires Windows")
	return 1
}
