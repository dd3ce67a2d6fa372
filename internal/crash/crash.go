// Package crash holds the last-resort process hygiene: the
// single-instance mutex and the panic trap that records a crash report
// and tears the tunnel down before the process exits.
package crash

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"pingtunnel-vpn/internal/core"
)

const (
	reportName      = "crash.log"
	teardownTimeout = 5 * time.Second
)

var exit = os.Exit

// Guard is deferred in supervise once logging is up. On panic it writes a crash
// report, runs the emergency teardown with a hard time cap so a hung
// teardown cannot keep the process alive, and exits nonzero.
func Guard(dir string, teardown func() error) {
	r := recover()
	if r == nil {
		return
	}

	core.Log.Errorf("Crash", "Panic: %v", r)
	if path, err := WriteReport(dir, r, debug.Stack()); err != nil {
		core.Log.Errorf("Crash", "Write crash report: %v", err)
	} else {
		core.Log.Errorf("Crash", "Crash report written to %s", path)
	}

	done := make(chan struct{})
	go func() {
		if err := teardown(); err != nil {
			core.Log.Errorf("Crash", "Emergency teardown: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownTimeout):
		core.Log.Errorf("Crash", "Emergency teardown timed out after %s", teardownTimeout)
	}

	exit(1)
}

// WriteReport appends one crash record to crash.log under dir and
// returns the file path.
func WriteReport(dir string, cause any, stack []byte) (string, error) {
	path := filepath.Join(dir, reportName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "=== crash at %s ===\npanic: %v\n\n%s\n",
		time.Now().Format(time.RFC3339), cause, stack)
	if err != nil {
		return "", err
	}
	return path, nil
}
