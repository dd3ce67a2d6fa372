package crash

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteReportAppends(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteReport(dir, "index out of range", []byte("goroutine 1 [running]:\nmain.main()"))
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if path != filepath.Join(dir, "crash.log") {
		t.Fatalf("path = %q", path)
	}
	if _, err := WriteReport(dir, errors.New("second"), []byte("stack")); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "panic: index out of range") {
		t.Fatalf("first record missing:\n%s", text)
	}
	if !strings.Contains(text, "goroutine 1 [running]") {
		t.Fatalf("stack missing:\n%s", text)
	}
	if !strings.Contains(text, "panic: second") {
		t.Fatalf("second record missing:\n%s", text)
	}
}

func TestGuardRunsTeardownAndExits(t *testing.T) {
	dir := t.TempDir()
	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	tornDown := false
	func() {
		defer Guard(dir, func() error {
			tornDown = true
			return nil
		})
		panic("boom")
	}()

	if !tornDown {
		t.Fatal("teardown did not run")
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	data, err := os.ReadFile(filepath.Join(dir, "crash.log"))
	if err != nil {
		t.Fatalf("crash.log: %v", err)
	}
	if !strings.Contains(string(data), "panic: boom") {
		t.Fatalf("report missing panic value:\n%s", data)
	}
}

func TestGuardCapsHungTeardown(t *testing.T) {
	dir := t.TempDir()
	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	func() {
		defer Guard(dir, func() error {
			<-release
			return nil
		})
		panic("wedged")
	}()

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("teardown cap did not apply, took %s", elapsed)
	}
}

func TestGuardNoPanicIsQuiet(t *testing.T) {
	dir := t.TempDir()
	called := false
	exit = func(int) { called = true }
	defer func() { exit = os.Exit }()

	func() {
		defer Guard(dir, func() error { return nil })
	}()

	if called {
		t.Fatal("exit called without a panic")
	}
	if _, err := os.Stat(filepath.Join(dir, "crash.log")); !os.IsNotExist(err) {
		t.Fatal("crash.log written without a panic")
	}
}
