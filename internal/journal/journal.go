// Package journal persists the system mutations of an active session
// so an unclean shutdown can be undone on the next startup.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pingtunnel-vpn/internal/osnet"
)

// State is the on-disk journal document (state.json).
type State struct {
	IsConnected                   bool                `json:"isConnected"`
	Timestamp                     time.Time           `json:"timestamp"`
	OriginalDefaultGateway        string              `json:"originalDefaultGateway"`
	OriginalDefaultInterfaceIndex uint32              `json:"originalDefaultInterfaceIndex"`
	OriginalDNSSettings           map[string][]string `json:"originalDnsSettings"`
	AddedRoutes                   []osnet.Route       `json:"addedRoutes"`
}

// Journal owns the state.json file. All writes are atomic (temp file
// plus rename) so a crash mid-write never leaves a truncated journal.
type Journal struct {
	mu   sync.Mutex
	path string
}

// New creates a Journal rooted at the given user-data directory.
func New(dir string) *Journal {
	return &Journal{path: filepath.Join(dir, "state.json")}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Save serializes and atomically replaces the journal file.
func (j *Journal) Save(st State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	st.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// Load reads the journal. A missing file returns ok=false.
func (j *Journal) Load() (State, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read journal: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("parse journal: %w", err)
	}
	return st, true, nil
}

// NeedsRecovery reports whether a previous run left the system
// mutated: the file exists and its connected flag is set.
func (j *Journal) NeedsRecovery() bool {
	st, ok, err := j.Load()
	if err != nil || !ok {
		return false
	}
	return st.IsConnected
}

// Clear removes the journal file. A missing file is a no-op.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := os.Remove(j.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}
