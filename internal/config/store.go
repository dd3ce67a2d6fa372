package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pingtunnel-vpn/internal/core"
)

// ServerConfig is one stored server record.
type ServerConfig struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastModified  time.Time        `json:"lastModified"`
	Configuration VpnConfiguration `json:"configuration"`
}

type configsFile struct {
	Configs          []ServerConfig `json:"configs"`
	SelectedConfigID string         `json:"selectedConfigId"`
}

// Store persists server configs and global settings under the user
// data directory and publishes change events on the bus.
type Store struct {
	mu       sync.RWMutex
	dir      string
	bus      *core.EventBus
	configs  []ServerConfig
	selected string
	settings GlobalSettings
}

// NewStore loads (or initializes) the store rooted at dir.
func NewStore(dir string, bus *core.EventBus) (*Store, error) {
	s := &Store{
		dir:      dir,
		bus:      bus,
		settings: DefaultGlobalSettings(),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := s.loadConfigs(); err != nil {
		return nil, err
	}
	if err := s.loadSettings(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) configsPath() string  { return filepath.Join(s.dir, "configs.json") }
func (s *Store) settingsPath() string { return filepath.Join(s.dir, "global-settings.json") }

func (s *Store) loadConfigs() error {
	data, err := os.ReadFile(s.configsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read configs: %w", err)
	}
	var f configsFile
	if err := json.Unmarshal(data, &f); err != nil {
		core.Log.Warnf("Config", "configs.json is corrupt, starting empty: %v", err)
		return nil
	}
	s.configs = f.Configs
	s.selected = f.SelectedConfigID
	return nil
}

func (s *Store) loadSettings() error {
	data, err := os.ReadFile(s.settingsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read global settings: %w", err)
	}
	settings := DefaultGlobalSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		core.Log.Warnf("Config", "global-settings.json is corrupt, using defaults: %v", err)
		return nil
	}
	s.settings = settings
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash mid-write never leaves a truncated document.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) saveConfigsLocked() error {
	f := configsFile{Configs: s.configs, SelectedConfigID: s.selected}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.configsPath(), data)
}

func (s *Store) saveSettingsLocked() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.settingsPath(), data)
}

// List returns a snapshot of all stored configs.
func (s *Store) List() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerConfig, len(s.configs))
	copy(out, s.configs)
	return out
}

// Get returns the config with the given id.
func (s *Store) Get(id string) (ServerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.ID == id {
			return c, true
		}
	}
	return ServerConfig{}, false
}

// Selected returns the currently selected config, if any.
func (s *Store) Selected() (ServerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedLocked()
}

func (s *Store) selectedLocked() (ServerConfig, bool) {
	for _, c := range s.configs {
		if c.ID == s.selected {
			return c, true
		}
	}
	return ServerConfig{}, false
}

// dedupeNameLocked appends " (N)" until the name is unique among
// configs other than excludeID.
func (s *Store) dedupeNameLocked(name, excludeID string) string {
	taken := func(n string) bool {
		for _, c := range s.configs {
			if c.ID != excludeID && c.Name == n {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// Add inserts a record, assigning an id and timestamps. The first
// record added becomes selected.
func (s *Store) Add(rec ServerConfig) (ServerConfig, error) {
	if err := rec.Configuration.Validate(); err != nil {
		return ServerConfig{}, err
	}
	s.mu.Lock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.LastModified = now
	rec.Name = s.dedupeNameLocked(rec.Name, rec.ID)
	s.configs = append(s.configs, rec)
	first := len(s.configs) == 1
	if first {
		s.selected = rec.ID
	}
	err := s.saveConfigsLocked()
	s.mu.Unlock()
	if err != nil {
		return ServerConfig{}, err
	}
	s.publishConfigChanged(rec.Configuration)
	if first {
		s.publishSelectedChanged()
	}
	return rec, nil
}

// Update mutates the record with the given id through mutate.
func (s *Store) Update(id string, mutate func(*ServerConfig)) (ServerConfig, error) {
	s.mu.Lock()
	idx := -1
	for i := range s.configs {
		if s.configs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ServerConfig{}, fmt.Errorf("config %s not found", id)
	}
	rec := s.configs[idx]
	mutate(&rec)
	rec.ID = id
	if err := rec.Configuration.Validate(); err != nil {
		s.mu.Unlock()
		return ServerConfig{}, err
	}
	rec.Name = s.dedupeNameLocked(rec.Name, id)
	rec.LastModified = time.Now().UTC()
	s.configs[idx] = rec
	err := s.saveConfigsLocked()
	selected := s.selected == id
	s.mu.Unlock()
	if err != nil {
		return ServerConfig{}, err
	}
	s.publishConfigChanged(rec.Configuration)
	if selected {
		s.publishSelectedChanged()
	}
	return rec, nil
}

// Delete removes a record. If it was selected, the first remaining
// record (if any) becomes selected.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.configs {
		if s.configs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("config %s not found", id)
	}
	removed := s.configs[idx]
	s.configs = append(s.configs[:idx], s.configs[idx+1:]...)
	reselected := false
	if s.selected == id {
		s.selected = ""
		if len(s.configs) > 0 {
			s.selected = s.configs[0].ID
		}
		reselected = true
	}
	err := s.saveConfigsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publishConfigChanged(removed.Configuration)
	if reselected {
		s.publishSelectedChanged()
	}
	return nil
}

// Select marks the record with the given id as selected.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	found := false
	for _, c := range s.configs {
		if c.ID == id {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("config %s not found", id)
	}
	s.selected = id
	err := s.saveConfigsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publishSelectedChanged()
	return nil
}

// Import reads a VpnConfiguration document and inserts it as a new
// record named after the file stem.
func (s *Store) Import(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("import: %w", err)
	}
	var cfg VpnConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, &core.ConfigInvalidError{Messages: []string{err.Error()}}
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return s.Add(ServerConfig{Name: name, Configuration: cfg})
}

// Export writes only the selected record's configuration to path.
func (s *Store) Export(path string) error {
	rec, ok := s.Selected()
	if !ok {
		return fmt.Errorf("no config selected")
	}
	data, err := json.MarshalIndent(rec.Configuration, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// GlobalSettings returns a snapshot of the global settings.
func (s *Store) GlobalSettings() GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetGlobalSettings validates and persists new global settings.
func (s *Store) SetGlobalSettings(g GlobalSettings) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = g
	err := s.saveSettingsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publishConfigChanged(VpnConfiguration{})
	return nil
}

// ResetGlobalSettings restores the documented defaults.
func (s *Store) ResetGlobalSettings() error {
	return s.SetGlobalSettings(DefaultGlobalSettings())
}

func (s *Store) publishConfigChanged(cfg VpnConfiguration) {
	if s.bus != nil {
		s.bus.Publish(core.Event{Type: core.EventConfigChanged, Payload: cfg})
	}
}

func (s *Store) publishSelectedChanged() {
	if s.bus == nil {
		return
	}
	rec, ok := s.Selected()
	var payload any
	if ok {
		payload = rec
	}
	s.bus.Publish(core.Event{Type: core.EventSelectedChanged, Payload: payload})
}
