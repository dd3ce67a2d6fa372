package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"pingtunnel-vpn/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), core.NewEventBus())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func validConfig() VpnConfiguration {
	return VpnConfiguration{ServerAddress: "tunnel.example.net", ServerKey: "s3cret", LocalSocksPort: 1080}
}

func TestAddAssignsIDAndSelectsFirst(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Add(ServerConfig{Name: "primary", Configuration: validConfig()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Add did not assign an id")
	}
	sel, ok := s.Selected()
	if !ok || sel.ID != rec.ID {
		t.Fatal("first added config should be auto-selected")
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(ServerConfig{Name: "bad", Configuration: VpnConfiguration{LocalSocksPort: 0}})
	var cfgErr *core.ConfigInvalidError
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !asConfigInvalid(err, &cfgErr) {
		t.Fatalf("expected ConfigInvalidError, got %T", err)
	}
}

func asConfigInvalid(err error, target **core.ConfigInvalidError) bool {
	e, ok := err.(*core.ConfigInvalidError)
	if ok {
		*target = e
	}
	return ok
}

func TestNameDeduplication(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Add(ServerConfig{Name: "server", Configuration: validConfig()}); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	names := map[string]bool{}
	for _, c := range s.List() {
		names[c.Name] = true
	}
	for _, want := range []string{"server", "server (2)", "server (3)"} {
		if !names[want] {
			t.Fatalf("missing deduplicated name %q (have %v)", want, names)
		}
	}
}

func TestDeleteReselects(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add(ServerConfig{Name: "a", Configuration: validConfig()})
	b, _ := s.Add(ServerConfig{Name: "b", Configuration: validConfig()})

	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sel, ok := s.Selected()
	if !ok || sel.ID != b.ID {
		t.Fatal("deleting the selected config should re-select the first remaining")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bus := core.NewEventBus()
	s, err := NewStore(dir, bus)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec, _ := s.Add(ServerConfig{Name: "primary", Configuration: validConfig()})

	s2, err := NewStore(dir, bus)
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	got, ok := s2.Get(rec.ID)
	if !ok {
		t.Fatal("record not persisted")
	}
	if got.Configuration.ServerAddress != "tunnel.example.net" {
		t.Fatalf("unexpected server address %q", got.Configuration.ServerAddress)
	}
	sel, ok := s2.Selected()
	if !ok || sel.ID != rec.ID {
		t.Fatal("selection not persisted")
	}
}

func TestExportWritesOnlySelectedConfiguration(t *testing.T) {
	s := newTestStore(t)
	s.Add(ServerConfig{Name: "primary", Configuration: validConfig()})

	out := filepath.Join(t.TempDir(), "exported.json")
	if err := s.Export(out); err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var cfg VpnConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("export is not a bare VpnConfiguration: %v", err)
	}
	if cfg.ServerKey != "s3cret" || cfg.LocalSocksPort != 1080 {
		t.Fatalf("unexpected exported config %+v", cfg)
	}
}

func TestImportNamesAfterFileStem(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "frankfurt.json")
	data, _ := json.Marshal(validConfig())
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	rec, err := s.Import(src)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if rec.Name != "frankfurt" {
		t.Fatalf("expected name from file stem, got %q", rec.Name)
	}
}

func TestGlobalSettingsValidation(t *testing.T) {
	g := DefaultGlobalSettings()
	if err := g.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	g.MTU = 100
	g.DNSServers = []string{"not-an-ip"}
	err := g.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestResetGlobalSettings(t *testing.T) {
	s := newTestStore(t)
	g := DefaultGlobalSettings()
	g.MTU = 1280
	if err := s.SetGlobalSettings(g); err != nil {
		t.Fatalf("SetGlobalSettings: %v", err)
	}
	if err := s.ResetGlobalSettings(); err != nil {
		t.Fatalf("ResetGlobalSettings: %v", err)
	}
	if s.GlobalSettings().MTU != 1420 {
		t.Fatalf("expected default MTU after reset, got %d", s.GlobalSettings().MTU)
	}
}
