package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const yamlConfig = `
destinations:
  local: file:bus.db
  prod: postgres://app:secret@db/buslog
sets:
  sensors:
    - sensors/temp
    - sensors/pressure
  everything-b:
    - "b/*"
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "conf.yaml", yamlConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Destinations["local"] != "file:bus.db" {
		t.Fatalf("destinations mismatch: %#v", cfg.Destinations)
	}
	if len(cfg.Sets["sensors"]) != 2 {
		t.Fatalf("sets mismatch: %#v", cfg.Sets)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "conf.json", `{
		"destinations": {"local": "mem://test"},
		"sets": {"one": ["a"]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Destination("local") != "mem://test" {
		t.Fatalf("Destination mismatch")
	}
}

func TestDestinationFallsThrough(t *testing.T) {
	cfg := &Config{Destinations: map[string]string{"x": "file:x.db"}}
	if got := cfg.Destination("file:direct.db"); got != "file:direct.db" {
		t.Fatalf("unknown alias must pass through, got %q", got)
	}
	var nilCfg *Config
	if got := nilCfg.Destination("file:y.db"); got != "file:y.db" {
		t.Fatalf("nil config must pass destination through, got %q", got)
	}
}

func TestResolveSelectors(t *testing.T) {
	path := writeConfig(t, "conf.yaml", yamlConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	known := []string{"sensors/temp", "sensors/pressure", "b/one", "b/two", "c/x"}

	cases := []struct {
		selector string
		want     []string
	}{
		{"ALL", []string{"b/one", "b/two", "c/x", "sensors/pressure", "sensors/temp"}},
		{"", []string{"b/one", "b/two", "c/x", "sensors/pressure", "sensors/temp"}},
		{"sensors", []string{"sensors/pressure", "sensors/temp"}},
		{"everything-b", []string{"b/one", "b/two"}},
		{"b/*", []string{"b/one", "b/two"}},
		{"c/x", []string{"c/x"}},
		{"c/x, b/one", []string{"b/one", "c/x"}},
	}
	for _, tc := range cases {
		got, err := cfg.Resolve(tc.selector, known)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", tc.selector, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Resolve(%q) = %v, want %v", tc.selector, got, tc.want)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	var cfg *Config
	known := []string{"a", "b"}

	if _, err := cfg.Resolve("z/*", known); err == nil {
		t.Fatalf("pattern with no matches must fail")
	}
	if _, err := cfg.Resolve(",,", known); err == nil {
		t.Fatalf("empty list must fail")
	}
}

func TestResolveExactTopicWithoutConfig(t *testing.T) {
	var cfg *Config
	got, err := cfg.Resolve("any/topic", nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"any/topic"}) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}
