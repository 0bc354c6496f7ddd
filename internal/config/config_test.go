package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("vast:\n  live_match: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Listen != ":9100" {
		t.Errorf("expected default listen, got %q", cfg.Server.Listen)
	}
	if cfg.Bus.Backend != "memory" || cfg.Bus.Format != "json" {
		t.Errorf("unexpected bus defaults %+v", cfg.Bus)
	}
	if cfg.Bus.IntelTopic != "threatbus.intel" || cfg.Bus.SightingTopic != "threatbus.sighting" {
		t.Errorf("unexpected topics %q %q", cfg.Bus.IntelTopic, cfg.Bus.SightingTopic)
	}
	if cfg.Vast.Binary != "vast" || cfg.Vast.MaxBackgroundTasks != 100 {
		t.Errorf("unexpected vast defaults %+v", cfg.Vast)
	}
	if cfg.VastTimeout() != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.VastTimeout())
	}
	if cfg.RegistryTTL() != 0 {
		t.Errorf("expected no TTL, got %v", cfg.RegistryTTL())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
logging:
  level: debug
bus:
  backend: kafka
  format: stix
  kafka:
    brokers: ["localhost:9092"]
vast:
  endpoint: vast:42000
  retro_match: true
  retro_match_max_events: 50
  max_background_tasks: 4
registry:
  backend: memory
  capacity: 500
  ttl_sec: 3600
taxii:
  peers:
    - name: peer
      url: https://taxii.example
      collection_id: feed
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Bus.Kafka.GroupID != "threatbus-vast" {
		t.Errorf("expected default group id, got %q", cfg.Bus.Kafka.GroupID)
	}
	if cfg.TAXII.Peers[0].PollIntervalSec != 30 {
		t.Errorf("expected default poll interval, got %d", cfg.TAXII.Peers[0].PollIntervalSec)
	}
	if cfg.RegistryTTL() != time.Hour || cfg.Registry.Capacity != 500 {
		t.Errorf("unexpected registry config %+v", cfg.Registry)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"no matching":      "vast: {}",
		"bad level":        "logging: {level: trace}\nvast: {live_match: true}",
		"rabbit no url":    "bus: {backend: rabbitmq}\nvast: {live_match: true}",
		"kafka no brokers": "bus: {backend: kafka}\nvast: {live_match: true}",
		"bad backend":      "bus: {backend: zeromq}\nvast: {live_match: true}",
		"bad format":       "bus: {format: xml}\nvast: {live_match: true}",
		"same topics":      "bus: {intel_topic: a, sighting_topic: a}\nvast: {live_match: true}",
		"bolt no path":     "registry: {backend: bolt}\nvast: {live_match: true}",
		"bolt with ttl":    "registry: {backend: bolt, path: r.db, ttl_sec: 60}\nvast: {live_match: true}",
		"negative tasks":   "vast: {live_match: true, max_background_tasks: -1}",
		"peer no url":      "vast: {live_match: true}\ntaxii: {peers: [{name: x, collection_id: c}]}",
	}
	for name, doc := range cases {
		cfg, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("%s: Parse failed: %v", name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	if _, err := Parse([]byte("bus: [")); err == nil || !strings.Contains(err.Error(), "yaml") {
		t.Errorf("expected yaml error, got %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config is invalid: %v", err)
	}
	if cfg.Bus.Backend != "memory" || !cfg.Vast.LiveMatch || !cfg.Vast.RetroMatch {
		t.Errorf("unexpected example config %+v", cfg)
	}
}
