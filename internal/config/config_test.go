package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "courier.yml", "brokers:\n  - localhost:9092\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RequiredAcks != "all" {
		t.Fatalf("default required_acks = %q", cfg.RequiredAcks)
	}
	if cfg.PollDeadline != 10*time.Second {
		t.Fatalf("default poll_deadline = %v", cfg.PollDeadline)
	}
	if cfg.Partitions != 1 || cfg.ReplicationFactor != 1 {
		t.Fatalf("default topic settings = %d/%d", cfg.Partitions, cfg.ReplicationFactor)
	}
	if !strings.HasPrefix(cfg.ClientID, "courier-") {
		t.Fatalf("default client id = %q", cfg.ClientID)
	}
}

func TestLoad_SchemaVersionRejected(t *testing.T) {
	path := writeFile(t, "courier.yml", "schema_version: v2\nbrokers:\n  - localhost:9092\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected schema_version error")
	}
}

func TestLoad_MissingFileIsNotFatal(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err != nil {
		t.Fatalf("missing file should fall back to env/defaults: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected brokers-required error")
	}
	cfg.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.RequiredAcks = "most"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid required_acks error")
	}
}

func TestLoadTopics(t *testing.T) {
	path := writeFile(t, "topics.yml", `schema_version: v1
topics:
  - name: orders
    partitions: 3
    replication_factor: 2
  - name: audit
`)
	topics, err := LoadTopics(path)
	if err != nil {
		t.Fatalf("LoadTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	if topics[0].Name != "orders" || topics[0].Partitions != 3 || topics[0].ReplicationFactor != 2 {
		t.Fatalf("unexpected first topic: %+v", topics[0])
	}
	if topics[1].Partitions != 0 {
		t.Fatalf("unset partitions should stay zero for defaulting, got %d", topics[1].Partitions)
	}
}

func TestLoadTopics_SchemaAndValidation(t *testing.T) {
	bad := writeFile(t, "topics.yml", "schema_version: v9\ntopics: []\n")
	if _, err := LoadTopics(bad); err == nil {
		t.Fatal("expected schema_version error")
	}
	unnamed := writeFile(t, "unnamed.yml", "topics:\n  - partitions: 1\n")
	if _, err := LoadTopics(unnamed); err == nil {
		t.Fatal("expected name-required error")
	}
}
