package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentmesh.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Roles.Operator != "operator" || cfg.Roles.Collector != "treasury" {
		t.Fatalf("unexpected role defaults: %+v", cfg.Roles)
	}
	if cfg.Ledger.Driver != "memory" || cfg.Archive.Driver != "none" {
		t.Fatalf("unexpected driver defaults: ledger=%q archive=%q", cfg.Ledger.Driver, cfg.Archive.Driver)
	}
	if cfg.Relay.Transport != "memory" || cfg.Relay.LocalPartition != "local" || cfg.Relay.Workers != 2 {
		t.Fatalf("unexpected relay defaults: %+v", cfg.Relay)
	}
}

func TestLoadResolvesRelativePartitionsFile(t *testing.T) {
	path := writeConfig(t, `{"relay": {"partitions_file": "partitions.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "partitions.yaml")
	if cfg.Relay.PartitionsFile != want {
		t.Fatalf("expected %q, got %q", want, cfg.Relay.PartitionsFile)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"address": ":9090"},
		"auth": {"token_secret": "s3cret", "token_ttl": "2h"},
		"roles": {"treasury": "bank", "collector": "toll"},
		"ledger": {"driver": "ethereum", "ethereum": {"rpc_url": "http://localhost:8545", "chain_id": 1337}},
		"relay": {"transport": "rabbitmq", "workers": 8}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %q", cfg.Server.Address)
	}
	if cfg.Roles.Treasury != "bank" || cfg.Roles.Collector != "toll" {
		t.Fatalf("unexpected roles: %+v", cfg.Roles)
	}
	if cfg.Ledger.Driver != "ethereum" || cfg.Ledger.Ethereum.ChainID != 1337 {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.Relay.Transport != "rabbitmq" || cfg.Relay.Workers != 8 {
		t.Fatalf("unexpected relay config: %+v", cfg.Relay)
	}

	ttl, err := cfg.TokenTTLDuration()
	if err != nil {
		t.Fatalf("token ttl: %v", err)
	}
	if ttl != 2*time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestTokenTTLDefaults(t *testing.T) {
	cfg := &Config{}
	ttl, err := cfg.TokenTTLDuration()
	if err != nil {
		t.Fatalf("token ttl: %v", err)
	}
	if ttl != 24*time.Hour {
		t.Fatalf("unexpected default ttl: %v", ttl)
	}

	cfg.Auth.TokenTTL = "-1h"
	if _, err := cfg.TokenTTLDuration(); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed json")
	}
}
