package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRelayPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := []byte("device_listen: \":9443\"\nsession:\n  lock_ttl: 90s\nredis:\n  addr: file:6379\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLOUDRELAY_REDIS_ADDR", "env:6379")

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceListen != ":9443" {
		t.Errorf("device listen = %q, want file value", cfg.DeviceListen)
	}
	if cfg.Session.LockTTL != 90*time.Second {
		t.Errorf("lock ttl = %s, want 90s", cfg.Session.LockTTL)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Errorf("redis addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Session.BlockTTL != 60*time.Second {
		t.Errorf("block ttl = %s, want default", cfg.Session.BlockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsIdleLongerThanLock(t *testing.T) {
	cfg := DefaultRelay()
	cfg.Session.WSIdle = cfg.Session.LockTTL
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsMissingClientWriteTimeout(t *testing.T) {
	cfg := DefaultRelay()
	cfg.Session.ClientWriteTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
