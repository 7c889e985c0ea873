package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Monitors {
		t.Fatalf("expected monitors enabled by default")
	}
	if !cfg.ReplayEnabled {
		t.Fatalf("expected replay enabled by default")
	}
	if cfg.RoomMaxUsers != 8 {
		t.Fatalf("expected default room max users 8, got %d", cfg.RoomMaxUsers)
	}
	if cfg.ListenAddr == "" || cfg.AdminAddr == "" {
		t.Fatalf("expected non-empty listen addresses")
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{"-monitors=false", "-room-max-users=16", "-server-name=arcade"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitors {
		t.Fatalf("expected monitors disabled by flag")
	}
	if cfg.RoomMaxUsers != 16 {
		t.Fatalf("expected room max users 16, got %d", cfg.RoomMaxUsers)
	}
	if cfg.ServerName != "arcade" {
		t.Fatalf("expected server name arcade, got %q", cfg.ServerName)
	}
}
