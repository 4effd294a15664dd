package appconfig

import "testing"

func TestDefaultConfigAuthEnabled(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("expected auth to default enabled")
	}
	if cfg.DisplayNum().String() != ":1" {
		t.Fatalf("expected default display :1, got %s", cfg.DisplayNum())
	}
}
