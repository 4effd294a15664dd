package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/schema"
)

func runUp(t *testing.T, cfgPath string) error {
	t.Helper()
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:    pslog.ModeStructured,
		NoColor: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	root := newRootCmd()
	root.SetArgs([]string{"up", "-c", cfgPath})
	return root.ExecuteContext(ctx)
}

func writeUpConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestUpFailingBootstrapScriptNeverLaunchesApp(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "start_all.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	marker := filepath.Join(dir, "app-ran")
	cfgPath := writeUpConfig(t, dir, fmt.Sprintf(`config_version: 1
auth:
  enabled: false
script:
  path: %s
app:
  command: ["touch", %q]
`, script, marker))

	err := runUp(t, cfgPath)
	if err == nil || !strings.Contains(err.Error(), "exited 3") {
		t.Fatalf("expected script exit error, got %v", err)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatalf("app command ran despite failed bootstrap: %v", statErr)
	}
}

func TestUpUnreadyDisplayNeverLaunchesApp(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "start_all.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	marker := filepath.Join(dir, "app-ran")
	cfgPath := writeUpConfig(t, dir, fmt.Sprintf(`config_version: 1
auth:
  enabled: false
display:
  socket_dir: %s
  start_timeout_seconds: 1
script:
  path: %s
app:
  command: ["touch", %q]
`, t.TempDir(), script, marker))

	err := runUp(t, cfgPath)
	if !errors.Is(err, schema.ErrDisplayUnavailable) {
		t.Fatalf("expected ErrDisplayUnavailable, got %v", err)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatalf("app command ran despite unready display: %v", statErr)
	}
}
