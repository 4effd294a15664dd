package display

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/vdesk/schema"
)

func TestRunScriptExportsDisplayContract(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	script := filepath.Join(dir, "bootstrap.sh")
	body := "set -e\necho \"$DISPLAY $DISPLAY_NUM $WIDTH $HEIGHT\" > " + out + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	err := RunScript(context.Background(), script, schema.DisplayNum(5), schema.Geometry{Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("run script: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != ":5 5 800 600" {
		t.Fatalf("unexpected contract values: %q", got)
	}
}

func TestRunScriptFailFast(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	script := filepath.Join(dir, "bootstrap.sh")
	body := "set -e\nfalse\ntouch " + marker + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	err := RunScript(context.Background(), script, schema.DisplayNum(1), schema.DefaultGeometry)
	if err == nil || !strings.Contains(err.Error(), "exited 1") {
		t.Fatalf("expected exit error, got %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("script should not have continued past failure")
	}
}

func TestRunScriptMissingFile(t *testing.T) {
	err := RunScript(context.Background(), filepath.Join(t.TempDir(), "absent.sh"), schema.DisplayNum(1), schema.DefaultGeometry)
	if err == nil {
		t.Fatalf("expected error for missing script")
	}
}
