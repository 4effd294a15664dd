package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/schema"
)

func TestWithDisplayAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	WithDisplay(ctx, schema.DisplayNum(1)).Info("hello")

	entry := capture.firstEntry(t)
	if entry["display"] != ":1" {
		t.Fatalf("expected display field, got %+v", entry)
	}
}

func TestWithDisplayDeduplicates(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := ContextWithDisplayLogger(context.Background(), logger.With("display", ":1"), schema.DisplayNum(1))
	WithDisplay(ctx, schema.DisplayNum(1)).Info("hello")

	data := capture.buf.Bytes()
	if bytes.Count(data, []byte(`"display"`)) != 1 {
		t.Fatalf("expected a single display field, got %s", data)
	}
}

func TestWithComponentAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	WithComponent(logger, schema.ComponentXvfb).Info("hello")

	entry := capture.firstEntry(t)
	if entry["component"] != "xvfb" {
		t.Fatalf("expected component field, got %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
