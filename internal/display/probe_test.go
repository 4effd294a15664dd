package display

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/vdesk/schema"
)

func TestAlive(t *testing.T) {
	dir := t.TempDir()
	if Alive(schema.DisplayNum(1), dir) {
		t.Fatalf("expected dead display")
	}
	listener := listenDisplay(t, dir, 1)
	defer func() { _ = listener.Close() }()
	if !Alive(schema.DisplayNum(1), dir) {
		t.Fatalf("expected live display")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	err := WaitReady(context.Background(), schema.DisplayNum(2), t.TempDir(), 300*time.Millisecond)
	if !errors.Is(err, schema.ErrDisplayUnavailable) {
		t.Fatalf("expected ErrDisplayUnavailable, got %v", err)
	}
}

func TestWaitReadySeesLateSocket(t *testing.T) {
	dir := t.TempDir()
	listenLater(t, dir, 3, 200*time.Millisecond)
	if err := WaitReady(context.Background(), schema.DisplayNum(3), dir, 5*time.Second); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}
