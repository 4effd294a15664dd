package display

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/vdesk/schema"
)

func TestStartReusesLiveSocket(t *testing.T) {
	dir := t.TempDir()
	listener := listenDisplay(t, dir, 7)
	defer func() { _ = listener.Close() }()

	stack, err := Start(context.Background(), StackConfig{
		Display:      schema.DisplayNum(7),
		Geometry:     schema.DefaultGeometry,
		XvfbPath:     "/bin/false",
		SocketDir:    dir,
		StartTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !stack.Reused() {
		t.Fatalf("expected live socket to be reused")
	}
}

func TestStartFailsWhenServerExitsEarly(t *testing.T) {
	dir := t.TempDir()
	_, err := Start(context.Background(), StackConfig{
		Display:      schema.DisplayNum(8),
		Geometry:     schema.DefaultGeometry,
		XvfbPath:     "false",
		SocketDir:    dir,
		StartTimeout: 5 * time.Second,
		StopGrace:    time.Second,
	})
	if !errors.Is(err, schema.ErrComponentExited) {
		t.Fatalf("expected ErrComponentExited, got %v", err)
	}
}

func TestStartTimesOutWithoutSocket(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "sleep 10\n")
	_, err := Start(context.Background(), StackConfig{
		Display:      schema.DisplayNum(9),
		Geometry:     schema.DefaultGeometry,
		XvfbPath:     stub,
		SocketDir:    dir,
		StartTimeout: 500 * time.Millisecond,
		StopGrace:    time.Second,
	})
	if !errors.Is(err, schema.ErrDisplayUnavailable) {
		t.Fatalf("expected ErrDisplayUnavailable, got %v", err)
	}
}

func TestStartSucceedsOnceSocketAppears(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "sleep 10\n")

	listenLater(t, dir, 10, 300*time.Millisecond)

	stack, err := Start(context.Background(), StackConfig{
		Display:      schema.DisplayNum(10),
		Geometry:     schema.DefaultGeometry,
		XvfbPath:     stub,
		SocketDir:    dir,
		StartTimeout: 5 * time.Second,
		StopGrace:    time.Second,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if stack.Reused() {
		t.Fatalf("expected a fresh stack")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestWaitReportsComponentExit(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "sleep 1\n")

	listenLater(t, dir, 11, 100*time.Millisecond)

	stack, err := Start(context.Background(), StackConfig{
		Display:      schema.DisplayNum(11),
		Geometry:     schema.DefaultGeometry,
		XvfbPath:     stub,
		SocketDir:    dir,
		StartTimeout: 5 * time.Second,
		StopGrace:    time.Second,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stack.Wait(waitCtx); !errors.Is(err, schema.ErrComponentExited) {
		t.Fatalf("expected ErrComponentExited, got %v", err)
	}
}

func TestWaitOnStoppedStack(t *testing.T) {
	stack := &Stack{}
	if err := stack.Wait(context.Background()); !errors.Is(err, schema.ErrStackNotRunning) {
		t.Fatalf("expected ErrStackNotRunning, got %v", err)
	}
}

func listenDisplay(t *testing.T, dir string, num int) net.Listener {
	t.Helper()
	listener, err := net.Listen("unix", schema.DisplayNum(num).SocketPath(dir))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return listener
}

// listenLater simulates an X server that binds its socket a moment after
// the stub process launches.
func listenLater(t *testing.T, dir string, num int, delay time.Duration) {
	t.Helper()
	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(delay)
		listener, err := net.Listen("unix", schema.DisplayNum(num).SocketPath(dir))
		if err == nil {
			ready <- listener
		}
	}()
	t.Cleanup(func() {
		select {
		case listener := <-ready:
			_ = listener.Close()
		case <-time.After(time.Second):
		}
	})
}

func writeStub(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "xvfb-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}
