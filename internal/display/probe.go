package display

import (
	"context"
	"fmt"
	"net"
	"time"

	"pkt.systems/vdesk/schema"
)

// Alive reports whether the X server for the display accepts connections on
// its unix socket.
func Alive(display schema.DisplayNum, socketDir string) bool {
	conn, err := net.DialTimeout("unix", display.SocketPath(socketDir), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReady polls the display socket until it accepts a connection or the
// deadline passes.
func WaitReady(ctx context.Context, display schema.DisplayNum, socketDir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if Alive(display, socketDir) {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: socket %s not serving within %s", schema.ErrDisplayUnavailable, display.SocketPath(socketDir), timeout)
		case <-ticker.C:
		}
	}
}
