package display

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"pkt.systems/vdesk/internal/logx"
	"pkt.systems/vdesk/schema"
)

// RunScript executes an external bootstrap script (the xvfb_startup.sh /
// start_all.sh escape hatch) through an embedded POSIX shell interpreter.
// The script's own `set -e` semantics are honored; a non-zero exit aborts
// the entrypoint. DISPLAY, DISPLAY_NUM, WIDTH and HEIGHT are exported for
// the script.
func RunScript(ctx context.Context, path string, display schema.DisplayNum, geometry schema.Geometry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bootstrap script: %w", err)
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(string(data)), path)
	if err != nil {
		return fmt.Errorf("parse bootstrap script %s: %w", path, err)
	}

	env := append([]string{}, os.Environ()...)
	env = append(env,
		"DISPLAY="+display.String(),
		fmt.Sprintf("DISPLAY_NUM=%d", int(display)),
		fmt.Sprintf("WIDTH=%d", geometry.Width),
		fmt.Sprintf("HEIGHT=%d", geometry.Height),
	)

	log := logx.WithDisplay(ctx, display)
	runner, err := interp.New(
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, os.Stdout, os.Stderr),
	)
	if err != nil {
		return fmt.Errorf("bootstrap interpreter: %w", err)
	}

	log.Info("running bootstrap script", "path", path)
	if err := runner.Run(ctx, prog); err != nil {
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			return fmt.Errorf("bootstrap script %s exited %d", path, int(exitStatus))
		}
		return fmt.Errorf("bootstrap script %s: %w", path, err)
	}
	return nil
}
