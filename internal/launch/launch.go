// Package launch hands control of the container to the workload process
// once the display stack is ready. The default path is a direct execve so
// the workload becomes PID of record and receives signals itself; a
// supervised path keeps the launcher alive as a signal-forwarding parent.
package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/schema"
)

// Spec describes the workload to hand off to.
type Spec struct {
	// Command is the argv of the workload, e.g.
	// ["python", "-m", "computer_use_demo.command_line"].
	Command    []string
	WorkingDir string

	// Display and Geometry are exported to the workload as DISPLAY,
	// DISPLAY_NUM, WIDTH and HEIGHT.
	Display  schema.DisplayNum
	Geometry schema.Geometry

	// AuthorityPath, when set, is exported as XAUTHORITY.
	AuthorityPath string

	// Env holds additional KEY=VALUE overrides from configuration.
	Env map[string]string
}

// Environ builds the workload environment from the current process
// environment plus the display contract. Contract variables win over
// anything inherited.
func (s Spec) Environ() []string {
	env := os.Environ()
	overrides := map[string]string{
		"DISPLAY":     s.Display.String(),
		"DISPLAY_NUM": fmt.Sprintf("%d", int(s.Display)),
		"WIDTH":       fmt.Sprintf("%d", s.Geometry.Width),
		"HEIGHT":      fmt.Sprintf("%d", s.Geometry.Height),
	}
	if s.AuthorityPath != "" {
		overrides["XAUTHORITY"] = s.AuthorityPath
	}
	for key, value := range s.Env {
		overrides[key] = value
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		env = filterEnv(env, key)
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

func (s Spec) validate() error {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return schema.ErrEmptyCommand
	}
	return nil
}

// Exec replaces the current process with the workload. On success it does
// not return.
func Exec(ctx context.Context, spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	path, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return fmt.Errorf("workload %s: %w", spec.Command[0], err)
	}
	if spec.WorkingDir != "" {
		if err := os.Chdir(spec.WorkingDir); err != nil {
			return fmt.Errorf("workload workdir: %w", err)
		}
	}
	log := pslog.Ctx(ctx)
	if log != nil {
		log.Info("exec workload", "path", path, "args", spec.Command, "display", spec.Display.String())
	}
	if err := unix.Exec(path, spec.Command, spec.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// Supervise runs the workload as a child, forwarding SIGINT, SIGTERM and
// SIGHUP, and returns its exit code. A signal death maps to 128+signum,
// matching shell conventions.
func Supervise(ctx context.Context, spec Spec) (int, error) {
	if err := spec.validate(); err != nil {
		return 0, err
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log := pslog.Ctx(ctx)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start workload: %w", err)
	}
	if log != nil {
		log.Info("workload started", "pid", cmd.Process.Pid, "args", spec.Command)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-signals:
			if log != nil {
				log.Debug("forwarding signal", "signal", sig.String())
			}
			_ = cmd.Process.Signal(sig)
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			err := <-done
			return exitCode(err), ctx.Err()
		case err := <-done:
			code := exitCode(err)
			if log != nil {
				log.Info("workload finished", "exit_code", code)
			}
			if err != nil && code == 0 {
				return 0, fmt.Errorf("workload wait: %w", err)
			}
			return code, nil
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 0
}

func filterEnv(env []string, key string) []string {
	if len(env) == 0 {
		return env
	}
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	return out
}
