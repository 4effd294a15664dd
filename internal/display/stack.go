// Package display starts and supervises the virtual X display stack: Xvfb,
// an optional window manager, and an optional VNC server mirroring the
// framebuffer. The agent application must not launch before the X socket is
// serving, so Start only returns once readiness has been probed.
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/logx"
	"pkt.systems/vdesk/schema"
)

// Component describes one supervised member of the display stack.
type Component struct {
	Name schema.StackComponent
	Path string
	Args []string
}

// StackConfig controls the built-in display bootstrapper.
type StackConfig struct {
	Display       schema.DisplayNum
	Geometry      schema.Geometry
	Depth         int
	DPI           int
	XvfbPath      string
	XvfbArgs      []string
	SocketDir     string
	AuthorityPath string
	Extras        []Component
	StartTimeout  time.Duration
	StopGrace     time.Duration
}

// Stack is a running display stack.
type Stack struct {
	cfg StackConfig
	log pslog.Logger

	mu       sync.Mutex
	children []*child
	reused   bool

	failures chan failure
}

type child struct {
	name schema.StackComponent
	cmd  *exec.Cmd
	done chan struct{}
}

type failure struct {
	name schema.StackComponent
	err  error
}

// Start brings up the display stack and waits for the X socket to accept
// connections. If the socket is already serving, the existing display is
// reused and no processes are started.
func Start(ctx context.Context, cfg StackConfig) (*Stack, error) {
	if !cfg.Display.Valid() {
		return nil, fmt.Errorf("%w: %d", schema.ErrInvalidDisplay, int(cfg.Display))
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cfg.XvfbPath == "" {
		cfg.XvfbPath = "Xvfb"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}

	log := logx.WithDisplay(ctx, cfg.Display)
	stack := &Stack{
		cfg:      cfg,
		log:      log,
		failures: make(chan failure, 1+len(cfg.Extras)),
	}

	if Alive(cfg.Display, cfg.SocketDir) {
		log.Info("display already serving, reusing", "socket", cfg.Display.SocketPath(cfg.SocketDir))
		stack.reused = true
		return stack, nil
	}

	if err := stack.startChild(Component{
		Name: schema.ComponentXvfb,
		Path: cfg.XvfbPath,
		Args: stack.xvfbArgs(),
	}); err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	err := stack.waitReady(readyCtx)
	cancel()
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopGrace)
		_ = stack.Stop(stopCtx)
		stopCancel()
		return nil, err
	}
	log.Info("display ready", "socket", cfg.Display.SocketPath(cfg.SocketDir), "screen", cfg.Geometry.ScreenSpec(cfg.Depth))

	for _, extra := range cfg.Extras {
		if err := stack.startChild(extra); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopGrace)
			_ = stack.Stop(stopCtx)
			stopCancel()
			return nil, err
		}
	}
	return stack, nil
}

// Reused reports whether an already-serving display was adopted instead of
// starting new processes.
func (s *Stack) Reused() bool {
	return s.reused
}

func (s *Stack) xvfbArgs() []string {
	args := []string{
		s.cfg.Display.String(),
		"-screen", "0", s.cfg.Geometry.ScreenSpec(s.cfg.Depth),
		"-ac", "-nolisten", "tcp",
	}
	if s.cfg.DPI > 0 {
		args = append(args, "-dpi", strconv.Itoa(s.cfg.DPI))
	}
	if s.cfg.AuthorityPath != "" {
		args = append(args, "-auth", s.cfg.AuthorityPath)
	}
	args = append(args, s.cfg.XvfbArgs...)
	return args
}

func (s *Stack) startChild(component Component) error {
	log := logx.WithComponent(s.log, component.Name)
	cmd := exec.Command(component.Path, component.Args...)
	cmd.Env = s.childEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s stdout: %w", component.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s stderr: %w", component.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s (%s): %w", component.Name, component.Path, err)
	}
	log.Info("component started", "pid", cmd.Process.Pid, "path", component.Path, "args", component.Args)

	go forwardLines(log, "stdout", stdout)
	go forwardLines(log, "stderr", stderr)

	c := &child{name: component.Name, cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(c.done)
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		select {
		case s.failures <- failure{
			name: c.name,
			err:  fmt.Errorf("%w: %s (exit %d)", schema.ErrComponentExited, c.name, exitCode),
		}:
		default:
		}
	}()
	return nil
}

func (s *Stack) childEnv() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "DISPLAY="+s.cfg.Display.String())
	if s.cfg.AuthorityPath != "" {
		env = append(env, "XAUTHORITY="+s.cfg.AuthorityPath)
	}
	return env
}

func (s *Stack) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if Alive(s.cfg.Display, s.cfg.SocketDir) {
			return nil
		}
		select {
		case fail := <-s.failures:
			return fail.err
		case <-ctx.Done():
			return fmt.Errorf("%w: socket %s not serving within deadline", schema.ErrDisplayUnavailable, s.cfg.Display.SocketPath(s.cfg.SocketDir))
		case <-ticker.C:
		}
	}
}

// Wait blocks until a supervised component exits or the context is done.
// A component exit is always an error: the stack is expected to outlive the
// agent application.
func (s *Stack) Wait(ctx context.Context) error {
	s.mu.Lock()
	supervising := len(s.children) > 0
	s.mu.Unlock()
	if !supervising {
		if s.reused {
			<-ctx.Done()
			return ctx.Err()
		}
		return schema.ErrStackNotRunning
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case fail := <-s.failures:
		s.log.Error("display component exited", "component", string(fail.name), "err", fail.err)
		return fail.err
	}
}

// Stop terminates all supervised components, most recently started first.
// Each gets SIGTERM, then SIGKILL after the grace period.
func (s *Stack) Stop(ctx context.Context) error {
	s.mu.Lock()
	children := append([]*child{}, s.children...)
	s.children = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(children) - 1; i >= 0; i-- {
		if err := s.stopChild(ctx, children[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Stack) stopChild(ctx context.Context, c *child) error {
	if c.cmd.Process == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	// Signal the whole process group; Xvfb and window managers fork.
	pgid := -c.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return ctx.Err()
	case <-grace.C:
		s.log.Warn("component ignored SIGTERM, killing", "component", string(c.name))
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-c.done
		return nil
	}
}
