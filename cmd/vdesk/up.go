package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/display"
	"pkt.systems/vdesk/internal/launch"
	"pkt.systems/vdesk/internal/logx"
	"pkt.systems/vdesk/internal/xauth"
	"pkt.systems/vdesk/schema"
)

func newUpCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision the display stack and hand off to the agent application",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context()).With("display", cfg.DisplayNum().String())
			ctx := logx.ContextWithDisplayLogger(cmd.Context(), logger, cfg.DisplayNum())
			logger.Info("up start",
				"display", cfg.DisplayNum().String(),
				"width", cfg.Display.Width,
				"height", cfg.Display.Height,
			)

			authorityPath, err := ensureAuthority(ctx, cfg)
			if err != nil {
				return err
			}

			stack, err := bootDisplay(ctx, cfg, authorityPath)
			if err != nil {
				return err
			}

			spec := launch.Spec{
				Command:       cfg.App.Command,
				WorkingDir:    cfg.App.WorkingDir,
				Display:       cfg.DisplayNum(),
				Geometry:      cfg.Geometry(),
				AuthorityPath: authorityPath,
				Env:           cfg.App.Env,
			}

			// A freshly started stack needs this process alive to reap its
			// children, so the direct execve path only applies when the
			// display was external or reused.
			if cfg.App.Supervise || (stack != nil && !stack.Reused()) {
				if stack != nil && !stack.Reused() {
					defer func() {
						stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
						defer cancel()
						_ = stack.Stop(stopCtx)
					}()
				}
				code, err := launch.Supervise(ctx, spec)
				if err != nil {
					return err
				}
				if code != 0 {
					return fmt.Errorf("application exited %d", code)
				}
				return nil
			}
			return launch.Exec(ctx, spec)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

// ensureAuthority provisions the X authority file before any display
// process starts. Returns the authority path, or empty when disabled.
func ensureAuthority(ctx context.Context, cfg appconfig.Config) (string, error) {
	if !cfg.Auth.Enabled {
		return "", nil
	}
	logger := pslog.Ctx(ctx)
	if _, err := xauth.Ensure(cfg.Auth.Path, cfg.DisplayNum()); err != nil {
		return "", fmt.Errorf("authority setup: %w", err)
	}
	if err := xauth.Verify(cfg.Auth.Path, cfg.DisplayNum()); err != nil {
		return "", fmt.Errorf("authority verify: %w", err)
	}
	logger.Info("authority ready", "path", cfg.Auth.Path)
	return cfg.Auth.Path, nil
}

// bootDisplay starts the configured bootstrapper and blocks until the X
// socket accepts connections. Returns nil when an external script owns the
// display processes.
func bootDisplay(ctx context.Context, cfg appconfig.Config, authorityPath string) (*display.Stack, error) {
	timeout := time.Duration(cfg.DisplayStartTimeout()) * time.Second
	if cfg.Script.Path != "" {
		if err := display.RunScript(ctx, cfg.Script.Path, cfg.DisplayNum(), cfg.Geometry()); err != nil {
			return nil, err
		}
		if err := display.WaitReady(ctx, cfg.DisplayNum(), cfg.Display.SocketDir, timeout); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return display.Start(ctx, stackConfigFrom(cfg, authorityPath))
}

func stackConfigFrom(cfg appconfig.Config, authorityPath string) display.StackConfig {
	sc := display.StackConfig{
		Display:       cfg.DisplayNum(),
		Geometry:      cfg.Geometry(),
		Depth:         cfg.Display.Depth,
		DPI:           cfg.Display.DPI,
		XvfbPath:      cfg.Display.XvfbPath,
		XvfbArgs:      cfg.Display.XvfbArgs,
		SocketDir:     cfg.Display.SocketDir,
		AuthorityPath: authorityPath,
		StartTimeout:  time.Duration(cfg.DisplayStartTimeout()) * time.Second,
		StopGrace:     5 * time.Second,
	}
	if cfg.Display.WindowManager.Enabled {
		sc.Extras = append(sc.Extras, display.Component{
			Name: schema.ComponentWindowManager,
			Path: cfg.Display.WindowManager.Path,
			Args: cfg.Display.WindowManager.Args,
		})
	}
	if cfg.Display.VNC.Enabled {
		args := append([]string{}, cfg.Display.VNC.Args...)
		if cfg.Display.VNC.Port > 0 {
			args = append(args, "-rfbport", strconv.Itoa(cfg.Display.VNC.Port))
		}
		args = append(args, "-display", cfg.DisplayNum().String())
		sc.Extras = append(sc.Extras, display.Component{
			Name: schema.ComponentVNC,
			Path: cfg.Display.VNC.Path,
			Args: args,
		})
	}
	return sc
}
