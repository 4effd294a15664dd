package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/dockhand"
	"pkt.systems/vdesk/internal/dockhand/containerd"
)

const labelRunID = "dockhand.run_id"

func newDesktopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Run the desktop container on the host",
	}
	cmd.AddCommand(newDesktopRunCmd())
	cmd.AddCommand(newDesktopStopCmd())
	return cmd
}

func newDesktopRunCmd() *cobra.Command {
	var cfgPath string
	var name string
	var autoRemove bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the desktop container and wait for VNC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			runtime, err := desktopRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Close() }()

			containerName := strings.TrimSpace(name)
			if containerName == "" {
				containerName = strings.TrimSpace(cfg.Desktop.ContainerName)
			}
			if containerName == "" {
				containerName = "vdesk-" + uuid.NewString()[:8]
			}

			plan := dockhand.DesktopPlan{
				Env: map[string]string{
					"DISPLAY_NUM": strconv.Itoa(cfg.Display.Number),
					"WIDTH":       strconv.Itoa(cfg.Display.Width),
					"HEIGHT":      strconv.Itoa(cfg.Display.Height),
				},
				Labels: map[string]string{
					labelRunID: uuid.NewString(),
				},
			}
			spec := dockhand.MergeSpec(dockhand.ContainerSpec{
				Name:        containerName,
				Image:       cfg.Desktop.Image,
				ShmSizeMB:   cfg.Desktop.ShmSizeMB,
				AutoRemove:  autoRemove,
				HostNetwork: true,
			}, plan)

			logger.Info("desktop run start", "container", containerName, "image", spec.Image)
			handle, err := runtime.EnsureRunning(ctx, spec)
			if err != nil {
				return err
			}
			if cfg.Desktop.VNCPort > 0 {
				wait := dockhand.WaitPortSpec{
					Port:          cfg.Desktop.VNCPort,
					Timeout:       desktopStartTimeout(cfg),
					NetNSFallback: true,
				}
				if err := runtime.WaitForPort(ctx, handle, wait); err != nil {
					stdout, stderr, tailErr := runtime.TailLogs(ctx, handle, 20)
					if tailErr == nil {
						for _, line := range stdout {
							logger.Info("desktop container output", "stream", "stdout", "text", line)
						}
						for _, line := range stderr {
							logger.Warn("desktop container output", "stream", "stderr", "text", line)
						}
					}
					return fmt.Errorf("desktop container started but VNC port %d never opened: %w", cfg.Desktop.VNCPort, err)
				}
			}
			logger.Info("desktop run ready", "container", handle.Name(), "vnc_port", cfg.Desktop.VNCPort)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&name, "name", "", "container name (default from config)")
	cmd.Flags().BoolVar(&autoRemove, "rm", false, "remove the container when it exits")
	return cmd
}

func newDesktopStopCmd() *cobra.Command {
	var cfgPath string
	var name string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop and remove the desktop container",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			runtime, err := desktopRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Close() }()

			containerName := strings.TrimSpace(name)
			if containerName == "" {
				containerName = strings.TrimSpace(cfg.Desktop.ContainerName)
			}
			if containerName == "" {
				return fmt.Errorf("container name is required; use --name or set desktop.container_name")
			}
			handle, err := runtime.Lookup(ctx, containerName)
			if err != nil {
				if errdefs.IsNotFound(err) {
					logger.Info("desktop stop skipped", "container", containerName, "reason", "not found")
					return nil
				}
				return err
			}
			if err := runtime.Stop(ctx, handle); err != nil {
				return err
			}
			if err := runtime.Remove(ctx, handle); err != nil {
				return err
			}
			logger.Info("desktop stop ok", "container", containerName)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&name, "name", "", "container name (default from config)")
	return cmd
}

func desktopRuntime(ctx context.Context, cfg appconfig.Config) (*containerd.Runtime, error) {
	return containerd.New(ctx, containerd.Config{
		Address:     cfg.Desktop.Containerd.Address,
		Namespace:   cfg.Desktop.Containerd.Namespace,
		PullTimeout: time.Duration(cfg.Desktop.PullTimeoutMinutes) * time.Minute,
	})
}

func desktopStartTimeout(cfg appconfig.Config) time.Duration {
	if cfg.Desktop.StartTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.Desktop.StartTimeoutSeconds) * time.Second
}
