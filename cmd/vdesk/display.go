package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/display"
	"pkt.systems/vdesk/internal/logx"
)

func newDisplayCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Start and supervise only the display stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context()).With("display", cfg.DisplayNum().String())
			ctx := logx.ContextWithDisplayLogger(cmd.Context(), logger, cfg.DisplayNum())

			authorityPath, err := ensureAuthority(ctx, cfg)
			if err != nil {
				return err
			}
			stack, err := display.Start(ctx, stackConfigFrom(cfg, authorityPath))
			if err != nil {
				return err
			}
			socket := cfg.DisplayNum().SocketPath(cfg.Display.SocketDir)
			if stack.Reused() {
				logger.Info("display already serving", "socket", socket)
				return nil
			}
			logger.Info("display ready", "socket", socket)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = stack.Stop(stopCtx)
			}()

			err = stack.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info("display shutting down")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
