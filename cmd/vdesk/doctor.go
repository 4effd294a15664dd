package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/display"
	"pkt.systems/vdesk/internal/xauth"
	"pkt.systems/vdesk/schema"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var scratchDisplay int
	var browserProbe bool
	var browserTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run display stack diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			if err := checkBinaries(cfg); err != nil {
				return err
			}
			logger.Info("doctor binaries ok")

			if err := checkAuthority(cfg); err != nil {
				return err
			}
			logger.Info("doctor authority ok")

			disp, err := pickScratchDisplay(scratchDisplay, cfg.Display.SocketDir)
			if err != nil {
				return err
			}
			if err := checkScratchDisplay(cmd.Context(), logger, cfg, disp, browserProbe, browserTimeout); err != nil {
				return err
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVar(&scratchDisplay, "scratch-display", 90, "first display number tried for the scratch server")
	cmd.Flags().BoolVar(&browserProbe, "browser", false, "render a page with a real browser against the scratch display")
	cmd.Flags().DurationVar(&browserTimeout, "browser-timeout", 30*time.Second, "timeout for the browser probe")
	return cmd
}

func checkBinaries(cfg appconfig.Config) error {
	required := []string{cfg.Display.XvfbPath}
	if cfg.Display.WindowManager.Enabled {
		required = append(required, cfg.Display.WindowManager.Path)
	}
	if cfg.Display.VNC.Enabled {
		required = append(required, cfg.Display.VNC.Path)
	}
	for _, bin := range required {
		if strings.TrimSpace(bin) == "" {
			return fmt.Errorf("configured binary name is empty")
		}
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required binary %q not found on PATH: %w", bin, err)
		}
	}
	return nil
}

// checkAuthority round-trips a cookie through a throwaway authority file.
func checkAuthority(cfg appconfig.Config) error {
	path := filepath.Join(os.TempDir(), "vdesk-doctor-"+uuid.NewString()+".xauth")
	defer func() { _ = os.Remove(path) }()
	if _, err := xauth.Ensure(path, cfg.DisplayNum()); err != nil {
		return fmt.Errorf("authority check: %w", err)
	}
	if err := xauth.Verify(path, cfg.DisplayNum()); err != nil {
		return fmt.Errorf("authority check: %w", err)
	}
	return nil
}

func pickScratchDisplay(start int, socketDir string) (schema.DisplayNum, error) {
	for num := start; num < start+10; num++ {
		candidate := schema.DisplayNum(num)
		if !candidate.Valid() {
			return 0, fmt.Errorf("%w: %d", schema.ErrInvalidDisplay, num)
		}
		if !display.Alive(candidate, socketDir) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free display number in [:%d, :%d)", start, start+10)
}

func checkScratchDisplay(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, disp schema.DisplayNum, browserProbe bool, browserTimeout time.Duration) error {
	sc := stackConfigFrom(cfg, "")
	sc.Display = disp
	sc.Extras = nil

	logger.Info("doctor scratch display start", "display", disp.String())
	stack, err := display.Start(ctx, sc)
	if err != nil {
		return fmt.Errorf("scratch display: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = stack.Stop(stopCtx)
	}()
	if !display.Alive(disp, cfg.Display.SocketDir) {
		return fmt.Errorf("scratch display %s: %w", disp.String(), schema.ErrDisplayUnavailable)
	}
	logger.Info("doctor scratch display ok", "display", disp.String())

	if browserProbe {
		if err := runBrowserProbe(ctx, disp, browserTimeout); err != nil {
			return fmt.Errorf("browser probe: %w", err)
		}
		logger.Info("doctor browser probe ok", "display", disp.String())
	}
	return nil
}

// runBrowserProbe launches a real browser against the scratch display and
// renders a page, proving X clients can actually connect and draw.
func runBrowserProbe(ctx context.Context, disp schema.DisplayNum, timeout time.Duration) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", false),
		chromedp.ModifyCmdFunc(func(cmd *exec.Cmd) {
			cmd.Env = append(os.Environ(), "DISPLAY="+disp.String())
		}),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	probeCtx, cancelProbe := context.WithTimeout(browserCtx, timeout)
	defer cancelProbe()

	var title string
	if err := chromedp.Run(probeCtx,
		chromedp.Navigate("about:blank"),
		chromedp.Title(&title),
	); err != nil {
		return err
	}
	return nil
}
