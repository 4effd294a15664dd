package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/bootstrap"
	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/dockhand"
	"pkt.systems/vdesk/internal/dockhand/buildkit"
	"pkt.systems/vdesk/internal/dockhand/containerd"
	"pkt.systems/vdesk/internal/version"
)

func newBuildCmd() *cobra.Command {
	var cfgPath string
	var binPath string
	var tag string
	var output string
	var namespace string
	var disableImport bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the desktop container image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, configPath, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			tags, err := buildTags(cfg.Desktop.Image, tag)
			if err != nil {
				return err
			}
			files, err := bootstrap.DefaultFiles(bootstrap.Options{ImageTag: tag})
			if err != nil {
				return err
			}
			vdeskBin, err := resolveVdeskBinary(binPath)
			if err != nil {
				return err
			}
			contextDir, cleanup, err := prepareBuildContext(vdeskBin, files.ConfigYAML)
			if err != nil {
				return err
			}
			defer cleanup()

			outputPath, err := resolveOutputPath(configPath, output, "pktsystems-vdesk.oci.tar")
			if err != nil {
				return err
			}

			builder := buildkit.New(buildkit.Config{Address: cfg.Desktop.BuildKit.Address})
			spec := dockhand.BuildSpec{
				ContextDir:        contextDir,
				ContainerfileData: files.Containerfile,
				Tags:              tags,
				BuildArgs: map[string]string{
					"DISPLAY_NUM": strconv.Itoa(cfg.Display.Number),
					"WIDTH":       strconv.Itoa(cfg.Display.Width),
					"HEIGHT":      strconv.Itoa(cfg.Display.Height),
				},
				Timeout:    buildTimeout(cfg),
				OutputPath: outputPath,
			}
			logger.Info("build start", "tags", tags, "output", outputPath)
			if _, err := runBuild(cmd.Context(), builder, spec, logger); err != nil {
				return err
			}
			if disableImport {
				logger.Info("build import skipped", "path", outputPath)
				return nil
			}
			return importAndVerify(cmd.Context(), cfg, namespace, outputPath, tags)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&binPath, "bin", "", "path to vdesk binary for the image")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image tag (default: version + latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "path to OCI tar export (default: <config dir>/containers/pktsystems-vdesk.oci.tar)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "override containerd namespace for import")
	cmd.Flags().BoolVar(&disableImport, "disable-import", false, "skip importing the built image into containerd")
	return cmd
}

func runBuild(ctx context.Context, builder dockhand.Builder, spec dockhand.BuildSpec, logger pslog.Logger) (dockhand.BuildResult, error) {
	if withEvents, ok := builder.(dockhand.BuilderWithEvents); ok {
		events := make(chan dockhand.BuildEvent, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			logBuildEvents(ctx, logger, events)
		}()
		res, err := withEvents.BuildWithEvents(ctx, spec, events)
		close(events)
		<-done
		if err == nil {
			logger.Info("build complete", "images", res.ImageNames)
		}
		return res, err
	}
	res, err := builder.Build(ctx, spec)
	if err == nil {
		logger.Info("build complete", "images", res.ImageNames)
	}
	return res, err
}

func logBuildEvents(ctx context.Context, logger pslog.Logger, events <-chan dockhand.BuildEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case dockhand.BuildEventVertexStarted:
				logger.Info(buildEventMessage(ev), "state", "started")
			case dockhand.BuildEventVertexCompleted:
				if ev.Error != "" {
					logger.Error(buildEventMessage(ev), "vertex", ev.VertexID, "err", ev.Error)
				} else {
					logger.Info(buildEventMessage(ev), "state", "completed")
				}
			case dockhand.BuildEventLog:
				line := strings.TrimSpace(ev.Message)
				if line == "" {
					line = buildEventMessage(ev)
				}
				logger.Info(line)
			case dockhand.BuildEventWarning:
				logger.Warn(buildEventMessage(ev), "warning", ev.Message)
			default:
				logger.Info(buildEventMessage(ev), "kind", ev.Kind, "msg", ev.Message)
			}
		}
	}
}

func buildEventMessage(ev dockhand.BuildEvent) string {
	if strings.TrimSpace(ev.Name) != "" {
		return ev.Name
	}
	return "build event"
}

func importAndVerify(ctx context.Context, cfg appconfig.Config, namespaceOverride, outputPath string, images []string) error {
	logger := pslog.Ctx(ctx)
	namespace := cfg.Desktop.Containerd.Namespace
	if strings.TrimSpace(namespaceOverride) != "" {
		namespace = namespaceOverride
	}
	runtime, err := containerd.New(ctx, containerd.Config{
		Address:     cfg.Desktop.Containerd.Address,
		Namespace:   namespace,
		PullTimeout: time.Duration(cfg.Desktop.PullTimeoutMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()
	logger.Info("build import start", "path", outputPath, "namespace", namespace)
	if err := runtime.Import(ctx, outputPath, images); err != nil {
		return err
	}
	for _, image := range images {
		ok, err := runtime.ImageExists(ctx, image)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %q not found in containerd namespace %q; import failed or namespace mismatch", image, namespace)
		}
	}
	logger.Info("build import complete", "path", outputPath, "namespace", namespace)
	return nil
}

func buildTimeout(cfg appconfig.Config) time.Duration {
	if cfg.Desktop.BuildTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(cfg.Desktop.BuildTimeoutMinutes) * time.Minute
}

func loadRequiredConfig(path string) (appconfig.Config, string, error) {
	configPath, err := resolveConfigPath(path)
	if err != nil {
		return appconfig.Config{}, "", err
	}
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return appconfig.Config{}, "", fmt.Errorf("config not found: %s; run vdesk bootstrap", configPath)
		}
		return appconfig.Config{}, "", err
	}
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return appconfig.Config{}, "", err
	}
	return cfg, configPath, nil
}

func resolveConfigPath(path string) (string, error) {
	configPath := strings.TrimSpace(path)
	if configPath != "" {
		return configPath, nil
	}
	return appconfig.DefaultConfigPath()
}

func resolveOutputPath(configPath string, override string, filename string) (string, error) {
	output := strings.TrimSpace(override)
	if output == "" {
		dir := filepath.Dir(configPath)
		output = filepath.Join(dir, "containers", filename)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	return output, nil
}

func buildTags(baseImage string, override string) ([]string, error) {
	if value := strings.TrimSpace(override); value != "" {
		return []string{value}, nil
	}
	base := stripImageTag(baseImage)
	if base == "" {
		return nil, errors.New("image name is required")
	}
	ver := version.Current()
	if strings.TrimSpace(ver) == "" {
		ver = "v0.0.0-unknown"
	}
	return []string{
		base + ":" + ver,
		base + ":latest",
	}, nil
}

func stripImageTag(image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	if at := strings.LastIndex(image, "@"); at != -1 {
		image = image[:at]
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon]
	}
	return image
}

func resolveVdeskBinary(explicit string) (string, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		return ensureFile(value)
	}
	if value := strings.TrimSpace(os.Getenv("VDESK_BIN")); value != "" {
		return ensureFile(value)
	}
	if exe, err := os.Executable(); err == nil && strings.TrimSpace(exe) != "" {
		return ensureFile(exe)
	}
	if path, err := exec.LookPath("vdesk"); err == nil && strings.TrimSpace(path) != "" {
		return ensureFile(path)
	}
	return "", errors.New("vdesk binary not found; use --bin or set VDESK_BIN")
}

func ensureFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", path)
	}
	return path, nil
}

// prepareBuildContext lays out the files the Containerfile copies: the
// vdesk binary and the container config.
func prepareBuildContext(binPath string, configYAML []byte) (string, func(), error) {
	dir, err := os.MkdirTemp("", "vdesk-build-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if err := copyFile(binPath, filepath.Join(dir, "vdesk"), 0o755); err != nil {
		cleanup()
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), configYAML, 0o644); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
