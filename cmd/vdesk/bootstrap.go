package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/bootstrap"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	var imageTag string
	var sets []string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate default config and container files",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			out := outputDir
			if out == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				// The container bundle gets its own directory so its
				// config.yaml does not collide with the host config.
				out = filepath.Join(home, ".vdesk", "bootstrap")
			}
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			paths, err := bootstrap.WriteBootstrap(out, overwrite, bootstrap.Options{
				ImageTag:  imageTag,
				Overrides: overrides,
			})
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", paths.HostConfigPath, "name", "config.yaml")
			logger.Info("bootstrap wrote", "path", paths.ConfigPath, "name", "config.yaml (container)")
			logger.Info("bootstrap wrote", "path", paths.ComposePath, "name", "docker-compose.yaml")
			logger.Info("bootstrap wrote", "path", paths.ContainerfilePath, "name", "Containerfile.vdesk")
			logger.Info("bootstrap wrote", "path", paths.EnvPath, "name", ".env")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&imageTag, "tag", "", "desktop image tag (default: version)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config override as dotted.path=value")
	return cmd
}

func parseOverrides(sets []string) ([]bootstrap.ConfigOverride, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make([]bootstrap.ConfigOverride, 0, len(sets))
	for _, entry := range sets {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set value %q (want dotted.path=value)", entry)
		}
		out = append(out, bootstrap.ConfigOverride{Path: strings.TrimSpace(key), Value: value})
	}
	return out, nil
}
