// Package bootstrap generates the build context for the desktop container
// image: a Containerfile, a compose file, a container-oriented config and
// a compose .env seeded with the invoking UID/GID.
package bootstrap

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"pkt.systems/vdesk/internal/appconfig"
	"pkt.systems/vdesk/internal/version"
)

// Files represents generated bootstrap artifacts.
type Files struct {
	ConfigYAML    []byte
	ComposeYAML   []byte
	Containerfile []byte
}

// Options controls optional bootstrap behaviors.
type Options struct {
	ImageTag  string
	Overrides []ConfigOverride
}

// Paths reports where bootstrap wrote its outputs.
type Paths struct {
	ConfigPath        string
	ComposePath       string
	ContainerfilePath string
	EnvPath           string
	HostConfigPath    string
}

const (
	containerConfigName = "config.yaml"
	composeEnvName      = ".env"
	defaultDesktopImage = "docker.io/pktsystems/vdesk"
)

// ConfigOverride applies a dotted-path override to the generated config.
type ConfigOverride struct {
	Path  string
	Value any
}

type templateData struct {
	Image         string
	ContainerName string
	ConfigFile    string
	DisplayNum    int
	Width         int
	Height        int
	VNCPort       int
	ShmSizeMB     int
}

// DefaultFiles returns the container-oriented bootstrap files.
func DefaultFiles(opts Options) (Files, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return Files{}, err
	}
	cfg.ConfigVersion = appconfig.CurrentConfigVersion
	cfg.Auth.Path = "/home/vdesk/.Xauthority"
	cfg.App.WorkingDir = "/home/vdesk"
	cfg.Display.VNC.Enabled = true
	cfg.Desktop.Image = tagImage(defaultDesktopImage, resolveImageTag(opts.ImageTag))

	configYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return Files{}, err
	}
	if configYAML, err = applyOverridesToYAML(configYAML, opts.Overrides); err != nil {
		return Files{}, err
	}

	data := templateData{
		Image:         cfg.Desktop.Image,
		ContainerName: cfg.Desktop.ContainerName,
		ConfigFile:    containerConfigName,
		DisplayNum:    cfg.Display.Number,
		Width:         cfg.Display.Width,
		Height:        cfg.Display.Height,
		VNCPort:       cfg.Desktop.VNCPort,
		ShmSizeMB:     cfg.Desktop.ShmSizeMB,
	}
	composeYAML, err := renderTemplate("templates/docker-compose.yaml.tmpl", data)
	if err != nil {
		return Files{}, err
	}
	containerfile, err := renderTemplate("templates/Containerfile.vdesk.tmpl", data)
	if err != nil {
		return Files{}, err
	}
	return Files{
		ConfigYAML:    configYAML,
		ComposeYAML:   composeYAML,
		Containerfile: containerfile,
	}, nil
}

// WriteFiles writes the bootstrap files to the output directory.
func WriteFiles(outputDir string, files Files, overwrite bool) (Paths, error) {
	if strings.TrimSpace(outputDir) == "" {
		return Paths{}, fmt.Errorf("output directory is required")
	}
	configPath := filepath.Join(outputDir, containerConfigName)
	composePath := filepath.Join(outputDir, "docker-compose.yaml")
	containerfilePath := filepath.Join(outputDir, "Containerfile.vdesk")
	envPath := filepath.Join(outputDir, composeEnvName)

	for _, path := range []string{configPath, composePath, containerfilePath, envPath} {
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				return Paths{}, fmt.Errorf("file already exists: %s", path)
			}
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(configPath, files.ConfigYAML, 0o644); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(composePath, files.ComposeYAML, 0o644); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(containerfilePath, files.Containerfile, 0o644); err != nil {
		return Paths{}, err
	}
	env := fmt.Sprintf("UID=%d\nGID=%d\n", os.Getuid(), os.Getgid())
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath:        configPath,
		ComposePath:       composePath,
		ContainerfilePath: containerfilePath,
		EnvPath:           envPath,
	}, nil
}

// WriteBootstrap writes the container bundle plus the host config. All
// targets are checked before anything is written so a refused overwrite
// never leaves a partial bundle behind.
func WriteBootstrap(outputDir string, overwrite bool, opts Options) (Paths, error) {
	hostPath, err := appconfig.DefaultConfigPath()
	if err != nil {
		return Paths{}, err
	}
	if !overwrite {
		if _, err := os.Stat(hostPath); err == nil {
			return Paths{}, fmt.Errorf("file already exists: %s", hostPath)
		}
	}
	files, err := DefaultFiles(opts)
	if err != nil {
		return Paths{}, err
	}
	paths, err := WriteFiles(outputDir, files, overwrite)
	if err != nil {
		return Paths{}, err
	}
	if _, err := appconfig.WriteDefault(hostPath, overwrite); err != nil {
		return Paths{}, err
	}
	paths.HostConfigPath = hostPath
	return paths, nil
}

func renderTemplate(name string, data templateData) ([]byte, error) {
	raw, err := readEmbeddedFile(name)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(filepath.Base(name)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func applyOverridesToYAML(configYAML []byte, overrides []ConfigOverride) ([]byte, error) {
	if len(overrides) == 0 {
		return configYAML, nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(configYAML, &data); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if err := setOverrideValue(data, override.Path, override.Value); err != nil {
			return nil, err
		}
	}
	return yaml.Marshal(data)
}

func setOverrideValue(root map[string]any, path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config override path is required")
	}
	parts := strings.Split(path, ".")
	node := root
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("invalid config override path %q", path)
		}
		if i == len(parts)-1 {
			node[part] = value
			return nil
		}
		next, ok := node[part]
		if !ok || next == nil {
			child := map[string]any{}
			node[part] = child
			node = child
			continue
		}
		child, ok := toStringMap(next)
		if !ok {
			return fmt.Errorf("config override %q: %q is not a map", path, part)
		}
		node[part] = child
		node = child
	}
	return nil
}

func toStringMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			ks, ok := key.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func resolveImageTag(override string) string {
	if value := strings.TrimSpace(override); value != "" {
		return value
	}
	value := strings.TrimSpace(version.Current())
	if value == "" {
		return "v0.0.0-unknown"
	}
	return value
}

func tagImage(base, tag string) string {
	base = stripImageTag(base)
	if base == "" {
		return ""
	}
	if strings.TrimSpace(tag) == "" {
		tag = "v0.0.0-unknown"
	}
	return base + ":" + tag
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
