package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/vdesk/schema"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields defaults. The container contract
// variables DISPLAY_NUM, WIDTH and HEIGHT override file values when set.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("display.number", cfg.Display.Number)
	v.SetDefault("display.width", cfg.Display.Width)
	v.SetDefault("display.height", cfg.Display.Height)
	v.SetDefault("display.depth", cfg.Display.Depth)
	v.SetDefault("display.dpi", cfg.Display.DPI)
	v.SetDefault("display.xvfb_path", cfg.Display.XvfbPath)
	v.SetDefault("display.xvfb_args", cfg.Display.XvfbArgs)
	v.SetDefault("display.socket_dir", cfg.Display.SocketDir)
	v.SetDefault("display.start_timeout_seconds", cfg.Display.StartTimeoutSeconds)
	v.SetDefault("display.window_manager.enabled", cfg.Display.WindowManager.Enabled)
	v.SetDefault("display.window_manager.path", cfg.Display.WindowManager.Path)
	v.SetDefault("display.window_manager.args", cfg.Display.WindowManager.Args)
	v.SetDefault("display.vnc.enabled", cfg.Display.VNC.Enabled)
	v.SetDefault("display.vnc.path", cfg.Display.VNC.Path)
	v.SetDefault("display.vnc.args", cfg.Display.VNC.Args)
	v.SetDefault("display.vnc.port", cfg.Display.VNC.Port)
	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.path", cfg.Auth.Path)
	v.SetDefault("app.command", cfg.App.Command)
	v.SetDefault("app.working_dir", cfg.App.WorkingDir)
	v.SetDefault("app.env", cfg.App.Env)
	v.SetDefault("app.supervise", cfg.App.Supervise)
	v.SetDefault("script.path", cfg.Script.Path)
	v.SetDefault("desktop.image", cfg.Desktop.Image)
	v.SetDefault("desktop.container_name", cfg.Desktop.ContainerName)
	v.SetDefault("desktop.shm_size_mb", cfg.Desktop.ShmSizeMB)
	v.SetDefault("desktop.vnc_port", cfg.Desktop.VNCPort)
	v.SetDefault("desktop.start_timeout_seconds", cfg.Desktop.StartTimeoutSeconds)
	v.SetDefault("desktop.pull_timeout_minutes", cfg.Desktop.PullTimeoutMinutes)
	v.SetDefault("desktop.build_timeout_minutes", cfg.Desktop.BuildTimeoutMinutes)
	v.SetDefault("desktop.containerd.address", cfg.Desktop.Containerd.Address)
	v.SetDefault("desktop.containerd.namespace", cfg.Desktop.Containerd.Namespace)
	v.SetDefault("desktop.buildkit.address", cfg.Desktop.BuildKit.Address)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints on a loaded config.
func Validate(cfg Config) error {
	if !cfg.DisplayNum().Valid() {
		return fmt.Errorf("display.number %d out of range 0..%d", cfg.Display.Number, schema.MaxDisplayNum)
	}
	if err := cfg.Geometry().Validate(); err != nil {
		return err
	}
	if cfg.Display.Depth != 8 && cfg.Display.Depth != 16 && cfg.Display.Depth != 24 && cfg.Display.Depth != 30 {
		return fmt.Errorf("display.depth %d is not a supported color depth", cfg.Display.Depth)
	}
	if len(cfg.App.Command) == 0 {
		return fmt.Errorf("app.command is required: %w", schema.ErrEmptyCommand)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.Path) == "" {
		return fmt.Errorf("auth.path is required when auth is enabled")
	}
	if cfg.Script.Path != "" {
		if _, err := os.Stat(cfg.Script.Path); err != nil {
			return fmt.Errorf("script.path: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies the container environment contract on top of the
// file config: DISPLAY_NUM, WIDTH and HEIGHT win over file values.
func applyEnvOverrides(cfg *Config) error {
	if value, ok := os.LookupEnv("DISPLAY_NUM"); ok && strings.TrimSpace(value) != "" {
		d, err := schema.ParseDisplay(value)
		if err != nil {
			return fmt.Errorf("DISPLAY_NUM: %w", err)
		}
		cfg.Display.Number = int(d)
	}
	if value, ok := os.LookupEnv("WIDTH"); ok && strings.TrimSpace(value) != "" {
		w, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("WIDTH: %w", err)
		}
		cfg.Display.Width = w
	}
	if value, ok := os.LookupEnv("HEIGHT"); ok && strings.TrimSpace(value) != "" {
		h, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("HEIGHT: %w", err)
		}
		cfg.Display.Height = h
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Display.SocketDir = expandEnv(cfg.Display.SocketDir)
	cfg.Display.XvfbPath = expandEnv(cfg.Display.XvfbPath)
	cfg.Auth.Path = expandEnv(cfg.Auth.Path)
	cfg.App.WorkingDir = expandEnv(cfg.App.WorkingDir)
	cfg.Script.Path = expandEnv(cfg.Script.Path)
	cfg.Desktop.Containerd.Address = expandEnv(cfg.Desktop.Containerd.Address)
	cfg.Desktop.BuildKit.Address = expandEnv(cfg.Desktop.BuildKit.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
