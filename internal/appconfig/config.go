package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/vdesk/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Display       DisplayConfig `mapstructure:"display" yaml:"display"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
	App           AppConfig     `mapstructure:"app" yaml:"app"`
	Script        ScriptConfig  `mapstructure:"script" yaml:"script"`
	Desktop       DesktopConfig `mapstructure:"desktop" yaml:"desktop"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// DisplayConfig controls the virtual display stack.
type DisplayConfig struct {
	Number              int       `mapstructure:"number" yaml:"number"`
	Width               int       `mapstructure:"width" yaml:"width"`
	Height              int       `mapstructure:"height" yaml:"height"`
	Depth               int       `mapstructure:"depth" yaml:"depth"`
	DPI                 int       `mapstructure:"dpi" yaml:"dpi"`
	XvfbPath            string    `mapstructure:"xvfb_path" yaml:"xvfb_path"`
	XvfbArgs            []string  `mapstructure:"xvfb_args" yaml:"xvfb_args"`
	SocketDir           string    `mapstructure:"socket_dir" yaml:"socket_dir"`
	StartTimeoutSeconds int       `mapstructure:"start_timeout_seconds" yaml:"start_timeout_seconds"`
	WindowManager       WMConfig  `mapstructure:"window_manager" yaml:"window_manager"`
	VNC                 VNCConfig `mapstructure:"vnc" yaml:"vnc"`
}

// WMConfig configures the optional window manager.
type WMConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Path    string   `mapstructure:"path" yaml:"path"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// VNCConfig configures the optional VNC server mirroring the display.
type VNCConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Path    string   `mapstructure:"path" yaml:"path"`
	Args    []string `mapstructure:"args" yaml:"args"`
	Port    int      `mapstructure:"port" yaml:"port"`
}

// AuthConfig controls X authority file provisioning.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// AppConfig describes the agent application the entrypoint hands off to.
type AppConfig struct {
	Command    []string          `mapstructure:"command" yaml:"command"`
	WorkingDir string            `mapstructure:"working_dir" yaml:"working_dir"`
	Env        map[string]string `mapstructure:"env" yaml:"env"`
	Supervise  bool              `mapstructure:"supervise" yaml:"supervise"`
}

// ScriptConfig selects an external bootstrap script instead of the built-in stack.
type ScriptConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DesktopConfig configures host-side image build and container run.
type DesktopConfig struct {
	Image               string           `mapstructure:"image" yaml:"image"`
	ContainerName       string           `mapstructure:"container_name" yaml:"container_name"`
	ShmSizeMB           int              `mapstructure:"shm_size_mb" yaml:"shm_size_mb"`
	VNCPort             int              `mapstructure:"vnc_port" yaml:"vnc_port"`
	StartTimeoutSeconds int              `mapstructure:"start_timeout_seconds" yaml:"start_timeout_seconds"`
	PullTimeoutMinutes  int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	BuildTimeoutMinutes int              `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
	Containerd          ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit            BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Display: DisplayConfig{
			Number:              int(schema.DefaultDisplayNum),
			Width:               schema.DefaultGeometry.Width,
			Height:              schema.DefaultGeometry.Height,
			Depth:               schema.DefaultColorDepth,
			DPI:                 0,
			XvfbPath:            "Xvfb",
			XvfbArgs:            []string{},
			SocketDir:           schema.DefaultX11SocketDir,
			StartTimeoutSeconds: 30,
			WindowManager: WMConfig{
				Enabled: true,
				Path:    "mutter",
				Args:    []string{"--sm-disable", "--replace"},
			},
			VNC: VNCConfig{
				Enabled: false,
				Path:    "x11vnc",
				Args:    []string{"-forever", "-shared", "-nopw"},
				Port:    5900,
			},
		},
		Auth: AuthConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".Xauthority"),
		},
		App: AppConfig{
			Command:    []string{"python", "-m", "computer_use_demo.command_line"},
			WorkingDir: home,
			Env:        map[string]string{},
			Supervise:  false,
		},
		Script: ScriptConfig{
			Path: "",
		},
		Desktop: DesktopConfig{
			Image:               "docker.io/pktsystems/vdesk:latest",
			ContainerName:       "vdesk",
			ShmSizeMB:           512,
			VNCPort:             5900,
			StartTimeoutSeconds: 60,
			PullTimeoutMinutes:  5,
			BuildTimeoutMinutes: 20,
			Containerd: ContainerdConfig{
				Address:   defaultContainerdAddress(),
				Namespace: "vdesk",
			},
			BuildKit: BuildKitConfig{
				Address: "",
			},
		},
	}, nil
}

func defaultContainerdAddress() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "unix:///run/containerd/containerd.sock"
	}
	return "unix://" + filepath.Join(runtimeDir, "containerd", "containerd.sock")
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vdesk", "config.yaml"), nil
}

// DisplayNum returns the configured display number as a schema type.
func (c Config) DisplayNum() schema.DisplayNum {
	return schema.DisplayNum(c.Display.Number)
}

// Geometry returns the configured screen geometry.
func (c Config) Geometry() schema.Geometry {
	return schema.Geometry{Width: c.Display.Width, Height: c.Display.Height}
}

// DisplayStartTimeout is the display readiness deadline.
func (c Config) DisplayStartTimeout() int {
	if c.Display.StartTimeoutSeconds <= 0 {
		return 30
	}
	return c.Display.StartTimeoutSeconds
}
