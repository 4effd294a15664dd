package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// DisplayNum identifies an X display by number (the N in ":N").
type DisplayNum int

// DefaultDisplayNum is used when DISPLAY_NUM is unset.
const DefaultDisplayNum DisplayNum = 1

// String renders the display in X11 form, e.g. ":1".
func (d DisplayNum) String() string {
	return fmt.Sprintf(":%d", int(d))
}

// SocketPath returns the unix socket path the X server binds for this display.
func (d DisplayNum) SocketPath(socketDir string) string {
	if socketDir == "" {
		socketDir = DefaultX11SocketDir
	}
	return fmt.Sprintf("%s/X%d", strings.TrimRight(socketDir, "/"), int(d))
}

// Valid reports whether the display number is usable.
func (d DisplayNum) Valid() bool {
	return d >= 0 && d <= MaxDisplayNum
}

// ParseDisplay parses ":N" or "N" into a DisplayNum.
func ParseDisplay(value string) (DisplayNum, error) {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, ":")
	if i := strings.IndexByte(trimmed, '.'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDisplay, value)
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDisplay, value)
	}
	d := DisplayNum(n)
	if !d.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDisplay, value)
	}
	return d, nil
}

const (
	// MaxDisplayNum bounds display numbers to the conventional range.
	MaxDisplayNum = 1024
	// DefaultX11SocketDir is where X servers create their unix sockets.
	DefaultX11SocketDir = "/tmp/.X11-unix"
)

// Geometry is the virtual screen size in pixels.
type Geometry struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// DefaultGeometry matches the container build-arg defaults.
var DefaultGeometry = Geometry{Width: 1024, Height: 768}

const (
	minDimension = 64
	maxDimension = 16384
)

// Validate checks the geometry is within sane framebuffer bounds.
func (g Geometry) Validate() error {
	if g.Width < minDimension || g.Width > maxDimension ||
		g.Height < minDimension || g.Height > maxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	}
	return nil
}

// String renders the geometry as "WxH".
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// ScreenSpec renders the Xvfb -screen argument, e.g. "1024x768x24".
func (g Geometry) ScreenSpec(depth int) string {
	if depth <= 0 {
		depth = DefaultColorDepth
	}
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, depth)
}

// DefaultColorDepth is the framebuffer color depth in bits.
const DefaultColorDepth = 24

// StackComponent names a supervised display stack member.
type StackComponent string

const (
	// ComponentXvfb is the virtual framebuffer X server.
	ComponentXvfb StackComponent = "xvfb"
	// ComponentWindowManager is the optional window manager.
	ComponentWindowManager StackComponent = "wm"
	// ComponentVNC is the optional VNC server mirroring the display.
	ComponentVNC StackComponent = "vnc"
)
