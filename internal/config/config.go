package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the display engine the server role drives.
type Backend string

const (
	BackendSim Backend = "sim" // In-process engine, no display hardware.
	BackendX11 Backend = "x11" // Nested window on an X server.
	BackendKMS Backend = "kms" // DRM atomic mode setting on a card node.
)

// SyncMode selects how the client orders its rendering against scanout.
type SyncMode string

const (
	SyncExplicit SyncMode = "explicit"
	SyncImplicit SyncMode = "implicit"
)

const (
	DefaultMaxBuffers   = 4
	DefaultClientSize   = 256
	DefaultClientOffset = 128
	DefaultScreenWidth  = 1280
	DefaultScreenHeight = 720
	DefaultFenceTimeout = time.Second
	DefaultVblank       = 16667 * time.Microsecond
	DefaultFrameDelay   = 0
	MaxSurfaceBuffers   = 32
)

// DisplayConfig configures the server's display engine.
type DisplayConfig struct {
	Device     string        `yaml:"device"`      // kms card node
	OutFence   bool          `yaml:"out_fence"`   // request scanout fences
	X11Display string        `yaml:"x11_display"` // empty = $DISPLAY
	Vblank     time.Duration `yaml:"vblank"`      // sim refresh interval
}

// SurfaceConfig configures the server's screen surface. Width and height
// apply to the sim and x11 backends; kms uses the current mode.
type SurfaceConfig struct {
	MaxBuffers int `yaml:"max_buffers"`
	Width      int `yaml:"width"`
	Height     int `yaml:"height"`
}

// ClientConfig configures the producing client.
type ClientConfig struct {
	Sync       SyncMode      `yaml:"sync"`
	FrameDelay time.Duration `yaml:"frame_delay"`
	X          int           `yaml:"x"`
	Y          int           `yaml:"y"`
	Width      int           `yaml:"width"`
	Height     int           `yaml:"height"`
	MaxBuffers int           `yaml:"max_buffers"`
	Frames     int           `yaml:"frames"` // 0 = until interrupted
}

// FenceConfig bounds every wait on a fence.
type FenceConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// LoggingConfig configures structured logging for both roles.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // auto, text, json
	File      string `yaml:"file"`   // empty = stderr only
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// Config is the effective scanout configuration.
type Config struct {
	Backend Backend       `yaml:"backend"`
	Display DisplayConfig `yaml:"display"`
	Surface SurfaceConfig `yaml:"surface"`
	Client  ClientConfig  `yaml:"client"`
	Fence   FenceConfig   `yaml:"fence"`
	Logging LoggingConfig `yaml:"log"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendKMS,
		Display: DisplayConfig{
			Device: "/dev/dri/card0",
			Vblank: DefaultVblank,
		},
		Surface: SurfaceConfig{
			MaxBuffers: DefaultMaxBuffers,
			Width:      DefaultScreenWidth,
			Height:     DefaultScreenHeight,
		},
		Client: ClientConfig{
			Sync:       SyncExplicit,
			FrameDelay: DefaultFrameDelay,
			X:          DefaultClientOffset,
			Y:          DefaultClientOffset,
			Width:      DefaultClientSize,
			Height:     DefaultClientSize,
			MaxBuffers: DefaultMaxBuffers,
		},
		Fence: FenceConfig{
			WaitTimeout: DefaultFenceTimeout,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "auto",
			MaxSizeMB: 10,
			MaxFiles:  3,
		},
	}
}

// Save writes the configuration to the standard location.
//
// Note: this marshals the effective config and will not preserve comments or
// include structure from the original YAML.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo validates and writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendX11, BackendKMS:
	default:
		return &ValidationError{Path: "backend", Err: fmt.Errorf("backend must be one of: sim, x11, kms")}
	}
	if c.Backend == BackendKMS && c.Display.Device == "" {
		return &ValidationError{Path: "display.device", Err: fmt.Errorf("device is required for the kms backend")}
	}
	if c.Display.Vblank < 0 {
		return &ValidationError{Path: "display.vblank", Err: fmt.Errorf("vblank must be >= 0")}
	}

	// The screen holds one showing and one pending framebuffer at minimum.
	if c.Surface.MaxBuffers < 2 || c.Surface.MaxBuffers > MaxSurfaceBuffers {
		return &ValidationError{Path: "surface.max_buffers", Err: fmt.Errorf("max_buffers must be between 2 and %d", MaxSurfaceBuffers)}
	}
	if c.Surface.Width <= 0 || c.Surface.Height <= 0 {
		return &ValidationError{Path: "surface", Err: fmt.Errorf("width and height must be > 0")}
	}

	switch c.Client.Sync {
	case SyncExplicit, SyncImplicit:
	default:
		return &ValidationError{Path: "client.sync", Err: fmt.Errorf("sync must be one of: explicit, implicit")}
	}
	if c.Client.FrameDelay < 0 {
		return &ValidationError{Path: "client.frame_delay", Err: fmt.Errorf("frame_delay must be >= 0")}
	}
	if c.Client.Width <= 0 || c.Client.Height <= 0 {
		return &ValidationError{Path: "client", Err: fmt.Errorf("width and height must be > 0")}
	}
	if c.Client.X < 0 || c.Client.Y < 0 {
		return &ValidationError{Path: "client", Err: fmt.Errorf("x and y must be >= 0")}
	}
	if c.Client.MaxBuffers < 1 || c.Client.MaxBuffers > MaxSurfaceBuffers {
		return &ValidationError{Path: "client.max_buffers", Err: fmt.Errorf("max_buffers must be between 1 and %d", MaxSurfaceBuffers)}
	}
	if c.Client.Frames < 0 {
		return &ValidationError{Path: "client.frames", Err: fmt.Errorf("frames must be >= 0")}
	}

	if c.Fence.WaitTimeout <= 0 {
		return &ValidationError{Path: "fence.wait_timeout", Err: fmt.Errorf("wait_timeout must be > 0")}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Path: "log.level", Err: fmt.Errorf("level must be one of: debug, info, warn, error")}
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return &ValidationError{Path: "log.format", Err: fmt.Errorf("format must be one of: auto, text, json")}
	}
	if c.Logging.MaxSizeMB < 0 {
		return &ValidationError{Path: "log.max_size_mb", Err: fmt.Errorf("max_size_mb must be >= 0")}
	}
	if c.Logging.MaxFiles < 0 {
		return &ValidationError{Path: "log.max_files", Err: fmt.Errorf("max_files must be >= 0")}
	}
	return nil
}

// Warnings reports settings that are valid but degrade the session.
func (c *Config) Warnings() []string {
	if c == nil {
		return nil
	}
	var warnings []string
	if c.Client.Sync == SyncImplicit {
		warnings = append(warnings, "client.sync is implicit; frames are not fenced and may tear")
	}
	if c.Client.X+c.Client.Width > c.Surface.Width || c.Client.Y+c.Client.Height > c.Surface.Height {
		if c.Backend != BackendKMS {
			warnings = append(warnings, fmt.Sprintf("client window %dx%d+%d+%d extends past the %dx%d screen and will be clipped",
				c.Client.Width, c.Client.Height, c.Client.X, c.Client.Y, c.Surface.Width, c.Surface.Height))
		}
	}
	if c.Display.OutFence && c.Backend == BackendSim && c.Display.Vblank == 0 {
		warnings = append(warnings, "display.vblank is 0 for the sim backend; nothing will flip")
	}
	return warnings
}
