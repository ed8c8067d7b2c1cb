package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Path   string
	Source Source
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Source.Kind == SourceFile && e.Source.File != "" && e.Source.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %v", e.Source.File, e.Source.Line, e.Source.Column, e.Path, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BuildEffectiveConfig applies raw over the defaults.
func BuildEffectiveConfig(raw RawConfig) (*Config, error) {
	cfg := DefaultConfig()

	if raw.Backend != nil {
		cfg.Backend = Backend(strings.ToLower(string(*raw.Backend)))
	}
	if d := raw.Display; d != nil {
		assign(&cfg.Display.Device, d.Device)
		assign(&cfg.Display.OutFence, d.OutFence)
		assign(&cfg.Display.X11Display, d.X11Display)
		assign(&cfg.Display.Vblank, d.Vblank)
	}
	if s := raw.Surface; s != nil {
		assign(&cfg.Surface.MaxBuffers, s.MaxBuffers)
		assign(&cfg.Surface.Width, s.Width)
		assign(&cfg.Surface.Height, s.Height)
	}
	if c := raw.Client; c != nil {
		if c.Sync != nil {
			cfg.Client.Sync = SyncMode(strings.ToLower(string(*c.Sync)))
		}
		assign(&cfg.Client.FrameDelay, c.FrameDelay)
		assign(&cfg.Client.X, c.X)
		assign(&cfg.Client.Y, c.Y)
		assign(&cfg.Client.Width, c.Width)
		assign(&cfg.Client.Height, c.Height)
		assign(&cfg.Client.MaxBuffers, c.MaxBuffers)
		assign(&cfg.Client.Frames, c.Frames)
	}
	if f := raw.Fence; f != nil {
		assign(&cfg.Fence.WaitTimeout, f.WaitTimeout)
	}
	if l := raw.Logging; l != nil {
		if l.Level != nil {
			level := strings.ToLower(strings.TrimSpace(*l.Level))
			if level == "warning" {
				level = "warn"
			}
			cfg.Logging.Level = level
		}
		assign(&cfg.Logging.Format, l.Format)
		assign(&cfg.Logging.File, l.File)
		assign(&cfg.Logging.MaxSizeMB, l.MaxSizeMB)
		assign(&cfg.Logging.MaxFiles, l.MaxFiles)
	}

	if cfg.Logging.File != "" {
		path, err := expandHome(cfg.Logging.File)
		if err != nil {
			return nil, &ValidationError{Path: "log.file", Err: err}
		}
		cfg.Logging.File = path
	}
	return cfg, nil
}

func assign[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
