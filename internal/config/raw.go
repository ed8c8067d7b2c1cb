package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// IncludeList supports either:
//
//	include: "/path/to/file.yaml"
//
// or:
//
//	include:
//	  - "/path/to/file.yaml"
//	  - "/path/to/dir"
type IncludeList []string

func (l *IncludeList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case 0:
		// Not present.
		*l = nil
		return nil
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("include must be a string or list of strings")
		}
		*l = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return fmt.Errorf("include entries must be strings")
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("include must be a string or list of strings")
	}
}

type RawDisplayConfig struct {
	Device     *string        `yaml:"device"`
	OutFence   *bool          `yaml:"out_fence"`
	X11Display *string        `yaml:"x11_display"`
	Vblank     *time.Duration `yaml:"vblank"`
}

type RawSurfaceConfig struct {
	MaxBuffers *int `yaml:"max_buffers"`
	Width      *int `yaml:"width"`
	Height     *int `yaml:"height"`
}

type RawClientConfig struct {
	Sync       *SyncMode      `yaml:"sync"`
	FrameDelay *time.Duration `yaml:"frame_delay"`
	X          *int           `yaml:"x"`
	Y          *int           `yaml:"y"`
	Width      *int           `yaml:"width"`
	Height     *int           `yaml:"height"`
	MaxBuffers *int           `yaml:"max_buffers"`
	Frames     *int           `yaml:"frames"`
}

type RawFenceConfig struct {
	WaitTimeout *time.Duration `yaml:"wait_timeout"`
}

type RawLoggingConfig struct {
	Level     *string `yaml:"level"`
	Format    *string `yaml:"format"`
	File      *string `yaml:"file"`
	MaxSizeMB *int    `yaml:"max_size_mb"`
	MaxFiles  *int    `yaml:"max_files"`
}

type RawConfig struct {
	Include IncludeList       `yaml:"include"`
	Backend *Backend          `yaml:"backend"`
	Display *RawDisplayConfig `yaml:"display"`
	Surface *RawSurfaceConfig `yaml:"surface"`
	Client  *RawClientConfig  `yaml:"client"`
	Fence   *RawFenceConfig   `yaml:"fence"`
	Logging *RawLoggingConfig `yaml:"log"`
}

func (c RawConfig) merge(overlay RawConfig) RawConfig {
	out := c

	if overlay.Backend != nil {
		out.Backend = overlay.Backend
	}
	if overlay.Display != nil {
		merged := mergeRawDisplay(derefOr(out.Display), *overlay.Display)
		out.Display = &merged
	}
	if overlay.Surface != nil {
		merged := mergeRawSurface(derefOr(out.Surface), *overlay.Surface)
		out.Surface = &merged
	}
	if overlay.Client != nil {
		merged := mergeRawClient(derefOr(out.Client), *overlay.Client)
		out.Client = &merged
	}
	if overlay.Fence != nil {
		merged := derefOr(out.Fence)
		pick(&merged.WaitTimeout, overlay.Fence.WaitTimeout)
		out.Fence = &merged
	}
	if overlay.Logging != nil {
		merged := mergeRawLogging(derefOr(out.Logging), *overlay.Logging)
		out.Logging = &merged
	}
	return out
}

func mergeRawDisplay(base RawDisplayConfig, overlay RawDisplayConfig) RawDisplayConfig {
	pick(&base.Device, overlay.Device)
	pick(&base.OutFence, overlay.OutFence)
	pick(&base.X11Display, overlay.X11Display)
	pick(&base.Vblank, overlay.Vblank)
	return base
}

func mergeRawSurface(base RawSurfaceConfig, overlay RawSurfaceConfig) RawSurfaceConfig {
	pick(&base.MaxBuffers, overlay.MaxBuffers)
	pick(&base.Width, overlay.Width)
	pick(&base.Height, overlay.Height)
	return base
}

func mergeRawClient(base RawClientConfig, overlay RawClientConfig) RawClientConfig {
	pick(&base.Sync, overlay.Sync)
	pick(&base.FrameDelay, overlay.FrameDelay)
	pick(&base.X, overlay.X)
	pick(&base.Y, overlay.Y)
	pick(&base.Width, overlay.Width)
	pick(&base.Height, overlay.Height)
	pick(&base.MaxBuffers, overlay.MaxBuffers)
	pick(&base.Frames, overlay.Frames)
	return base
}

func mergeRawLogging(base RawLoggingConfig, overlay RawLoggingConfig) RawLoggingConfig {
	pick(&base.Level, overlay.Level)
	pick(&base.Format, overlay.Format)
	pick(&base.File, overlay.File)
	pick(&base.MaxSizeMB, overlay.MaxSizeMB)
	pick(&base.MaxFiles, overlay.MaxFiles)
	return base
}

// pick overwrites *dst when the overlay sets a value.
func pick[T any](dst **T, overlay *T) {
	if overlay != nil {
		*dst = overlay
	}
}

func derefOr[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
