package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/1broseidon/scanout/internal/client"
	"github.com/1broseidon/scanout/internal/config"
	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/kms"
	"github.com/1broseidon/scanout/internal/logging"
	"github.com/1broseidon/scanout/internal/render"
	"github.com/1broseidon/scanout/internal/runtimepath"
	"github.com/1broseidon/scanout/internal/server"
	"github.com/1broseidon/scanout/internal/shm"
	"github.com/1broseidon/scanout/internal/surface"
	"github.com/1broseidon/scanout/internal/x11"
)

// newLogger builds the role's logger. Each role gets its own log file so
// the two processes of a session never share a rotating writer.
func newLogger(cfg *config.Config, role string) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      roleLogFile(cfg.Logging.File, role),
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Role:      role,
	}, os.Stderr)
}

func roleLogFile(path, role string) string {
	if path == "" || role == "server" {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + role + ext
}

// screen is the display engine together with the surface it scans out.
type screen struct {
	engine  display.Engine
	surface surface.Renderable
	closeFn func() error
}

func (s *screen) Close() error {
	// Buffers may live on the engine's device; free them first.
	return errors.Join(s.closeFn(), s.engine.Close())
}

func openScreen(cfg *config.Config, logger *slog.Logger) (*screen, error) {
	switch cfg.Backend {
	case config.BackendSim:
		eng, err := display.NewSimEngine(display.SimConfig{
			OutFence: cfg.Display.OutFence,
			Vblank:   cfg.Display.Vblank,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return withShmSurface(cfg, eng)

	case config.BackendX11:
		eng, err := x11.NewEngine(x11.EngineConfig{
			Display:      cfg.Display.X11Display,
			Width:        cfg.Surface.Width,
			Height:       cfg.Surface.Height,
			Title:        "scanout",
			OutFence:     cfg.Display.OutFence,
			FenceTimeout: cfg.Fence.WaitTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return withShmSurface(cfg, eng)

	case config.BackendKMS:
		statePath, err := runtimepath.SessionStatePath()
		if err != nil {
			return nil, err
		}
		eng, err := kms.NewEngine(kms.EngineConfig{
			Device:       cfg.Display.Device,
			OutFence:     cfg.Display.OutFence,
			StatePath:    statePath,
			FenceTimeout: cfg.Fence.WaitTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		surf, err := eng.NewSurface(cfg.Surface.MaxBuffers)
		if err != nil {
			eng.Restore()
			eng.Close()
			return nil, err
		}
		return &screen{engine: eng, surface: surf, closeFn: surf.Close}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func withShmSurface(cfg *config.Config, eng display.Engine) (*screen, error) {
	surf, err := shm.NewSurface(uint32(cfg.Surface.Width), uint32(cfg.Surface.Height),
		surface.FormatXRGB8888, cfg.Surface.MaxBuffers)
	if err != nil {
		eng.Close()
		return nil, err
	}
	return &screen{engine: eng, surface: surf, closeFn: surf.Close}, nil
}

// serve runs the server role until the client leaves or ctx is done.
func serve(ctx context.Context, cfg *config.Config, ch *ipc.Channel, logger *slog.Logger) error {
	scr, err := openScreen(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s display: %w", cfg.Backend, err)
	}
	defer func() {
		if cerr := scr.Close(); cerr != nil {
			logger.Warn("close display", "error", cerr)
		}
	}()

	srv, err := server.New(server.Config{
		Engine:       scr.engine,
		Surface:      scr.surface,
		Channel:      ch,
		FenceTimeout: cfg.Fence.WaitTimeout,
		Logger:       logger,
	})
	if err != nil {
		scr.engine.Restore()
		return err
	}
	logger.Info("serving",
		"backend", cfg.Backend,
		"width", scr.surface.Width(),
		"height", scr.surface.Height(),
		"buffers", scr.surface.MaxBuffers(),
		"out_fence", cfg.Display.OutFence)
	return srv.Run(ctx)
}

// present runs the client role: a rotating triangle rendered into shared
// memory buffers and handed to the server.
func present(ctx context.Context, cfg *config.Config, ch *ipc.Channel, logger *slog.Logger) error {
	w, h := cfg.Client.Width, cfg.Client.Height
	surf, err := shm.NewSurface(uint32(w), uint32(h), surface.FormatARGB8888, cfg.Client.MaxBuffers)
	if err != nil {
		return err
	}
	defer surf.Close()

	painter := render.NewTriangle(w, h)
	defer painter.Close()

	var renderer client.Renderer
	if cfg.Client.Sync == config.SyncImplicit {
		renderer = client.InlineRenderer{Painter: painter, WaitTimeout: cfg.Fence.WaitTimeout}
	} else {
		renderer = client.NewAsyncRenderer(painter, cfg.Fence.WaitTimeout, logger)
	}
	defer renderer.Close()

	p, err := client.NewPresenter(client.Config{
		Channel:    ch,
		Surface:    surf,
		Renderer:   renderer,
		Sync:       client.SyncMode(cfg.Client.Sync),
		FrameDelay: cfg.Client.FrameDelay,
		X:          uint32(cfg.Client.X),
		Y:          uint32(cfg.Client.Y),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	return p.Run(ctx, uint64(cfg.Client.Frames))
}
