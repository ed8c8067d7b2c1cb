// Package server implements the display role: it composites client frames
// onto the screen surface and sequences them onto the display engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/present"
	"github.com/1broseidon/scanout/internal/surface"
)

// Config holds the collaborators of a server session.
type Config struct {
	Engine  display.Engine
	Surface surface.Renderable
	Channel *ipc.Channel
	// FenceTimeout bounds each wait on a client completion fence.
	FenceTimeout time.Duration
	Logger       *slog.Logger
}

// Stats summarizes a session.
type Stats struct {
	Dispatch   DispatchStats
	Queue      present.Stats
	FenceWaits uint64
}

// Server runs one session for one client.
type Server struct {
	engine     display.Engine
	composer   *Composer
	queue      *present.Queue
	dispatcher *dispatcher
	logger     *slog.Logger
}

// New wires the composer, queue and dispatcher.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Surface == nil || cfg.Channel == nil {
		return nil, fmt.Errorf("server needs an engine, a surface and a channel")
	}
	// One buffer is always on screen; a second is needed to draw into.
	if cfg.Surface.MaxBuffers() < 2 {
		return nil, fmt.Errorf("screen surface needs at least 2 buffers, has %d", cfg.Surface.MaxBuffers())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	composer := NewComposer(ComposerConfig{
		Surface:      cfg.Surface,
		FenceTimeout: cfg.FenceTimeout,
		Logger:       logger,
	})
	queue := present.NewQueue(present.Config{
		Engine:  cfg.Engine,
		Surface: cfg.Surface,
		Logger:  logger,
	})
	d, err := newDispatcher(cfg.Engine, cfg.Channel, composer, queue, cfg.Surface, logger)
	if err != nil {
		return nil, err
	}
	return &Server{engine: cfg.Engine, composer: composer, queue: queue, dispatcher: d, logger: logger}, nil
}

// Run serves frames until ctx is done or the client goes away and its
// queued frames have been shown. The display configuration active before
// the session is restored on the way out, also when the session failed.
func (s *Server) Run(ctx context.Context) error {
	defer s.dispatcher.close()

	if fb, err := s.engine.ActiveFramebuffer(); err == nil {
		s.logger.Info("server started", "active_fb", fb)
	}

	err := s.dispatcher.run(ctx)
	if err != nil {
		s.logger.Error("session failed", "error", err)
	}

	s.queue.Close()
	if rerr := s.engine.Restore(); rerr != nil {
		s.logger.Error("restore display failed", "error", rerr)
		err = errors.Join(err, fmt.Errorf("restore display: %w", rerr))
	}

	st := s.Stats()
	s.logger.Info("server stopped",
		"frames", st.Dispatch.Frames,
		"completions", st.Dispatch.Completions,
		"commits", st.Queue.Commits,
		"max_depth", st.Queue.MaxDepth,
		"registrations", st.Queue.Registrations,
		"fence_waits", st.FenceWaits,
		"backpressured", st.Dispatch.Backpressured)
	return err
}

// Stats returns the session counters.
func (s *Server) Stats() Stats {
	return Stats{
		Dispatch:   s.dispatcher.stats,
		Queue:      s.queue.Stats(),
		FenceWaits: s.composer.fenceWaits,
	}
}
