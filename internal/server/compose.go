package server

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/render"
	"github.com/1broseidon/scanout/internal/shm"
	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// ErrImport marks a client buffer that could not be imported or drawn.
var ErrImport = errors.New("buffer import failed")

// Composed is the result of one composition pass.
type Composed struct {
	Index uint64
	// Buffer is the locked front buffer of the screen surface.
	Buffer surface.BufferObject
	// Done signals when the composite has been written.
	Done *fence.Fence
}

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	Surface surface.Renderable
	// FenceTimeout bounds the wait on a client's completion fence.
	FenceTimeout time.Duration
	Logger       *slog.Logger
}

// Composer draws received client frames onto the screen surface.
type Composer struct {
	surface      surface.Renderable
	compositor   *render.Compositor
	fenceTimeout time.Duration
	logger       *slog.Logger

	fenceWaits uint64
}

// NewComposer creates a composer for cfg.Surface.
func NewComposer(cfg ComposerConfig) *Composer {
	timeout := cfg.FenceTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Composer{
		surface:      cfg.Surface,
		compositor:   render.NewCompositor(),
		fenceTimeout: timeout,
		logger:       logger,
	}
}

// Compose receives one frame from ch and composites it.
func (c *Composer) Compose(ch *ipc.Channel) (Composed, error) {
	desc, handle, wait, err := ch.ReceiveFrame()
	if err != nil {
		return Composed{}, err
	}
	defer wait.Close()

	src, err := importFrame(desc, handle)
	if err != nil {
		return Composed{}, err
	}
	defer src.Close()

	// The client may still be writing; never read before its fence.
	if wait.Valid() {
		c.fenceWaits++
		if err := wait.Wait(c.fenceTimeout); err != nil {
			return Composed{}, fmt.Errorf("frame %d: wait fence: %w", desc.Index, err)
		}
	}

	if err := c.draw(desc, src); err != nil {
		return Composed{}, fmt.Errorf("%w: frame %d: %w", ErrImport, desc.Index, err)
	}

	done, err := fence.NewSignaled()
	if err != nil {
		return Composed{}, err
	}
	if err := c.surface.SwapBuffers(); err != nil {
		done.Close()
		return Composed{}, fmt.Errorf("frame %d: swap: %w", desc.Index, err)
	}
	bo, err := c.surface.LockFrontBuffer()
	if err != nil {
		done.Close()
		return Composed{}, fmt.Errorf("frame %d: lock front buffer: %w", desc.Index, err)
	}

	return Composed{Index: desc.Index, Buffer: bo, Done: done}, nil
}

func importFrame(desc ipc.FrameDescriptor, handle int) (*shm.Mapping, error) {
	defer unix.Close(handle)

	switch desc.Format {
	case surface.FormatARGB8888, surface.FormatXRGB8888:
	default:
		return nil, fmt.Errorf("%w: frame %d: unsupported format %s", ErrImport, desc.Index, surface.FormatName(desc.Format))
	}
	m, err := shm.Import(handle, desc.Width, desc.Height, desc.Stride, desc.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %w", ErrImport, desc.Index, err)
	}
	return m, nil
}

func (c *Composer) draw(desc ipc.FrameDescriptor, src *shm.Mapping) error {
	back, err := c.surface.BackBuffer()
	if err != nil {
		return fmt.Errorf("back buffer: %w", err)
	}
	dst, err := render.BufferView(back)
	if err != nil {
		return err
	}
	img, err := render.View(src.Pixels(), int(src.Width), int(src.Height), int(src.Stride))
	if err != nil {
		return err
	}
	c.compositor.Composite(dst, img, placement(desc))
	return nil
}

// placement is the screen rectangle a frame is drawn into. Each coordinate
// widens to int before the sum so a large offset cannot wrap.
func placement(desc ipc.FrameDescriptor) image.Rectangle {
	x, y := int(desc.X), int(desc.Y)
	return image.Rect(x, y, x+int(desc.Width), y+int(desc.Height))
}
