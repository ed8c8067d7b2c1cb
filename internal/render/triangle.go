// Package render produces frame content on the client and composites client
// frames into the scanout surface on the server. Pixels in buffer objects are
// ARGB8888/XRGB8888, i.e. B,G,R,A bytes in memory.
package render

import (
	"fmt"
	"math"

	"github.com/1broseidon/scanout/internal/surface"
	"github.com/gogpu/gg"
)

// Rotation timing: one full turn around Y every SecondsPerRound at
// FramesPerSecond frames.
const (
	SecondsPerRound = 5
	FramesPerSecond = 60
)

// Triangle draws a red triangle spinning around the Y axis.
type Triangle struct {
	width  int
	height int
	pixmap *gg.Pixmap
	dc     *gg.Context
}

// NewTriangle creates a renderer for width x height frames.
func NewTriangle(width, height int) *Triangle {
	pm := gg.NewPixmap(width, height)
	return &Triangle{
		width:  width,
		height: height,
		pixmap: pm,
		dc:     gg.NewContext(width, height, gg.WithPixmap(pm)),
	}
}

// Angle returns the rotation of frame index in radians.
func Angle(index uint64) float64 {
	step := 2 * math.Pi / (SecondsPerRound * FramesPerSecond)
	return step * float64(index%(SecondsPerRound*FramesPerSecond))
}

// Draw renders frame index into bo.
func (t *Triangle) Draw(index uint64, bo surface.BufferObject) error {
	if int(bo.Width()) != t.width || int(bo.Height()) != t.height {
		return fmt.Errorf("buffer is %dx%d, renderer is %dx%d", bo.Width(), bo.Height(), t.width, t.height)
	}
	dst := bo.Pixels()
	if dst == nil {
		return fmt.Errorf("buffer is not CPU mapped")
	}

	t.dc.ClearWithColor(gg.Transparent)

	// Vertices (-1,-1) (-1,1) (1,1) in clip space; rotating around Y only
	// scales x by cos(angle).
	c := math.Cos(Angle(index))
	t.dc.SetRGB(1, 0, 0)
	t.dc.MoveTo(t.toX(-c), t.toY(-1))
	t.dc.LineTo(t.toX(-c), t.toY(1))
	t.dc.LineTo(t.toX(c), t.toY(1))
	t.dc.ClosePath()
	if err := t.dc.Fill(); err != nil {
		return fmt.Errorf("fill triangle: %w", err)
	}
	if err := t.dc.FlushGPU(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	copyRGBAToBGRA(dst, int(bo.Stride()), t.pixmap.Data(), t.width, t.height)
	return nil
}

func (t *Triangle) toX(x float64) float64 { return (x + 1) / 2 * float64(t.width) }
func (t *Triangle) toY(y float64) float64 { return (1 - y) / 2 * float64(t.height) }

// Close releases the drawing context.
func (t *Triangle) Close() error {
	return t.dc.Close()
}

func copyRGBAToBGRA(dst []byte, stride int, src []byte, width, height int) {
	for y := 0; y < height; y++ {
		d := dst[y*stride : y*stride+width*4]
		s := src[y*width*4 : (y+1)*width*4]
		for i := 0; i < len(s); i += 4 {
			d[i+0] = s[i+2]
			d[i+1] = s[i+1]
			d[i+2] = s[i+0]
			d[i+3] = s[i+3]
		}
	}
}
