package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/image/draw"
)

// Background is the clear color of the composited screen (0.15 gray).
var Background = color.RGBA{R: 38, G: 38, B: 38, A: 255}

// View wraps BGRA pixel memory as an *image.RGBA without copying. Channels
// 0 and 2 are swapped relative to image.RGBA; that is harmless as long as
// source and destination are both views.
func View(pix []byte, width, height, stride int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || stride < width*4 {
		return nil, fmt.Errorf("invalid geometry %dx%d stride %d", width, height, stride)
	}
	if len(pix) < stride*(height-1)+width*4 {
		return nil, fmt.Errorf("%d bytes cannot hold %dx%d stride %d", len(pix), width, height, stride)
	}
	return &image.RGBA{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, width, height)}, nil
}

// BufferView wraps a CPU mapped buffer object.
func BufferView(bo surface.BufferObject) (*image.RGBA, error) {
	pix := bo.Pixels()
	if pix == nil {
		return nil, fmt.Errorf("buffer is not CPU mapped")
	}
	return View(pix, int(bo.Width()), int(bo.Height()), int(bo.Stride()))
}

// Compositor draws client frames onto the screen surface.
type Compositor struct {
	scaler     draw.Scaler
	background *image.Uniform
}

// NewCompositor returns a compositor using bilinear scaling.
func NewCompositor() *Compositor {
	return &Compositor{
		scaler:     draw.ApproxBiLinear,
		background: image.NewUniform(swapRB(Background)),
	}
}

// Composite clears dst and draws src scaled into the rectangle at.
func (c *Compositor) Composite(dst, src *image.RGBA, at image.Rectangle) {
	draw.Draw(dst, dst.Bounds(), c.background, image.Point{}, draw.Src)
	if at.Empty() {
		return
	}
	if at.Size() == src.Bounds().Size() {
		draw.Draw(dst, at, src, src.Bounds().Min, draw.Src)
		return
	}
	c.scaler.Scale(dst, at, src, src.Bounds(), draw.Src, nil)
}

// swapRB converts a color for use on a BGRA view.
func swapRB(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.B, G: c.G, B: c.R, A: c.A}
}
