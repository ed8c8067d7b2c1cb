package render

import (
	"image"
	"math"
	"testing"

	"github.com/1broseidon/scanout/internal/shm"
	"github.com/1broseidon/scanout/internal/surface"
)

func backBuffer(t *testing.T, w, h uint32) surface.BufferObject {
	t.Helper()
	s, err := shm.NewSurface(w, h, surface.FormatARGB8888, 1)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bo, err := s.BackBuffer()
	if err != nil {
		t.Fatalf("BackBuffer: %v", err)
	}
	return bo
}

func pixel(bo surface.BufferObject, x, y int) []byte {
	i := y*int(bo.Stride()) + x*4
	return bo.Pixels()[i : i+4]
}

func TestAngle(t *testing.T) {
	tests := []struct {
		index uint64
		want  float64
	}{
		{0, 0},
		{75, math.Pi / 2},
		{150, math.Pi},
		{300, 0},
	}
	for _, tt := range tests {
		if got := Angle(tt.index); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Angle(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestTriangle_DrawsRedUpperLeftHalf(t *testing.T) {
	bo := backBuffer(t, 32, 32)
	tri := NewTriangle(32, 32)
	defer tri.Close()

	if err := tri.Draw(0, bo); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	// B, G, R, A in memory.
	if got := pixel(bo, 4, 4); got[0] != 0 || got[1] != 0 || got[2] != 255 || got[3] != 255 {
		t.Errorf("inside pixel = %v, want opaque red", got)
	}
	if got := pixel(bo, 27, 27); got[2] != 0 || got[3] != 0 {
		t.Errorf("outside pixel = %v, want transparent", got)
	}
}

func TestTriangle_EdgeOnAtQuarterTurn(t *testing.T) {
	bo := backBuffer(t, 32, 32)
	tri := NewTriangle(32, 32)
	defer tri.Close()

	if err := tri.Draw(75, bo); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got := pixel(bo, 4, 4); got[3] != 0 {
		t.Errorf("pixel = %v, want nothing drawn when edge-on", got)
	}
}

func TestTriangle_RejectsMismatchedBuffer(t *testing.T) {
	tri := NewTriangle(16, 16)
	defer tri.Close()
	if err := tri.Draw(0, backBuffer(t, 8, 8)); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func fill(img *image.RGBA, b, g, r, a byte) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = b, g, r, a
	}
}

func TestCompositor_ClearsAndPlaces(t *testing.T) {
	dst, err := View(make([]byte, 16*16*4), 16, 16, 64)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	src, err := View(make([]byte, 4*4*4), 4, 4, 16)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	fill(src, 10, 20, 200, 255)

	NewCompositor().Composite(dst, src, image.Rect(4, 4, 8, 8))

	inside := dst.Pix[dst.PixOffset(5, 5):][:4]
	if inside[0] != 10 || inside[1] != 20 || inside[2] != 200 {
		t.Errorf("inside = %v, want client pixel", inside)
	}
	outside := dst.Pix[dst.PixOffset(12, 1):][:4]
	if outside[0] != 38 || outside[1] != 38 || outside[2] != 38 {
		t.Errorf("outside = %v, want background", outside)
	}
}

func TestCompositor_ScalesToTarget(t *testing.T) {
	dst, _ := View(make([]byte, 16*16*4), 16, 16, 64)
	src, _ := View(make([]byte, 4*4*4), 4, 4, 16)
	fill(src, 0, 0, 255, 255)

	NewCompositor().Composite(dst, src, image.Rect(0, 0, 16, 8))

	for _, p := range []image.Point{{1, 1}, {14, 6}, {8, 4}} {
		px := dst.Pix[dst.PixOffset(p.X, p.Y):][:4]
		if px[2] < 250 || px[0] > 5 {
			t.Errorf("pixel %v = %v, want scaled red", p, px)
		}
	}
	if px := dst.Pix[dst.PixOffset(8, 12):][:4]; px[2] != 38 {
		t.Errorf("below target = %v, want background", px)
	}
}

func TestView_RejectsShortMemory(t *testing.T) {
	if _, err := View(make([]byte, 10), 4, 4, 16); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := View(make([]byte, 64), 4, 4, 8); err == nil {
		t.Fatalf("expected stride error")
	}
}
