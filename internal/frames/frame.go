// Package frames provides the per-camera HLS frame source: session URL
// acquisition and refresh, decoder management, and reconnect backoff.
package frames

import (
	"fmt"
	"image"
	"image/color"
)

// Frame is one decoded video frame: Height*Width*3 bytes in BGR channel order.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// NewFrame allocates a zeroed frame of the given dimensions.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Data:   make([]byte, width*height*3),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy. Workers copy frames before annotating snapshots.
func (f *Frame) Clone() *Frame {
	c := &Frame{
		Data:   make([]byte, len(f.Data)),
		Width:  f.Width,
		Height: f.Height,
	}
	copy(c.Data, f.Data)
	return c
}

// At returns the pixel at (x, y). Out-of-bounds coordinates return black.
func (f *Frame) At(x, y int) color.RGBA {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{A: 255}
	}
	i := (y*f.Width + x) * 3
	return color.RGBA{R: f.Data[i+2], G: f.Data[i+1], B: f.Data[i], A: 255}
}

// Set writes the pixel at (x, y). Out-of-bounds coordinates are ignored.
func (f *Frame) Set(x, y int, c color.RGBA) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := (y*f.Width + x) * 3
	f.Data[i] = c.B
	f.Data[i+1] = c.G
	f.Data[i+2] = c.R
}

// Crop returns a copy of the region clamped to the frame bounds.
func (f *Frame) Crop(x1, y1, x2, y2 int) (*Frame, error) {
	x1 = clamp(x1, 0, f.Width)
	x2 = clamp(x2, 0, f.Width)
	y1 = clamp(y1, 0, f.Height)
	y2 = clamp(y2, 0, f.Height)
	if x2 <= x1 || y2 <= y1 {
		return nil, fmt.Errorf("empty crop region [%d,%d,%d,%d]", x1, y1, x2, y2)
	}

	out := NewFrame(x2-x1, y2-y1)
	for y := y1; y < y2; y++ {
		src := (y*f.Width + x1) * 3
		dst := (y - y1) * out.Width * 3
		copy(out.Data[dst:dst+out.Width*3], f.Data[src:src+out.Width*3])
	}
	return out, nil
}

// ToImage converts the BGR buffer to an RGBA image for encoding and drawing.
func (f *Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		si := y * f.Width * 3
		di := y * img.Stride
		for x := 0; x < f.Width; x++ {
			img.Pix[di+0] = f.Data[si+2]
			img.Pix[di+1] = f.Data[si+1]
			img.Pix[di+2] = f.Data[si+0]
			img.Pix[di+3] = 255
			si += 3
			di += 4
		}
	}
	return img
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
