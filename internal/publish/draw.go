package publish

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/geometry"
)

var (
	boxColor   = color.RGBA{G: 255, A: 255}
	labelColor = color.RGBA{A: 255}
)

// drawBBox draws a 2px rectangle around the box and, when label is non-empty,
// a filled label tag above its top-left corner. Mutates the frame in place.
func drawBBox(frame *frames.Frame, box geometry.BBox, label string) {
	x1, y1 := int(box.X1), int(box.Y1)
	x2, y2 := int(box.X2), int(box.Y2)

	for t := 0; t < 2; t++ {
		drawHLine(frame, x1, x2, y1+t)
		drawHLine(frame, x1, x2, y2-1-t)
		drawVLine(frame, x1+t, y1, y2)
		drawVLine(frame, x2-1-t, y1, y2)
	}

	if label == "" {
		return
	}

	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()

	tagTop := y1 - textH - 4
	if tagTop < 0 {
		tagTop = y1
	}
	for y := tagTop; y < tagTop+textH+4; y++ {
		for x := x1; x < x1+textW+4; x++ {
			frame.Set(x, y, boxColor)
		}
	}

	// Draw the text via an RGBA scratch image, then copy it onto the frame.
	scratch := image.NewRGBA(image.Rect(0, 0, textW, textH))
	d := font.Drawer{
		Dst:  scratch,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(label)

	for y := 0; y < textH; y++ {
		for x := 0; x < textW; x++ {
			if _, _, _, a := scratch.At(x, y).RGBA(); a > 0 {
				frame.Set(x1+2+x, tagTop+2+y, labelColor)
			}
		}
	}
}

func drawHLine(frame *frames.Frame, x1, x2, y int) {
	for x := x1; x < x2; x++ {
		frame.Set(x, y, boxColor)
	}
}

func drawVLine(frame *frames.Frame, x, y1, y2 int) {
	for y := y1; y < y2; y++ {
		frame.Set(x, y, boxColor)
	}
}
