// Package geometry holds the pure spatial primitives used by the detector
// filtering stages: IoU, ray-cast point-in-polygon, and ROI acceptance.
package geometry

// BBox is an axis-aligned box in pixel coordinates, x2 > x1 and y2 > y1 for
// well-formed boxes.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Valid reports whether the box has positive extent on both axes.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Point is a 2D pixel coordinate.
type Point struct {
	X, Y float64
}

// Polygon is an ordered vertex list. Fewer than 3 vertices is treated as an
// empty region.
type Polygon []Point

// ROI filter modes.
const (
	ROIModeCenter  = "center"
	ROIModeAny     = "any"
	ROIModeAll     = "all"
	ROIModeOverlap = "overlap"
)

// ValidROIMode reports whether mode names a supported ROI filter mode.
func ValidROIMode(mode string) bool {
	switch mode {
	case ROIModeCenter, ROIModeAny, ROIModeAll, ROIModeOverlap:
		return true
	}
	return false
}

// IoU computes intersection-over-union for two boxes. Degenerate or disjoint
// boxes yield 0.
func IoU(a, b BBox) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// overlapRatio rasterizes the bbox at pixel granularity and counts the pixels
// whose centre falls inside the polygon. Returns intersection / bbox area.
func overlapRatio(b BBox, poly Polygon) float64 {
	if len(poly) < 3 || !b.Valid() {
		return 0
	}

	x1, y1 := int(b.X1), int(b.Y1)
	x2, y2 := int(b.X2), int(b.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	total := (x2 - x1) * (y2 - y1)
	inside := 0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if PointInPolygon(Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}, poly) {
				inside++
			}
		}
	}
	return float64(inside) / float64(total)
}

// PointInPolygon is the classic horizontal ray cast. Behaviour for points
// exactly on an edge is unspecified; callers must not rely on edge membership.
func PointInPolygon(p Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	p1 := poly[0]
	for i := 1; i <= n; i++ {
		p2 := poly[i%n]
		if p.Y > min(p1.Y, p2.Y) && p.Y <= max(p1.Y, p2.Y) && p.X <= max(p1.X, p2.X) {
			var xinters float64
			if p1.Y != p2.Y {
				xinters = (p.Y-p1.Y)*(p2.X-p1.X)/(p2.Y-p1.Y) + p1.X
			}
			if p1.X == p2.X || p.X <= xinters {
				inside = !inside
			}
		}
		p1 = p2
	}
	return inside
}

// BBoxAcceptedByROI applies one of the four ROI acceptance modes. An empty
// polygon list means no filtering and accepts everything.
//
//   - center:  box midpoint lies in at least one polygon
//   - any:     any corner lies in at least one polygon
//   - all:     all four corners lie inside the same polygon
//   - overlap: intersection(bbox, polygon)/area(bbox) >= minOverlap for some polygon
func BBoxAcceptedByROI(b BBox, polygons []Polygon, mode string, minOverlap float64) bool {
	if len(polygons) == 0 {
		return true
	}

	corners := [4]Point{
		{b.X1, b.Y1},
		{b.X2, b.Y1},
		{b.X1, b.Y2},
		{b.X2, b.Y2},
	}

	for _, poly := range polygons {
		switch mode {
		case ROIModeCenter:
			if PointInPolygon(b.Center(), poly) {
				return true
			}
		case ROIModeAny:
			for _, c := range corners {
				if PointInPolygon(c, poly) {
					return true
				}
			}
		case ROIModeAll:
			all := true
			for _, c := range corners {
				if !PointInPolygon(c, poly) {
					all = false
					break
				}
			}
			if all {
				return true
			}
		case ROIModeOverlap:
			if overlapRatio(b, poly) >= minOverlap {
				return true
			}
		}
	}
	return false
}
