// Package region provides the monitored-region containment test applied to
// detector box centres.
package region

import (
	"errors"
	"fmt"
)

// Point is a position in image pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned detector bounding box.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the centre of the box.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// ErrDegenerate is returned for polygons with fewer than three vertices.
var ErrDegenerate = errors.New("region: polygon needs at least 3 vertices")

// Polygon is a closed region; the last vertex joins the first.
type Polygon struct {
	vertices []Point
}

// NewPolygon validates and copies vertices.
func NewPolygon(vertices []Point) (*Polygon, error) {
	if len(vertices) < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrDegenerate, len(vertices))
	}
	v := make([]Point, len(vertices))
	copy(v, vertices)
	return &Polygon{vertices: v}, nil
}

// Vertices returns a copy of the polygon's vertices.
func (p *Polygon) Vertices() []Point {
	v := make([]Point, len(p.vertices))
	copy(v, p.vertices)
	return v
}

// Contains reports whether pt lies inside the polygon using an even-odd
// ray cast towards +X. Points exactly on an edge may fall either way.
func (p *Polygon) Contains(pt Point) bool {
	inside := false
	n := len(p.vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := p.vertices[i], p.vertices[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			xCross := (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y) + a.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// ContainsBox reports whether the centre of b lies inside the polygon.
func (p *Polygon) ContainsBox(b Box) bool {
	return p.Contains(b.Center())
}

// Everywhere is a predicate that treats every point as inside. It stands in
// when no region is configured.
func Everywhere(Point) bool { return true }
