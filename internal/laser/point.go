package laser

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Color holds the three laser channel intensities, each nominally in [0, 1].
type Color struct {
	R, G, B float64
}

// Black is the colour of a blanked sample.
var Black = Color{}

// White is full intensity on all channels.
var White = Color{R: 1, G: 1, B: 1}

// Sum returns R+G+B, the per-point power measure used by the safety clipper.
func (c Color) Sum() float64 {
	return c.R + c.G + c.B
}

// Scale multiplies every channel by f.
func (c Color) Scale(f float64) Color {
	return Color{R: c.R * f, G: c.G * f, B: c.B * f}
}

// Lerp interpolates between c and o; t=0 returns c, t=1 returns o.
func (c Color) Lerp(o Color, t float64) Color {
	return Color{
		R: c.R + (o.R-c.R)*t,
		G: c.G + (o.G-c.G)*t,
		B: c.B + (o.B-c.B)*t,
	}
}

// Point is one hardware sample.
type Point struct {
	Position r2.Vec
	Color    Color
	Blank    bool
}

// Pt is shorthand for a lit point at (x, y).
func Pt(x, y float64, c Color) Point {
	return Point{Position: r2.Vec{X: x, Y: y}, Color: c}
}

// BlankAt returns a blanked point at pos.
func BlankAt(pos r2.Vec) Point {
	return Point{Position: pos, Blank: true}
}

// Power returns the emitted power of the point: zero when blanked, otherwise
// the channel sum.
func (p Point) Power() float64 {
	if p.Blank {
		return 0
	}
	return p.Color.Sum()
}

// Emitted returns the colour that actually reaches the light sources.
func (p Point) Emitted() Color {
	if p.Blank {
		return Black
	}
	return p.Color
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.Position.X) && !math.IsInf(p.Position.X, 0) &&
		!math.IsNaN(p.Position.Y) && !math.IsInf(p.Position.Y, 0)
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b r2.Vec) float64 {
	return r2.Norm(r2.Sub(b, a))
}

// Lerp interpolates between positions a and b.
func Lerp(a, b r2.Vec, t float64) r2.Vec {
	return r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
}

// Rect is an axis-aligned rectangle in normalised coordinates.
type Rect struct {
	Min, Max r2.Vec
}

// UnitRect is the full addressable area [-1,1]×[-1,1].
var UnitRect = Rect{Min: r2.Vec{X: -1, Y: -1}, Max: r2.Vec{X: 1, Y: 1}}

// Valid reports whether the rectangle has non-negative extent and lies
// inside the addressable area.
func (r Rect) Valid() bool {
	return r.Min.X <= r.Max.X && r.Min.Y <= r.Max.Y &&
		r.Min.X >= -1 && r.Min.Y >= -1 && r.Max.X <= 1 && r.Max.Y <= 1
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p r2.Vec) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Clamp returns the point of r nearest to p.
func (r Rect) Clamp(p r2.Vec) r2.Vec {
	return r2.Vec{
		X: math.Min(math.Max(p.X, r.Min.X), r.Max.X),
		Y: math.Min(math.Max(p.Y, r.Min.Y), r.Max.Y),
	}
}

// Center returns the midpoint of r.
func (r Rect) Center() r2.Vec {
	return r2.Scale(0.5, r2.Add(r.Min, r.Max))
}
