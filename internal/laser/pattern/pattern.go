// Package pattern holds built-in test renderers for aligning and
// exercising a projector.
package pattern

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/stream"
)

var patterns = map[string]stream.RenderFunc{
	"blank":     func(stream.RenderContext) laser.Frame { return laser.Frame{} },
	"square":    Square,
	"circle":    Circle,
	"lissajous": Lissajous,
	"grid":      Grid,
}

// Names lists the available patterns, sorted.
func Names() []string {
	names := make([]string, 0, len(patterns))
	for n := range patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named pattern.
func Lookup(name string) (stream.RenderFunc, error) {
	fn, ok := patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q (have %v): %w", name, Names(), laser.ErrConfigurationInvalid)
	}
	return fn, nil
}

// hue maps t in [0,1) to a saturated colour at one third power.
func hue(t float64) laser.Color {
	t = t - math.Floor(t)
	r := math.Max(0, math.Cos(2*math.Pi*t))
	g := math.Max(0, math.Cos(2*math.Pi*(t-1.0/3)))
	b := math.Max(0, math.Cos(2*math.Pi*(t-2.0/3)))
	return laser.Color{R: r, G: g, B: b}.Scale(1.0 / 3)
}

// Square is a slowly colour-cycling square.
func Square(rc stream.RenderContext) laser.Frame {
	c := hue(rc.Elapsed.Seconds() / 10)
	var f laser.Frame
	f.AddPolygon(c,
		r2.Vec{X: -0.5, Y: -0.5},
		r2.Vec{X: 0.5, Y: -0.5},
		r2.Vec{X: 0.5, Y: 0.5},
		r2.Vec{X: -0.5, Y: 0.5},
	)
	return f
}

// Circle is a rainbow circle.
func Circle(rc stream.RenderContext) laser.Frame {
	const segments = 48
	phase := rc.Elapsed.Seconds()
	vs := make([]laser.Vertex, 0, segments+1)
	for i := 0; i <= segments; i++ {
		a := 2 * math.Pi * float64(i) / segments
		vs = append(vs, laser.V(0.6*math.Cos(a), 0.6*math.Sin(a), hue(phase/5+float64(i)/segments)))
	}
	var f laser.Frame
	f.AddPath(vs...)
	return f
}

// Lissajous is a 3:2 figure with a drifting phase.
func Lissajous(rc stream.RenderContext) laser.Frame {
	const samples = 200
	delta := rc.Elapsed.Seconds() * 0.5
	vs := make([]laser.Vertex, 0, samples+1)
	for i := 0; i <= samples; i++ {
		t := 2 * math.Pi * float64(i) / samples
		vs = append(vs, laser.V(0.7*math.Sin(3*t+delta), 0.7*math.Sin(2*t), laser.Color{G: 0.4, B: 0.4}))
	}
	var f laser.Frame
	f.AddPath(vs...)
	return f
}

// Grid draws the safe-area alignment grid, useful when aiming a
// projector.
func Grid(stream.RenderContext) laser.Frame {
	c := laser.Color{R: 0.3, G: 0.3, B: 0.3}
	var f laser.Frame
	for _, x := range []float64{-0.9, 0, 0.9} {
		f.AddLine(r2.Vec{X: x, Y: -0.9}, r2.Vec{X: x, Y: 0.9}, c)
	}
	for _, y := range []float64{-0.9, 0, 0.9} {
		f.AddLine(r2.Vec{X: -0.9, Y: y}, r2.Vec{X: 0.9, Y: y}, c)
	}
	return f
}
