package laser

import "gonum.org/v1/gonum/spatial/r2"

// Vertex is one corner of a Path.
type Vertex struct {
	Position r2.Vec
	Color    Color
}

// V is shorthand for a Vertex at (x, y).
func V(x, y float64, c Color) Vertex {
	return Vertex{Position: r2.Vec{X: x, Y: y}, Color: c}
}

// Path is a continuous pen stroke: the beam stays lit from the first vertex
// to the last.
type Path []Vertex

// Frame is one render cycle's drawing instructions. Paths are drawn in order.
type Frame struct {
	Paths []Path
}

// AddPath appends a path built from vs. Empty input is ignored.
func (f *Frame) AddPath(vs ...Vertex) {
	if len(vs) == 0 {
		return
	}
	p := make(Path, len(vs))
	copy(p, vs)
	f.Paths = append(f.Paths, p)
}

// AddLine appends a two-vertex path from a to b in colour c.
func (f *Frame) AddLine(a, b r2.Vec, c Color) {
	f.Paths = append(f.Paths, Path{{Position: a, Color: c}, {Position: b, Color: c}})
}

// AddPoint appends a single-vertex path, drawn as a dot.
func (f *Frame) AddPoint(p r2.Vec, c Color) {
	f.Paths = append(f.Paths, Path{{Position: p, Color: c}})
}

// AddPolygon appends a closed path through vs, repeating the first vertex
// at the end.
func (f *Frame) AddPolygon(c Color, vs ...r2.Vec) {
	if len(vs) == 0 {
		return
	}
	p := make(Path, 0, len(vs)+1)
	for _, v := range vs {
		p = append(p, Vertex{Position: v, Color: c})
	}
	p = append(p, p[0])
	f.Paths = append(f.Paths, p)
}

// Len returns the total number of vertices across all paths.
func (f Frame) Len() int {
	n := 0
	for _, p := range f.Paths {
		n += len(p)
	}
	return n
}

// Empty reports whether the frame draws nothing.
func (f Frame) Empty() bool {
	return f.Len() == 0
}
