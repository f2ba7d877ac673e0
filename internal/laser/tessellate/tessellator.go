// Package tessellate turns Frames into fixed-length runs of hardware samples.
//
// For each path the beam travels blanked from wherever it was to the first
// vertex, dwells there for a few blanked samples, then walks the path with
// linearly interpolated lit samples no further apart than DistancePerPoint.
// Sharp interior corners get extra lit dwell samples so the galvos can settle
// before the next segment. After the last vertex the beam dwells blanked
// again. The result is then padded (held position, blanked) or truncated to
// exactly the requested interval length.
package tessellate

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
)

// TruncationPolicy selects which samples are discarded when a frame
// produces more samples than one interval holds.
type TruncationPolicy int

const (
	// DropTail keeps the start of the frame and drops trailing samples.
	DropTail TruncationPolicy = iota
	// DropHead keeps the end of the frame and drops leading samples.
	DropHead
)

func (p TruncationPolicy) String() string {
	switch p {
	case DropTail:
		return "drop-tail"
	case DropHead:
		return "drop-head"
	default:
		return fmt.Sprintf("truncation(%d)", int(p))
	}
}

// ParseTruncationPolicy parses "drop-tail" or "drop-head". The empty string
// selects DropTail.
func ParseTruncationPolicy(s string) (TruncationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-tail", "tail":
		return DropTail, nil
	case "drop-head", "head":
		return DropHead, nil
	default:
		return DropTail, fmt.Errorf("unknown truncation policy %q: %w", s, laser.ErrConfigurationInvalid)
	}
}

// Params controls interpolation density and dwell lengths.
type Params struct {
	// DistancePerPoint is the maximum spacing between consecutive samples
	// along a path, in normalised units.
	DistancePerPoint float64
	// BlankPoints is the number of blanked dwell samples inserted before
	// the first and after the last vertex of every path.
	BlankPoints int
	// CornerDelayPoints is the dwell inserted at a full reversal (π turn).
	// Smaller turns get a proportional share, at least one sample.
	CornerDelayPoints int
	// CornerAngle is the turn angle in radians above which a vertex counts
	// as a corner.
	CornerAngle float64
	// Truncation selects what to drop when a frame is too long.
	Truncation TruncationPolicy
}

// DefaultParams returns the interpolation defaults used when no
// configuration overrides them.
func DefaultParams() Params {
	return Params{
		DistancePerPoint:  0.1,
		BlankPoints:       10,
		CornerDelayPoints: 6,
		CornerAngle:       math.Pi / 6,
		Truncation:        DropTail,
	}
}

// Validate reports parameters the tessellator cannot work with.
func (p Params) Validate() error {
	if !(p.DistancePerPoint >= MinDistancePerPoint) || math.IsInf(p.DistancePerPoint, 0) {
		return fmt.Errorf("distance per point must be at least %v, got %v: %w", MinDistancePerPoint, p.DistancePerPoint, laser.ErrConfigurationInvalid)
	}
	if p.BlankPoints < 0 {
		return fmt.Errorf("blank points must be non-negative, got %d: %w", p.BlankPoints, laser.ErrConfigurationInvalid)
	}
	if p.CornerDelayPoints < 0 {
		return fmt.Errorf("corner delay points must be non-negative, got %d: %w", p.CornerDelayPoints, laser.ErrConfigurationInvalid)
	}
	if p.CornerAngle < 0 || p.CornerAngle > math.Pi {
		return fmt.Errorf("corner angle must be within [0, π], got %v: %w", p.CornerAngle, laser.ErrConfigurationInvalid)
	}
	return nil
}

// IntervalPoints returns the number of samples in one scheduling interval
// for the given point and frame rates, never less than one.
func IntervalPoints(pointRate, frameRate float64) int {
	if pointRate <= 0 || frameRate <= 0 {
		return 1
	}
	n := int(math.Round(pointRate / frameRate))
	if n < 1 {
		return 1
	}
	return n
}

// Result is the outcome of one Tessellate call.
type Result struct {
	// Points always has exactly the requested target length.
	Points []laser.Point
	// Produced is the number of samples the frame generated before padding
	// or truncation.
	Produced int
	// Truncated is the number of samples discarded by the truncation policy.
	Truncated int
}

// Padded returns the number of held blank samples appended.
func (r Result) Padded() int {
	if r.Produced >= len(r.Points) {
		return 0
	}
	return len(r.Points) - r.Produced
}

// MinDistancePerPoint is the smallest accepted sample spacing. A full
// diagonal of the addressable area is then at most ~28k samples.
const MinDistancePerPoint = 1e-4

// Tessellator converts frames to samples. It remembers the last emitted
// position so blank travel and idle output start where the beam really is.
// A Tessellator is not safe for concurrent use; each connection owns one.
type Tessellator struct {
	params Params
	last   r2.Vec
}

// New returns a Tessellator starting at the origin.
func New(p Params) *Tessellator {
	return &Tessellator{params: p}
}

// Params returns the parameters in use.
func (t *Tessellator) Params() Params { return t.params }

// LastPosition returns the position of the most recently emitted sample.
func (t *Tessellator) LastPosition() r2.Vec { return t.last }

// SetLastPosition overrides the remembered beam position.
func (t *Tessellator) SetLastPosition(p r2.Vec) { t.last = p }

// sink collects at most target samples while counting everything the frame
// produces. Under DropTail it keeps the first target samples; under
// DropHead it keeps the last target in a ring.
type sink struct {
	out    []laser.Point
	target int
	ring   bool
	head   int
	n      int
}

func (s *sink) add(p laser.Point) {
	s.n++
	if len(s.out) < s.target {
		s.out = append(s.out, p)
		return
	}
	if s.ring {
		s.out[s.head] = p
		s.head = (s.head + 1) % s.target
	}
}

// points returns the kept samples in emission order.
func (s *sink) points() []laser.Point {
	if s.head == 0 {
		return s.out
	}
	ordered := make([]laser.Point, 0, len(s.out))
	ordered = append(ordered, s.out[s.head:]...)
	return append(ordered, s.out[:s.head]...)
}

// Tessellate renders f into exactly target samples. A non-positive target
// yields an empty result. Memory is bounded by target however long the
// frame is.
func (t *Tessellator) Tessellate(f laser.Frame, target int) Result {
	if target <= 0 {
		return Result{}
	}

	s := &sink{
		out:    make([]laser.Point, 0, target),
		target: target,
		ring:   t.params.Truncation == DropHead,
	}
	t.expand(f, s)
	res := Result{Produced: s.n}

	out := s.points()
	switch {
	case len(out) == 0:
		for len(out) < target {
			out = append(out, laser.BlankAt(t.last))
		}
	case s.n > target:
		res.Truncated = s.n - target
	default:
		hold := out[len(out)-1].Position
		for len(out) < target {
			out = append(out, laser.BlankAt(hold))
		}
	}

	t.last = out[len(out)-1].Position
	res.Points = out
	return res
}

// expand feeds the unpadded sample sequence for f into s.
func (t *Tessellator) expand(f laser.Frame, s *sink) {
	pos := t.last
	for _, path := range f.Paths {
		if len(path) == 0 {
			continue
		}
		first := path[0].Position
		t.travel(s, pos, first)
		for i := 0; i < t.params.BlankPoints; i++ {
			s.add(laser.BlankAt(first))
		}
		s.add(laser.Point{Position: first, Color: path[0].Color})

		for i := 1; i < len(path); i++ {
			t.segment(s, path[i-1], path[i])
			if i < len(path)-1 {
				t.corner(s, path[i-1], path[i], path[i+1])
			}
		}

		end := path[len(path)-1].Position
		for i := 0; i < t.params.BlankPoints; i++ {
			s.add(laser.BlankAt(end))
		}
		pos = end
	}
}

func (t *Tessellator) steps(d float64) int {
	if d <= 0 {
		return 0
	}
	n := int(math.Ceil(d / t.params.DistancePerPoint))
	if n < 1 {
		n = 1
	}
	return n
}

// travel adds blanked samples moving from 'from' to 'to', excluding from.
func (t *Tessellator) travel(s *sink, from, to r2.Vec) {
	n := t.steps(laser.Distance(from, to))
	for i := 1; i <= n; i++ {
		s.add(laser.BlankAt(laser.Lerp(from, to, float64(i)/float64(n))))
	}
}

// segment adds lit samples from a (exclusive) to b (inclusive). A zero
// length segment still emits b once so every vertex is represented.
func (t *Tessellator) segment(s *sink, a, b laser.Vertex) {
	n := t.steps(laser.Distance(a.Position, b.Position))
	if n == 0 {
		s.add(laser.Point{Position: b.Position, Color: b.Color})
		return
	}
	for i := 1; i <= n; i++ {
		f := float64(i) / float64(n)
		s.add(laser.Point{
			Position: laser.Lerp(a.Position, b.Position, f),
			Color:    a.Color.Lerp(b.Color, f),
		})
	}
}

// corner adds lit dwell samples at b when the turn a→b→c is sharp.
func (t *Tessellator) corner(s *sink, a, b, c laser.Vertex) {
	if t.params.CornerDelayPoints == 0 {
		return
	}
	angle, ok := turnAngle(a.Position, b.Position, c.Position)
	if !ok || angle <= t.params.CornerAngle {
		return
	}
	k := int(math.Ceil(float64(t.params.CornerDelayPoints) * angle / math.Pi))
	if k < 1 {
		k = 1
	}
	for i := 0; i < k; i++ {
		s.add(laser.Point{Position: b.Position, Color: b.Color})
	}
}

// turnAngle returns the change of direction at b in radians: 0 for a
// straight continuation, π for a full reversal. ok is false when either
// segment has zero length.
func turnAngle(a, b, c r2.Vec) (angle float64, ok bool) {
	u := r2.Sub(b, a)
	v := r2.Sub(c, b)
	nu, nv := r2.Norm(u), r2.Norm(v)
	if nu == 0 || nv == 0 {
		return 0, false
	}
	cos := r2.Dot(u, v) / (nu * nv)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos), true
}
