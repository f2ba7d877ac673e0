package tessellate

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
)

func testParams() Params {
	return Params{
		DistancePerPoint:  0.25,
		BlankPoints:       2,
		CornerDelayPoints: 4,
		CornerAngle:       math.Pi / 6,
		Truncation:        DropTail,
	}
}

func randomFrame(rng *rand.Rand, paths int) laser.Frame {
	var f laser.Frame
	for i := 0; i < paths; i++ {
		n := rng.Intn(6) // includes empty and single-vertex paths
		p := make(laser.Path, n)
		for j := range p {
			p[j] = laser.V(rng.Float64()*2-1, rng.Float64()*2-1, laser.Color{R: rng.Float64(), G: rng.Float64(), B: rng.Float64()})
		}
		f.Paths = append(f.Paths, p)
	}
	return f
}

func TestTessellate_LengthAlwaysMatchesTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const target = 500
	tess := New(testParams())

	for paths := 0; paths <= 40; paths++ {
		for trial := 0; trial < 5; trial++ {
			res := tess.Tessellate(randomFrame(rng, paths), target)
			require.Len(t, res.Points, target, "paths=%d trial=%d", paths, trial)
			if res.Produced > target {
				assert.Equal(t, res.Produced-target, res.Truncated)
			} else {
				assert.Zero(t, res.Truncated)
			}
		}
	}
}

func TestTessellate_ExactSequence(t *testing.T) {
	tess := New(testParams())
	var f laser.Frame
	f.AddPath(laser.V(0, 0, laser.White), laser.V(0.5, 0, laser.White), laser.V(0.5, 0.5, laser.White))

	res := tess.Tessellate(f, 16)

	lit := func(x, y float64) laser.Point { return laser.Pt(x, y, laser.White) }
	blank := func(x, y float64) laser.Point { return laser.BlankAt(r2.Vec{X: x, Y: y}) }
	want := []laser.Point{
		blank(0, 0), blank(0, 0), // blank dwell before the path
		lit(0, 0),
		lit(0.25, 0), lit(0.5, 0),
		lit(0.5, 0), lit(0.5, 0), // corner dwell: ceil(4 * (π/2)/π) = 2
		lit(0.5, 0.25), lit(0.5, 0.5),
		blank(0.5, 0.5), blank(0.5, 0.5), // blank dwell after the path
		blank(0.5, 0.5), blank(0.5, 0.5), blank(0.5, 0.5), blank(0.5, 0.5), blank(0.5, 0.5), // padding
	}
	if diff := cmp.Diff(want, res.Points); diff != "" {
		t.Fatalf("tessellation mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 11, res.Produced)
	assert.Equal(t, 5, res.Padded())
	assert.Equal(t, r2.Vec{X: 0.5, Y: 0.5}, tess.LastPosition())
}

func TestTessellate_LitSpacingWithinDistancePerPoint(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := testParams()
	p.DistancePerPoint = 0.05
	tess := New(p)

	for trial := 0; trial < 20; trial++ {
		res := tess.Tessellate(randomFrame(rng, 4), 5000)
		for i := 1; i < len(res.Points); i++ {
			d := laser.Distance(res.Points[i-1].Position, res.Points[i].Position)
			assert.LessOrEqual(t, d, p.DistancePerPoint+1e-9, "trial %d sample %d", trial, i)
		}
	}
}

func TestTessellate_EmptyFrameHoldsLastPosition(t *testing.T) {
	tess := New(testParams())
	var f laser.Frame
	f.AddPoint(r2.Vec{X: 0.25, Y: -0.75}, laser.White)
	tess.Tessellate(f, 100)
	held := tess.LastPosition()

	for k := 0; k < 5; k++ {
		res := tess.Tessellate(laser.Frame{}, 64)
		require.Len(t, res.Points, 64)
		for _, pt := range res.Points {
			assert.True(t, pt.Blank)
			assert.Equal(t, held, pt.Position)
		}
		assert.Zero(t, res.Truncated)
	}
}

func TestTessellate_SingleVertexAndEmptyPaths(t *testing.T) {
	tess := New(testParams())
	f := laser.Frame{Paths: []laser.Path{{}, {laser.V(0, 0, laser.White)}, {}}}

	res := tess.Tessellate(f, 10)
	require.Len(t, res.Points, 10)

	var litCount int
	for _, pt := range res.Points {
		if !pt.Blank {
			litCount++
		}
	}
	assert.Equal(t, 1, litCount)
	assert.Equal(t, 1+2*testParams().BlankPoints, res.Produced)
}

func TestTessellate_BlanksAroundEveryPath(t *testing.T) {
	tess := New(testParams())
	var f laser.Frame
	f.AddLine(r2.Vec{X: -0.5, Y: 0}, r2.Vec{X: -0.25, Y: 0}, laser.White)
	f.AddLine(r2.Vec{X: 0.25, Y: 0}, r2.Vec{X: 0.5, Y: 0}, laser.White)

	res := tess.Tessellate(f, 200)
	pts := res.Points[:res.Produced]

	// Every transition from lit to lit-of-the-next-path passes through blanks.
	firstOfSecond := -1
	for i, pt := range pts {
		if !pt.Blank && pt.Position.X >= 0.25 {
			firstOfSecond = i
			break
		}
	}
	require.Greater(t, firstOfSecond, testParams().BlankPoints)
	for i := firstOfSecond - testParams().BlankPoints; i < firstOfSecond; i++ {
		assert.True(t, pts[i].Blank, "sample %d before second path must be blank", i)
	}
	assert.True(t, pts[len(pts)-1].Blank)
}

func TestTessellate_PreservesPathOrder(t *testing.T) {
	tess := New(testParams())
	var f laser.Frame
	colors := []laser.Color{{R: 1}, {G: 1}, {B: 1}}
	for i, c := range colors {
		x := -0.5 + float64(i)*0.5
		f.AddLine(r2.Vec{X: x, Y: -0.1}, r2.Vec{X: x, Y: 0.1}, c)
	}

	res := tess.Tessellate(f, 400)
	var seen []laser.Color
	for _, pt := range res.Points {
		if pt.Blank {
			continue
		}
		if len(seen) == 0 || seen[len(seen)-1] != pt.Color {
			seen = append(seen, pt.Color)
		}
	}
	assert.Equal(t, colors, seen)
}

func TestTessellate_TruncationPolicies(t *testing.T) {
	var f laser.Frame
	f.AddLine(r2.Vec{X: -1, Y: 0}, r2.Vec{X: 1, Y: 0}, laser.White)

	tail := New(testParams())
	full := tail.Tessellate(f, 1000)
	require.Greater(t, full.Produced, 10)
	all := full.Points[:full.Produced]

	tail = New(testParams())
	resTail := tail.Tessellate(f, 10)
	assert.Equal(t, all[:10], resTail.Points)
	assert.Equal(t, full.Produced-10, resTail.Truncated)

	p := testParams()
	p.Truncation = DropHead
	head := New(p)
	resHead := head.Tessellate(f, 10)
	assert.Equal(t, all[len(all)-10:], resHead.Points)
	assert.Equal(t, full.Produced-10, resHead.Truncated)
}

func TestTessellate_DenseFrameStaysWithinTarget(t *testing.T) {
	var f laser.Frame
	for i := 0; i < 20; i++ {
		f.AddLine(r2.Vec{X: -1, Y: -1}, r2.Vec{X: 1, Y: 1}, laser.White)
	}
	const target = 500

	for _, policy := range []TruncationPolicy{DropTail, DropHead} {
		p := testParams()
		p.DistancePerPoint = MinDistancePerPoint
		p.Truncation = policy
		res := New(p).Tessellate(f, target)

		require.Len(t, res.Points, target, policy.String())
		assert.Equal(t, target, cap(res.Points), policy.String())
		assert.Greater(t, res.Produced, 20*28000, policy.String())
		assert.Equal(t, res.Produced-target, res.Truncated, policy.String())
	}
}

func TestTessellate_DropHeadKeepsFinalSamples(t *testing.T) {
	var f laser.Frame
	f.AddLine(r2.Vec{X: -1, Y: 0}, r2.Vec{X: 1, Y: 0}, laser.White)
	red := laser.Color{R: 1}
	f.AddLine(r2.Vec{X: 0, Y: -1}, r2.Vec{X: 0, Y: 1}, red)

	p := testParams()
	p.Truncation = DropHead
	res := New(p).Tessellate(f, 7)

	require.Len(t, res.Points, 7)
	end := r2.Vec{X: 0, Y: 1}
	assert.Equal(t, laser.BlankAt(end), res.Points[6])
	assert.Equal(t, laser.BlankAt(end), res.Points[5])
	assert.Equal(t, laser.Pt(0, 1, red), res.Points[4])
	assert.Equal(t, laser.Pt(0, 0.75, red), res.Points[3])
}

func TestTessellate_NoCornerDwellOnStraightLine(t *testing.T) {
	tess := New(testParams())
	var f laser.Frame
	f.AddPath(laser.V(0, 0, laser.White), laser.V(0.5, 0, laser.White), laser.V(1, 0, laser.White))

	res := tess.Tessellate(f, 100)
	lit := 0
	for _, pt := range res.Points {
		if !pt.Blank {
			lit++
		}
	}
	assert.Equal(t, 5, lit) // 0, 0.25, 0.5, 0.75, 1
}

func TestTessellate_NonPositiveTarget(t *testing.T) {
	tess := New(testParams())
	res := tess.Tessellate(laser.Frame{}, 0)
	assert.Empty(t, res.Points)
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	bad := []Params{
		{DistancePerPoint: 0},
		{DistancePerPoint: 1e-6},
		{DistancePerPoint: math.Inf(1)},
		{DistancePerPoint: 0.1, BlankPoints: -1},
		{DistancePerPoint: 0.1, CornerDelayPoints: -1},
		{DistancePerPoint: 0.1, CornerAngle: 4},
	}
	for i, p := range bad {
		err := p.Validate()
		assert.True(t, errors.Is(err, laser.ErrConfigurationInvalid), "case %d: %v", i, err)
	}
}

func TestIntervalPoints(t *testing.T) {
	assert.Equal(t, 500, IntervalPoints(30000, 60))
	assert.Equal(t, 1, IntervalPoints(10, 60))
	assert.Equal(t, 1, IntervalPoints(0, 60))
}

func TestParseTruncationPolicy(t *testing.T) {
	p, err := ParseTruncationPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropTail, p)

	p, err = ParseTruncationPolicy("drop-head")
	require.NoError(t, err)
	assert.Equal(t, DropHead, p)
	assert.Equal(t, "drop-head", p.String())

	_, err = ParseTruncationPolicy("middle")
	assert.ErrorIs(t, err, laser.ErrConfigurationInvalid)
}
