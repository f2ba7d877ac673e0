// Package safety enforces output limits on tessellated sample runs.
//
// Clipping never changes the number or order of samples: the hardware clock
// consumes one sample per tick no matter what, so a sample that cannot be
// shown safely is moved, dimmed or blanked in place.
package safety

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/monitoring"
)

// powerEpsilon absorbs rounding so that a clipped buffer clips to itself.
const powerEpsilon = 1e-9

// OutOfBoundsPolicy selects what happens to a sample outside the safe rect.
// The position is always clamped onto the rect edge.
type OutOfBoundsPolicy int

const (
	// ClampPosition moves the sample onto the edge and keeps it lit.
	ClampPosition OutOfBoundsPolicy = iota
	// BlankOutside moves the sample onto the edge and blanks it.
	BlankOutside
)

func (p OutOfBoundsPolicy) String() string {
	switch p {
	case ClampPosition:
		return "clamp"
	case BlankOutside:
		return "blank"
	default:
		return fmt.Sprintf("out-of-bounds(%d)", int(p))
	}
}

// ParseOutOfBoundsPolicy parses "clamp" or "blank"; empty selects clamp.
func ParseOutOfBoundsPolicy(s string) (OutOfBoundsPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return ClampPosition, nil
	case "blank":
		return BlankOutside, nil
	default:
		return ClampPosition, fmt.Errorf("unknown out-of-bounds policy %q: %w", s, laser.ErrConfigurationInvalid)
	}
}

// Limits are the configured safety ceilings.
type Limits struct {
	// Rect is the safe output area.
	Rect laser.Rect
	// MaxPower is the ceiling on R+G+B for a single sample.
	MaxPower float64
	// MaxJump is the largest distance a lit sample may be from its
	// predecessor; further samples are blanked.
	MaxJump float64
	// OutOfBounds selects clamp-only or clamp-and-blank.
	OutOfBounds OutOfBoundsPolicy
}

// DefaultLimits returns conservative limits for the full projection area.
func DefaultLimits() Limits {
	return Limits{
		Rect:     laser.UnitRect,
		MaxPower: 3,
		MaxJump:  0.25,
	}
}

// Validate reports unusable limits.
func (l Limits) Validate() error {
	if !l.Rect.Valid() {
		return fmt.Errorf("safe rect %+v is empty or outside [-1,1]: %w", l.Rect, laser.ErrConfigurationInvalid)
	}
	if !(l.MaxPower >= 0) || l.MaxPower > 3 {
		return fmt.Errorf("max power must be within [0, 3], got %v: %w", l.MaxPower, laser.ErrConfigurationInvalid)
	}
	if !(l.MaxJump > 0) {
		return fmt.Errorf("max jump must be positive, got %v: %w", l.MaxJump, laser.ErrConfigurationInvalid)
	}
	return nil
}

// Clipper applies Limits sample by sample. It remembers the last emitted
// position so jump checks continue across consecutive buffers. A Clipper is
// owned by a single connection; only Stats may be called concurrently.
type Clipper struct {
	limits  Limits
	prev    r2.Vec
	hasPrev bool
	stats   counters
	limiter *monitoring.Limiter
}

// New returns a Clipper for limits. Violations are logged at most once per
// second per rule.
func New(limits Limits) *Clipper {
	return &Clipper{
		limits:  limits,
		limiter: monitoring.NewLimiter(time.Second, monitoring.Subsystem("safety")),
	}
}

// Limits returns the limits in force.
func (c *Clipper) Limits() Limits { return c.limits }

// Reset forgets the previous sample, so the next buffer starts a fresh jump
// history. Used after the stream buffer is discarded on underrun.
func (c *Clipper) Reset() {
	c.hasPrev = false
}

// Clip returns a safety-compliant copy of in with identical length and
// ordering.
func (c *Clipper) Clip(in []laser.Point) []laser.Point {
	out := make([]laser.Point, len(in))
	var clamped, scaled, jumped, nonFinite int
	for i, p := range in {
		q := p

		// (1) position
		if !q.Finite() {
			nonFinite++
			if c.hasPrev {
				q.Position = c.prev
			} else {
				q.Position = c.limits.Rect.Center()
			}
			q.Blank = true
		}
		if !c.limits.Rect.Contains(q.Position) {
			clamped++
			q.Position = c.limits.Rect.Clamp(q.Position)
			if c.limits.OutOfBounds == BlankOutside {
				q.Blank = true
			}
		}

		// (2) power; channels outside [0,1] are not meaningful intensities.
		q.Color = clampChannels(q.Color)
		if sum := q.Color.Sum(); sum > c.limits.MaxPower+powerEpsilon {
			scaled++
			q.Color = q.Color.Scale(c.limits.MaxPower / sum)
		}

		// (3) jump
		if c.hasPrev && !q.Blank && laser.Distance(c.prev, q.Position) > c.limits.MaxJump {
			jumped++
			q.Blank = true
		}

		out[i] = q
		c.prev = q.Position
		c.hasPrev = true
	}

	c.stats.add(len(in), clamped, scaled, jumped, nonFinite)
	if clamped > 0 {
		c.limiter.Logf("clamp", "%v: %d samples outside safe rect clamped", laser.ErrSafetyViolation, clamped)
	}
	if scaled > 0 {
		c.limiter.Logf("power", "%v: %d samples above max power %.3f dimmed", laser.ErrSafetyViolation, scaled, c.limits.MaxPower)
	}
	if jumped > 0 {
		c.limiter.Logf("jump", "%v: %d samples beyond max jump %.3f blanked", laser.ErrSafetyViolation, jumped, c.limits.MaxJump)
	}
	if nonFinite > 0 {
		c.limiter.Logf("nonfinite", "%v: %d non-finite samples blanked", laser.ErrSafetyViolation, nonFinite)
	}
	return out
}

func clampChannels(c laser.Color) laser.Color {
	return laser.Color{R: clamp01(c.R), G: clamp01(c.G), B: clamp01(c.B)}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
