package safety

import "sync/atomic"

// Snapshot is a point-in-time copy of a Clipper's counters.
type Snapshot struct {
	Points      int64 `json:"points"`
	Clamped     int64 `json:"clamped"`
	PowerScaled int64 `json:"power_scaled"`
	JumpBlanked int64 `json:"jump_blanked"`
	NonFinite   int64 `json:"non_finite"`
}

// Violations returns the total number of clipping actions.
func (s Snapshot) Violations() int64 {
	return s.Clamped + s.PowerScaled + s.JumpBlanked + s.NonFinite
}

// Add returns the field-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		Points:      s.Points + o.Points,
		Clamped:     s.Clamped + o.Clamped,
		PowerScaled: s.PowerScaled + o.PowerScaled,
		JumpBlanked: s.JumpBlanked + o.JumpBlanked,
		NonFinite:   s.NonFinite + o.NonFinite,
	}
}

type counters struct {
	points, clamped, scaled, jumped, nonFinite atomic.Int64
}

func (c *counters) add(points, clamped, scaled, jumped, nonFinite int) {
	c.points.Add(int64(points))
	c.clamped.Add(int64(clamped))
	c.scaled.Add(int64(scaled))
	c.jumped.Add(int64(jumped))
	c.nonFinite.Add(int64(nonFinite))
}

// Stats returns the clipping counters accumulated since the Clipper was
// created. Safe to call from any goroutine.
func (c *Clipper) Stats() Snapshot {
	return Snapshot{
		Points:      c.stats.points.Load(),
		Clamped:     c.stats.clamped.Load(),
		PowerScaled: c.stats.scaled.Load(),
		JumpBlanked: c.stats.jumped.Load(),
		NonFinite:   c.stats.nonFinite.Load(),
	}
}
