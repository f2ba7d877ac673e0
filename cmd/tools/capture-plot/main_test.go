package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/pattern"
	"github.com/banshee-data/laserstream/internal/laser/stream"
)

func TestInterval_FillsTarget(t *testing.T) {
	opts := stream.DefaultOptions()
	pts, res, stats := interval(pattern.Square, opts, 30000, time.Second)

	require.Len(t, pts, 500)
	assert.Greater(t, res.Produced, 0)
	assert.Equal(t, int64(500), stats.Points)
	for _, p := range pts {
		assert.True(t, opts.Limits.Rect.Contains(p.Position))
	}
}

func TestPlotInterval_Saves(t *testing.T) {
	opts := stream.DefaultOptions()
	pts, _, _ := interval(pattern.Grid, opts, 30000, 0)

	p, err := plotInterval(pts, opts.Limits.Rect, "grid")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "grid.png")
	require.NoError(t, p.Save(4*vg.Inch, 4*vg.Inch, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestPlotInterval_Empty(t *testing.T) {
	p, err := plotInterval(nil, laser.UnitRect, "empty")
	require.NoError(t, err)
	assert.Equal(t, "empty", p.Title.Text)
}

func TestRunColor(t *testing.T) {
	run := []laser.Point{laser.Pt(0, 0, laser.Color{R: 0.2}), laser.Pt(0.1, 0, laser.Color{R: 0.2})}
	r, g, b, _ := runColor(run).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Zero(t, g)
	assert.Zero(t, b)
}

func TestOutputPath(t *testing.T) {
	got, err := outputPath("lissajous", "")
	require.NoError(t, err)
	assert.Equal(t, "lissajous.png", got)

	tmp := filepath.Join(os.TempDir(), "plot.png")
	got, err = outputPath("square", tmp)
	require.NoError(t, err)
	assert.Equal(t, tmp, got)

	_, err = outputPath("square", filepath.Join(os.TempDir(), "..", "escape.png"))
	assert.Error(t, err)
}
