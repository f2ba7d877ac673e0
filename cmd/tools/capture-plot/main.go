// Command capture-plot renders one streaming interval of a test pattern
// through the tessellator and safety clipper and plots the resulting beam
// path to a PNG. Lit runs are drawn in their emitted colour; blank travel is
// drawn as a dashed grey line.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/laserstream/internal/config"
	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/pattern"
	"github.com/banshee-data/laserstream/internal/laser/safety"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/laser/tessellate"
	"github.com/banshee-data/laserstream/internal/security"
)

var (
	configPath  = flag.String("config", "", "Stream config file; defaults apply when empty")
	patternName = flag.String("pattern", "square", "Pattern to render")
	elapsed     = flag.Duration("elapsed", 0, "Animation time passed to the renderer")
	out         = flag.String("out", "", "Output PNG path; defaults to <pattern>.png")
	size        = flag.Float64("size", 8, "Plot size in inches")
)

// interval renders, tessellates and clips one interval.
func interval(render stream.RenderFunc, opts stream.Options, pointRate uint32, at time.Duration) ([]laser.Point, tessellate.Result, safety.Snapshot) {
	target := tessellate.IntervalPoints(float64(pointRate), opts.FrameRate)
	frame := render(stream.RenderContext{Elapsed: at, TargetPoints: target})
	res := tessellate.New(opts.Tessellate).Tessellate(frame, target)
	clip := safety.New(opts.Limits)
	pts := clip.Clip(res.Points)
	return pts, res, clip.Stats()
}

// outputPath resolves the PNG destination. Plots may only be written under
// the working directory or the temp directory.
func outputPath(name, out string) (string, error) {
	if out == "" {
		out = security.SanitizeFilename(name) + ".png"
	}
	if err := security.ValidateExportPath(out); err != nil {
		return "", err
	}
	return out, nil
}

func lit(p laser.Point) bool { return p.Power() > 0 }

// runColor averages the emitted colour of a lit run and scales it to full
// brightness for display.
func runColor(run []laser.Point) color.Color {
	var c laser.Color
	for _, p := range run {
		e := p.Emitted()
		c.R += e.R
		c.G += e.G
		c.B += e.B
	}
	peak := math.Max(c.R, math.Max(c.G, c.B))
	if peak == 0 {
		return color.Gray{Y: 128}
	}
	return color.RGBA{R: uint8(255 * c.R / peak), G: uint8(255 * c.G / peak), B: uint8(255 * c.B / peak), A: 255}
}

func xys(pts []laser.Point) plotter.XYs {
	out := make(plotter.XYs, len(pts))
	for i, p := range pts {
		out[i] = plotter.XY{X: p.Position.X, Y: p.Position.Y}
	}
	return out
}

// plotInterval draws the beam path of pts inside rect.
func plotInterval(pts []laser.Point, rect laser.Rect, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.X.Min, p.X.Max = -1.05, 1.05
	p.Y.Min, p.Y.Max = -1.05, 1.05

	border, err := plotter.NewLine(plotter.XYs{
		{X: rect.Min.X, Y: rect.Min.Y}, {X: rect.Max.X, Y: rect.Min.Y},
		{X: rect.Max.X, Y: rect.Max.Y}, {X: rect.Min.X, Y: rect.Max.Y},
		{X: rect.Min.X, Y: rect.Min.Y},
	})
	if err != nil {
		return nil, err
	}
	border.Color = color.RGBA{R: 200, A: 255}
	border.Width = vg.Points(0.5)
	p.Add(border)
	p.Legend.Add("safe area", border)

	addRun := func(run []laser.Point, isLit bool) error {
		if len(run) < 2 {
			return nil
		}
		l, err := plotter.NewLine(xys(run))
		if err != nil {
			return err
		}
		if isLit {
			l.Color = runColor(run)
			l.Width = vg.Points(1.5)
		} else {
			l.Color = color.Gray{Y: 170}
			l.Width = vg.Points(0.5)
			l.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		}
		p.Add(l)
		return nil
	}

	// split into runs of equal lit state; each run starts at the last
	// sample of the previous one so the path stays connected
	start := 0
	for i := 1; i <= len(pts); i++ {
		if i < len(pts) && lit(pts[i]) == lit(pts[start]) {
			continue
		}
		from := max(start-1, 0)
		if err := addRun(pts[from:i], lit(pts[start])); err != nil {
			return nil, err
		}
		start = i
	}

	if len(pts) > 0 {
		samples, err := plotter.NewScatter(xys(pts))
		if err != nil {
			return nil, err
		}
		samples.GlyphStyle.Radius = vg.Points(0.8)
		samples.GlyphStyle.Color = color.Gray{Y: 90}
		p.Add(samples)
		p.Legend.Add("samples", samples)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func main() {
	flag.Parse()

	cfg := &config.StreamConfig{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadStreamConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	opts, err := cfg.StreamOptions()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	render, err := pattern.Lookup(*patternName)
	if err != nil {
		log.Fatal(err)
	}

	dest, err := outputPath(*patternName, *out)
	if err != nil {
		log.Fatalf("invalid output path: %v", err)
	}

	pts, res, stats := interval(render, opts, cfg.GetPointRate(), *elapsed)
	title := fmt.Sprintf("%s: %d samples (%d produced, %d truncated)", *patternName, len(pts), res.Produced, res.Truncated)
	p, err := plotInterval(pts, opts.Limits.Rect, title)
	if err != nil {
		log.Fatalf("failed to build plot: %v", err)
	}
	if err := p.Save(vg.Length(*size)*vg.Inch, vg.Length(*size)*vg.Inch, dest); err != nil {
		log.Fatalf("failed to save %s: %v", dest, err)
	}
	log.Printf("wrote %s (clamped=%d power_scaled=%d jump_blanked=%d non_finite=%d)",
		dest, stats.Clamped, stats.PowerScaled, stats.JumpBlanked, stats.NonFinite)
}
