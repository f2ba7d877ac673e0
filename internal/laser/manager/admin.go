package manager

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/laserstream/internal/httputil"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/stream"
)

// echartsAssetsHost serves the chart scripts. Admin pages are debug-only, so
// the public CDN is acceptable.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

func sortStats(s []stream.Stats) {
	sort.Slice(s, func(i, j int) bool { return s[i].DAC < s[j].DAC })
}

// AttachAdminRoutes mounts the manager's debug pages under /debug/.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("dacs", "Known DACs (JSON)", http.HandlerFunc(m.handleDACs))
	debug.Handle("connections", "Live streaming connections (JSON)", http.HandlerFunc(m.handleConnections))
	debug.Handle("disconnect", "Close the connection to ?dac=<identity> (POST)", http.HandlerFunc(m.handleDisconnect))
	debug.Handle("safety-chart", "Safety clipping counters per connection", http.HandlerFunc(m.handleSafetyChart))
}

func (m *Manager) handleDACs(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, m.Available())
}

func (m *Manager) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, m.Connections())
}

func (m *Manager) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := dac.Identity(r.URL.Query().Get("dac"))
	if id == "" {
		httputil.BadRequest(w, "missing dac parameter")
		return
	}
	if err := m.Disconnect(id); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"disconnected": string(id)})
}

// handleSafetyChart renders the clipping counters of every connection as a
// grouped bar chart.
func (m *Manager) handleSafetyChart(w http.ResponseWriter, r *http.Request) {
	stats := m.Connections()
	if len(stats) == 0 {
		httputil.NotFound(w, "no live connections")
		return
	}

	x := make([]string, 0, len(stats))
	var clamped, scaled, jumped, nonFinite []opts.BarData
	for _, s := range stats {
		x = append(x, string(s.DAC))
		clamped = append(clamped, opts.BarData{Value: s.Safety.Clamped})
		scaled = append(scaled, opts.BarData{Value: s.Safety.PowerScaled})
		jumped = append(jumped, opts.BarData{Value: s.Safety.JumpBlanked})
		nonFinite = append(nonFinite, opts.BarData{Value: s.Safety.NonFinite})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Laser Safety", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Safety clipping", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	label := charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})
	bar.SetXAxis(x).
		AddSeries("clamped", clamped, label).
		AddSeries("power scaled", scaled, label).
		AddSeries("jump blanked", jumped, label).
		AddSeries("non-finite", nonFinite, label)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
