package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/doorway.report/internal/httputil"
	"github.com/banshee-data/doorway.report/internal/ld20"
)

// AttachAdminRoutes mounts the debug scan chart under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scan", "scatter plot of the packets in the history ring", s.scanChart)
}

// scanPoints projects every point in packets to sensor-centred X/Y in
// millimetres, split by whether the packet falls in the doorway window.
// Points with no return (distance 0) are skipped.
func (s *Server) scanPoints(packets []ld20.Packet) (window, other []opts.ScatterData, maxAbs float64) {
	c := s.src.Classifier()
	for _, p := range packets {
		inWindow := c.Qualifies(p)
		for i, pt := range p.Points {
			if pt.Distance == 0 {
				continue
			}
			theta := p.PointAngle(i) * math.Pi / 180.0
			x := float64(pt.Distance) * math.Cos(theta)
			y := float64(pt.Distance) * math.Sin(theta)
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))

			d := opts.ScatterData{Value: []interface{}{x, y, pt.Intensity}}
			if inWindow {
				window = append(window, d)
			} else {
				other = append(other, d)
			}
		}
	}
	return window, other, maxAbs
}

func (s *Server) scanChart(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	window, other, maxAbs := s.scanPoints(snap.History)

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1000
	}

	t := s.src.Classifier().Thresholds()
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "LD20 scan", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "LD20 scan (history ring)",
			Subtitle: fmt.Sprintf("packets=%d window=%.0f-%.0f deg open=%t occupancy=%d",
				len(snap.History), t.MinAngle, t.MaxAngle, snap.State.IsOpen, snap.State.Occupancy),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("doorway window", window, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	scatter.AddSeries("elsewhere", other, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
