package server

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
)

const (
	chartWidth  = 12 * vg.Inch
	chartHeight = 5 * vg.Inch

	// ILI percentages at or beyond these ends of the color scale are clamped.
	scaleMin = 0.0
	scaleMax = 10.0

	noDataColor = "#cccccc"
)

// regionColors cycles across the plotted regions in request order.
var regionColors = []color.RGBA{
	{R: 0xe6, G: 0x19, B: 0x4b, A: 0xff},
	{R: 0x3c, G: 0xb4, B: 0x4b, A: 0xff},
	{R: 0x43, G: 0x63, B: 0xd8, A: 0xff},
	{R: 0xf5, G: 0x82, B: 0x31, A: 0xff},
	{R: 0x91, G: 0x1e, B: 0xb4, A: 0xff},
	{R: 0x46, G: 0xf0, B: 0xf0, A: 0xff},
	{R: 0xf0, G: 0x32, B: 0xe6, A: 0xff},
	{R: 0xbc, G: 0xf6, B: 0x0c, A: 0xff},
	{R: 0xfa, G: 0xbe, B: 0xbe, A: 0xff},
	{R: 0x00, G: 0x80, B: 0x80, A: 0xff},
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	series, regions, ok := s.loadSeries(w, r)
	if !ok {
		return
	}

	img, err := renderChart(series, regions)
	if err != nil {
		s.internalError(w, "rendering chart", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := img.WriteTo(w); err != nil {
		s.logger.Warn("Failed to write chart", zap.Error(err))
	}
}

// renderChart draws one line per region plus the dashed average. The x axis
// is the week index; ticks mark week 1 of each year.
func renderChart(series *SeriesResponse, regions []string) (io.WriterTo, error) {
	p := plot.New()
	p.Title.Text = "Influenza-like illness"
	p.X.Label.Text = "Epiweek"
	p.Y.Label.Text = "ILI (%)"
	p.Y.Min = 0
	p.X.Min = 0
	p.X.Max = float64(max(len(series.Weeks)-1, 0))
	p.Legend.Top = true
	p.Legend.Left = true
	p.X.Tick.Marker = yearTicks(series.Weeks)
	p.Add(plotter.NewGrid())

	for i, region := range regions {
		pts := points(series.Series[region])
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("plotting %s: %w", region, err)
		}
		line.Color = regionColors[i%len(regionColors)]
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(strings.ToUpper(region), line)
	}

	if pts := points(series.Average); len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("plotting average: %w", err)
		}
		line.Color = color.Black
		line.Width = vg.Points(1.5)
		line.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("Average", line)
	}

	return p.WriterTo(chartWidth, chartHeight, "png")
}

// points skips missing weeks so the line spans the gap.
func points(values []*float64) plotter.XYs {
	var pts plotter.XYs
	for i, v := range values {
		if v == nil {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i), Y: *v})
	}
	return pts
}

func yearTicks(weeks []int) plot.ConstantTicks {
	var ticks plot.ConstantTicks
	for i, w := range weeks {
		if year, week := epiweek.Split(w); week == 1 {
			ticks = append(ticks, plot.Tick{Value: float64(i), Label: fmt.Sprint(year)})
		}
	}
	if len(ticks) == 0 && len(weeks) > 0 {
		last := len(weeks) - 1
		ticks = append(ticks, plot.Tick{Value: 0, Label: epiweek.Format(weeks[0])})
		if last > 0 {
			ticks = append(ticks, plot.Tick{Value: float64(last), Label: epiweek.Format(weeks[last])})
		}
	}
	return ticks
}

// iliColor maps an ILI percentage onto a green to red scale over
// [scaleMin, scaleMax]. A missing value is grey.
func iliColor(ili *float64) string {
	if ili == nil {
		return noDataColor
	}
	v := math.Max(scaleMin, math.Min(scaleMax, *ili))
	t := (v - scaleMin) / (scaleMax - scaleMin)
	r := int(math.Round(255 * t))
	g := int(math.Round(255 * (1 - t)))
	return fmt.Sprintf("#%02x%02x00", r, g)
}
