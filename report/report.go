// Package report renders plots and depth previews for finished runs.
package report

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/stevecastle/spadeval/metrics"
	"github.com/stevecastle/spadeval/store"
	"github.com/stevecastle/spadeval/volume"
)

// File names written by Write.
const (
	RMSEPlotFile      = "rmse_per_frame.png"
	RMSEHistogramFile = "rmse_histogram.png"
	PreviewFile       = "preview.png"
	NoiseSweepFile    = "rmse_by_noise.png"
)

// PreviewWidth is the width of each half of the depth preview.
const PreviewWidth = 320

// Write renders the per-frame plots for a run, and the depth preview when
// pred and gt are given, into dir. It returns the files written.
func Write(dir string, run store.Run, frames []store.Frame, pred, gt *volume.DepthMap) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	title := fmt.Sprintf("%s noise %d", run.Model, run.Noise)

	var written []string
	if len(frames) > 0 {
		p := filepath.Join(dir, RMSEPlotFile)
		if err := RMSEPlot(frames, title, p); err != nil {
			return written, err
		}
		written = append(written, p)

		p = filepath.Join(dir, RMSEHistogramFile)
		if err := RMSEHistogram(frames, title, p); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	if pred != nil && gt != nil {
		p := filepath.Join(dir, PreviewFile)
		if err := DepthPreview(pred, gt, PreviewWidth, p); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	return written, nil
}

func rmseMeters(frames []store.Frame) plotter.Values {
	v := make(plotter.Values, len(frames))
	for i, f := range frames {
		v[i] = f.RMSE
	}
	return v
}

// RMSEPlot draws per-frame RMSE in evaluation order.
func RMSEPlot(frames []store.Frame, title, path string) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to plot")
	}
	p := plot.New()
	p.Title.Text = title + " - RMSE per frame"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "RMSE (m)"

	pts := make(plotter.XYs, len(frames))
	for i, f := range frames {
		pts[i] = plotter.XY{X: float64(f.Index), Y: f.RMSE}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("rmse line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(line, plotter.NewGrid())

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save rmse plot: %w", err)
	}
	return nil
}

// RMSEHistogram draws the distribution of per-frame RMSE.
func RMSEHistogram(frames []store.Frame, title, path string) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to plot")
	}
	p := plot.New()
	p.Title.Text = title + " - RMSE distribution"
	p.X.Label.Text = "RMSE (m)"
	p.Y.Label.Text = "Frames"

	bins := int(math.Ceil(math.Sqrt(float64(len(frames)))))
	h, err := plotter.NewHist(rmseMeters(frames), bins)
	if err != nil {
		return fmt.Errorf("rmse histogram: %w", err)
	}
	p.Add(h)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save rmse histogram: %w", err)
	}
	return nil
}

// NoiseSweep plots the final RMSE of completed runs against their noise
// level, one line per model.
func NoiseSweep(runs []store.Run, path string) error {
	byModel := make(map[string]plotter.XYs)
	for _, r := range runs {
		v, ok := r.Metrics[metrics.RMSE]
		if r.Status != store.RunCompleted || !ok {
			continue
		}
		byModel[r.Model] = append(byModel[r.Model], plotter.XY{X: float64(r.Noise), Y: v})
	}
	if len(byModel) == 0 {
		return fmt.Errorf("no completed runs to plot")
	}

	p := plot.New()
	p.Title.Text = "RMSE by noise level"
	p.X.Label.Text = "Noise level"
	p.Y.Label.Text = "RMSE (m)"
	p.Add(plotter.NewGrid())

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for i, m := range models {
		pts := byModel[m]
		sort.Slice(pts, func(a, b int) bool { return pts[a].X < pts[b].X })
		line, scatter, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		line.Color = plotColor(i)
		scatter.Color = plotColor(i)
		p.Add(line, scatter)
		p.Legend.Add(m, line, scatter)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save noise sweep: %w", err)
	}
	return nil
}

var palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
}

func plotColor(i int) color.Color { return palette[i%len(palette)] }

// gray maps depths to grey levels, near is dark and far is bright, sharing
// the [lo, hi] range so the two halves of a preview are comparable.
func gray(d *volume.DepthMap, lo, hi float32) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, d.Width, d.Height))
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			v := (d.At(y, x) - lo) * scale
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v + 0.5)})
		}
	}
	return img
}

func depthRange(maps ...*volume.DepthMap) (lo, hi float32) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, d := range maps {
		for _, v := range d.Data {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

// DepthPreview writes prediction | ground truth side by side as a grey-scale
// PNG, each half resized to width pixels wide.
func DepthPreview(pred, gt *volume.DepthMap, width int, path string) error {
	if pred.Height != gt.Height || pred.Width != gt.Width {
		return fmt.Errorf("prediction %dx%d and ground truth %dx%d differ", pred.Height, pred.Width, gt.Height, gt.Width)
	}
	if pred.Width == 0 || pred.Height == 0 {
		return fmt.Errorf("empty depth map")
	}
	lo, hi := depthRange(pred, gt)

	w := width
	h := int(math.Round(float64(pred.Height) * float64(w) / float64(pred.Width)))
	if h < 1 {
		h = 1
	}
	left := resize.Resize(uint(w), uint(h), gray(pred, lo, hi), resize.Bilinear)
	right := resize.Resize(uint(w), uint(h), gray(gt, lo, hi), resize.Bilinear)

	out := image.NewRGBA(image.Rect(0, 0, w*2, h))
	draw.Draw(out, image.Rect(0, 0, w, h), left, left.Bounds().Min, draw.Src)
	draw.Draw(out, image.Rect(w, 0, w*2, h), right, right.Bounds().Min, draw.Src)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create preview dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create preview: %w", err)
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	return f.Close()
}
