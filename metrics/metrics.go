// Package metrics accumulates depth-estimation error statistics over an
// evaluation run. Every per-frame metric is weighted by the frame's number
// of valid pixels, so the finalized values are per-pixel averages over the
// whole dataset rather than averages of per-frame averages.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/stevecastle/spadeval/volume"
)

// DepthScale converts normalised depth to meters.
const DepthScale = 12.276

// Border widths cropped before scoring; stitching artifacts concentrate there.
const (
	BorderTop    = 17
	BorderLeft   = 17
	BorderBottom = 15
	BorderRight  = 15
)

// Metric names as written to the summary file.
const (
	Delta1     = "delta1"
	Delta2     = "delta2"
	Delta3     = "delta3"
	RelAbsDiff = "rel_abs_diff"
	RelSqrDiff = "rel_sqr_diff"
	RMSE       = "rmse"
)

// Names lists the metrics in report order.
var Names = []string{Delta1, Delta2, Delta3, RelAbsDiff, RelSqrDiff, RMSE}

var thresholds = map[string]float64{
	Delta1: 1.25,
	Delta2: 1.25 * 1.25,
	Delta3: 1.25 * 1.25 * 1.25,
}

// ErrNoValidPixels is returned when finalizing a run that never saw a valid pixel.
var ErrNoValidPixels = errors.New("no valid pixels accumulated")

// FrameResult holds one frame's metrics, in meters.
type FrameResult struct {
	ValidPixels  int
	Delta1       float64
	Delta2       float64
	Delta3       float64
	RelAbsDiff   float64
	RelSqrDiff   float64
	SquaredError float64
	RMSE         float64
}

// Crop returns the scored region of an HxW frame.
func Crop(height, width int) (volume.Rect, error) {
	r := volume.Rect{Top: BorderTop, Left: BorderLeft, Bottom: height - BorderBottom, Right: width - BorderRight}
	if r.Empty() {
		return r, fmt.Errorf("frame %dx%d is smaller than the scoring border", height, width)
	}
	return r, nil
}

// Accumulator sums weighted metrics across frames. It is not safe for
// concurrent use; the evaluation loop is its only writer.
type Accumulator struct {
	sums   map[string]float64
	sqErr  float64
	pixels int
	frames int
}

// NewAccumulator returns a zeroed accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{sums: make(map[string]float64)}
}

// Frames returns the number of frames added.
func (a *Accumulator) Frames() int { return a.frames }

// ValidPixels returns the running valid-pixel count.
func (a *Accumulator) ValidPixels() int { return a.pixels }

// Add scores one frame. pred and gt are normalised depths; mask selects the
// pixels that count. A frame with no valid pixels is counted but adds
// nothing to the sums.
func (a *Accumulator) Add(pred, gt *volume.DepthMap, mask *volume.Mask) (FrameResult, error) {
	if pred.Height != gt.Height || pred.Width != gt.Width || mask.Height != gt.Height || mask.Width != gt.Width {
		return FrameResult{}, fmt.Errorf("prediction %dx%d, ground truth %dx%d and mask %dx%d differ",
			pred.Height, pred.Width, gt.Height, gt.Width, mask.Height, mask.Width)
	}

	n := mask.Count()
	p := make([]float64, 0, n)
	g := make([]float64, 0, n)
	for i, ok := range mask.Data {
		if ok {
			p = append(p, float64(pred.Data[i])*DepthScale)
			g = append(g, float64(gt.Data[i])*DepthScale)
		}
	}
	a.frames++
	if n == 0 {
		return FrameResult{}, nil
	}

	res := score(p, g)
	w := float64(n)
	a.sums[Delta1] += res.Delta1 * w
	a.sums[Delta2] += res.Delta2 * w
	a.sums[Delta3] += res.Delta3 * w
	a.sums[RelAbsDiff] += res.RelAbsDiff * w
	a.sums[RelSqrDiff] += res.RelSqrDiff * w
	a.sqErr += res.SquaredError
	a.pixels += n
	return res, nil
}

// score computes the metrics of paired depths in meters.
func score(p, g []float64) FrameResult {
	n := len(p)
	diff := make([]float64, n)
	floats.SubTo(diff, p, g)

	ratio := make([]float64, n)
	absRel := make([]float64, n)
	sqRel := make([]float64, n)
	for i := range p {
		ratio[i] = math.Max(p[i]/g[i], g[i]/p[i])
		absRel[i] = math.Abs(diff[i]) / g[i]
		sqRel[i] = diff[i] * diff[i] / g[i]
	}

	sq := floats.Dot(diff, diff)
	res := FrameResult{
		ValidPixels:  n,
		RelAbsDiff:   stat.Mean(absRel, nil),
		RelSqrDiff:   stat.Mean(sqRel, nil),
		SquaredError: sq,
		RMSE:         math.Sqrt(sq / float64(n)),
	}
	res.Delta1 = fractionBelow(ratio, thresholds[Delta1])
	res.Delta2 = fractionBelow(ratio, thresholds[Delta2])
	res.Delta3 = fractionBelow(ratio, thresholds[Delta3])
	return res
}

func fractionBelow(xs []float64, th float64) float64 {
	c := 0
	for _, x := range xs {
		if x < th {
			c++
		}
	}
	return float64(c) / float64(len(xs))
}

// Finalize divides every sum by the valid-pixel count; rmse is the square
// root of the mean squared error.
func (a *Accumulator) Finalize() (Summary, error) {
	if a.pixels == 0 {
		return nil, ErrNoValidPixels
	}
	n := float64(a.pixels)
	s := make(Summary, len(Names))
	for _, name := range Names {
		s[name] = a.sums[name] / n
	}
	s[RMSE] = math.Sqrt(a.sqErr / n)
	return s, nil
}

// Summary maps metric names to their final values.
type Summary map[string]float64

// WriteJSON writes the summary as a flat JSON object, creating parent
// directories as needed.
func (s Summary) WriteJSON(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadJSON loads a summary written by WriteJSON.
func ReadJSON(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, nil
}
