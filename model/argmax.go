package model

import (
	"context"
	"fmt"
	"math"

	"github.com/stevecastle/spadeval/binning"
	"github.com/stevecastle/spadeval/volume"
)

// LogArgmaxName is the registry name of the pure Go baseline.
const LogArgmaxName = "LogArgmax"

func init() {
	Register(LogArgmaxName, newLogArgmax)
}

// logArgmax is a classical peak finder used as a baseline and as a stand-in
// where no ONNX runtime is available. Each bin's counts are boosted by
// prior_weight times the monocular rate volume and divided by the bin width;
// the denoised histogram is that score normalised per pixel with a softmax
// of the given temperature, and the depth is the centre of the best bin.
type logArgmax struct {
	b           *binning.Binning
	widths      []int
	centers     []float32
	priorWeight float32
	temperature float32
}

func newLogArgmax(opts Options) (Model, error) {
	m := &logArgmax{
		b:           opts.Binning,
		widths:      opts.Binning.Widths(),
		centers:     make([]float32, opts.Binning.NumBin),
		priorWeight: 0.5,
		temperature: 1,
	}
	for i := range m.centers {
		m.centers[i] = float32(opts.Binning.BinCenter(i))
	}
	return m, nil
}

func (m *logArgmax) Name() string { return LogArgmaxName }

func (m *logArgmax) Params() StateDict {
	return StateDict{
		"prior_weight": {Shape: []int{1}, Data: []float32{m.priorWeight}},
		"temperature":  {Shape: []int{1}, Data: []float32{m.temperature}},
	}
}

func (m *logArgmax) LoadParams(sd StateDict) error {
	if err := checkParams(m.Params(), sd); err != nil {
		return err
	}
	if p, ok := sd["prior_weight"]; ok {
		m.priorWeight = p.Data[0]
	}
	if p, ok := sd["temperature"]; ok {
		if p.Data[0] <= 0 {
			return fmt.Errorf("temperature must be positive, got %v", p.Data[0])
		}
		m.temperature = p.Data[0]
	}
	return nil
}

func (m *logArgmax) Infer(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	s, r := in.Spad, in.Rates
	if s.Bins != m.b.NumBin || r.Bins != m.b.NumBin || s.Height != r.Height || s.Width != r.Width {
		return Output{}, fmt.Errorf("input shapes %dx%dx%d / %dx%dx%d do not match %d log bins",
			s.Bins, s.Height, s.Width, r.Bins, r.Height, r.Width, m.b.NumBin)
	}
	denoised := volume.NewHistogram(s.Bins, s.Height, s.Width)
	depth := volume.NewDepthMap(s.Height, s.Width)
	score := make([]float64, s.Bins)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			best, bestScore := 0, math.Inf(-1)
			for b := 0; b < s.Bins; b++ {
				v := float64(s.At(b, y, x)) * (1 + float64(m.priorWeight*r.At(b, y, x))) / float64(m.widths[b])
				score[b] = v
				if v > bestScore {
					best, bestScore = b, v
				}
			}
			var sum float64
			for b, v := range score {
				e := math.Exp((v - bestScore) / float64(m.temperature))
				score[b] = e
				sum += e
			}
			for b, v := range score {
				denoised.Set(b, y, x, float32(v/sum))
			}
			depth.Set(y, x, m.centers[best])
		}
	}
	return Output{Denoised: denoised, Depth: depth}, nil
}

func (m *logArgmax) Close() error { return nil }
