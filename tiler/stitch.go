package tiler

import (
	"context"
	"fmt"

	"github.com/stevecastle/spadeval/binning"
	"github.com/stevecastle/spadeval/model"
	"github.com/stevecastle/spadeval/volume"
)

// Stitcher runs a model over every patch of a frame and assembles the
// per-patch depth estimates into one prediction.
type Stitcher struct {
	Model   model.Model
	Binning *binning.Binning
	Patch   int
	Stride  int
}

// NewStitcher returns a Stitcher with the default 128/64 patch layout.
func NewStitcher(m model.Model, b *binning.Binning) *Stitcher {
	return &Stitcher{Model: m, Binning: b, Patch: DefaultPatch, Stride: DefaultStride}
}

// Frame predicts a full depth map from a linear histogram and a monocular
// depth prior of the same spatial size. The histogram is rebinned and the
// prior up-projected once per frame; both are per-pixel, so slicing them
// afterwards gives the same patches as transforming each slice.
func (s *Stitcher) Frame(ctx context.Context, spad *volume.Histogram, mono *volume.DepthMap) (*volume.DepthMap, error) {
	if spad.Height != mono.Height || spad.Width != mono.Width {
		return nil, fmt.Errorf("histogram is %dx%d, prior is %dx%d", spad.Height, spad.Width, mono.Height, mono.Width)
	}
	t, err := New(spad.Height, spad.Width, s.Patch, s.Stride)
	if err != nil {
		return nil, err
	}

	logSpad, err := s.Binning.Rebin(spad)
	if err != nil {
		return nil, err
	}
	rates := s.Binning.UpProject(mono)

	out := volume.NewDepthMap(t.Height, t.Width)
	err = t.Each(func(i, j int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := t.PatchRect(i, j)
		sp, err := logSpad.Patch(r)
		if err != nil {
			return err
		}
		rp, err := rates.Patch(r)
		if err != nil {
			return err
		}
		res, err := s.Model.Infer(ctx, model.Input{Spad: sp, Rates: rp})
		if err != nil {
			return fmt.Errorf("patch (%d,%d) %s: %w", i, j, r, err)
		}
		if res.Depth == nil || res.Depth.Height != r.Dy() || res.Depth.Width != r.Dx() {
			return fmt.Errorf("patch (%d,%d): model returned wrong depth size for %s", i, j, r)
		}
		owned := t.Owned(i, j)
		return out.Blit(res.Depth, t.Local(i, j), owned.Top, owned.Left)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
