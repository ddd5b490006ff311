package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/spadeval/npyfile"
	"github.com/stevecastle/spadeval/volume"
)

// Sample file layout for frame F of scene S:
//
//	<spad_datapath>/S/spad_F.npy       linear histogram, bins x H x W
//	<spad_datapath>/S/depth_F.npy      ground truth, H x W, normalised
//	<spad_datapath>/S/intensity_F.npy  optional, H x W
//	<spad_datapath>/S/mask_F.npy       optional, H x W, nonzero = valid
//	<mono_datapath>/S/mono_F.npy       monocular prior, H x W, normalised
const (
	spadPrefix      = "spad_"
	depthPrefix     = "depth_"
	intensityPrefix = "intensity_"
	maskPrefix      = "mask_"
	monoPrefix      = "mono_"
)

// LoadSample reads the arrays of one frame. A missing mask defaults to the
// pixels with positive ground-truth depth.
func LoadSample(spadPath, monoDatapath string, linearNumBin int) (*volume.Sample, error) {
	dir, base := filepath.Split(spadPath)
	if !strings.HasPrefix(base, spadPrefix) {
		return nil, fmt.Errorf("%s: file name must start with %s", spadPath, spadPrefix)
	}
	frame := strings.TrimPrefix(base, spadPrefix)
	ext := filepath.Ext(frame)
	sibling := func(prefix string) string { return filepath.Join(dir, prefix+frame) }
	scene := filepath.Base(filepath.Clean(dir))

	s := &volume.Sample{Filename: spadPath}

	spad, err := npyfile.ReadFile(spadPath)
	if err != nil {
		return nil, err
	}
	if s.Spad, err = histogram(spad, linearNumBin); err != nil {
		return nil, fmt.Errorf("%s: %w", spadPath, err)
	}

	if s.Depth, err = readDepth(sibling(depthPrefix)); err != nil {
		return nil, err
	}
	monoPath := filepath.Join(monoDatapath, scene, monoPrefix+strings.TrimSuffix(frame, ext)+".npy")
	if s.MonoPred, err = readDepth(monoPath); err != nil {
		return nil, err
	}

	if d, err := readDepth(sibling(intensityPrefix)); err == nil {
		s.Intensity = d
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	m, err := readDepth(sibling(maskPrefix))
	switch {
	case err == nil:
		s.Mask = maskFrom(m, func(v float32) bool { return v != 0 })
	case errors.Is(err, os.ErrNotExist):
		s.Mask = maskFrom(s.Depth, func(v float32) bool { return v > 0 })
	default:
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// squeeze drops leading singleton batch and channel dimensions.
func squeeze(shape []int, rank int) []int {
	for len(shape) > rank && shape[0] == 1 {
		shape = shape[1:]
	}
	return shape
}

func histogram(a *npyfile.Array, bins int) (*volume.Histogram, error) {
	shape := squeeze(a.Shape, 3)
	if len(shape) != 3 || shape[0] != bins {
		return nil, fmt.Errorf("histogram shape %v, want (%d, H, W)", a.Shape, bins)
	}
	return &volume.Histogram{Bins: shape[0], Height: shape[1], Width: shape[2], Data: a.Data}, nil
}

func readDepth(path string) (*volume.DepthMap, error) {
	a, err := npyfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	shape := squeeze(a.Shape, 2)
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s: shape %v, want (H, W)", path, a.Shape)
	}
	return &volume.DepthMap{Height: shape[0], Width: shape[1], Data: a.Data}, nil
}

func maskFrom(d *volume.DepthMap, valid func(float32) bool) *volume.Mask {
	m := volume.NewMask(d.Height, d.Width)
	for i, v := range d.Data {
		m.Data[i] = valid(v)
	}
	return m
}
