// Package tiler runs a depth model over a full SPAD frame in overlapping
// square patches and stitches the per-patch predictions back together.
//
// Patches of size P = 2S are placed every S pixels, so neighbours overlap by
// half a patch. Each patch owns the part of itself no closer patch covers:
// everything on a frame edge, and all but S/2 pixels on the sides it shares
// with a neighbour. The last row and column of patches are clipped to the
// frame, which lets their owned regions absorb any remainder when the frame
// size is not a multiple of S.
package tiler

import (
	"errors"
	"fmt"

	"github.com/stevecastle/spadeval/volume"
)

const (
	// DefaultPatch is the spatial size the network was trained on.
	DefaultPatch = 128
	// DefaultStride gives 50% overlap between neighbouring patches.
	DefaultStride = 64
)

// ErrFrameTooSmall is returned when the frame cannot hold a full patch.
var ErrFrameTooSmall = errors.New("frame smaller than patch")

// Tiling is the patch layout of one frame.
type Tiling struct {
	Height  int
	Width   int
	Patch   int
	Stride  int
	NumRows int
	NumCols int
}

// New computes the patch grid for an HxW frame: floor(H/S) rows and
// floor(W/S) columns.
func New(height, width, patch, stride int) (Tiling, error) {
	if stride <= 0 || stride%2 != 0 || patch != 2*stride {
		return Tiling{}, fmt.Errorf("patch %d must be twice an even stride, got stride %d", patch, stride)
	}
	t := Tiling{
		Height:  height,
		Width:   width,
		Patch:   patch,
		Stride:  stride,
		NumRows: height / stride,
		NumCols: width / stride,
	}
	if height < patch || width < patch {
		return t, fmt.Errorf("%w: %dx%d < %d", ErrFrameTooSmall, height, width, patch)
	}
	return t, nil
}

// PatchRect returns the frame region read by patch (i, j), clipped to the frame.
func (t Tiling) PatchRect(i, j int) volume.Rect {
	return volume.Rect{
		Top:    i * t.Stride,
		Left:   j * t.Stride,
		Bottom: min(i*t.Stride+t.Patch, t.Height),
		Right:  min(j*t.Stride+t.Patch, t.Width),
	}
}

// Local returns the region of patch (i, j), in patch coordinates, that is
// written to the output frame.
func (t Tiling) Local(i, j int) volume.Rect {
	trim := t.Stride / 2
	p := t.PatchRect(i, j)
	r := volume.Rect{Top: trim, Left: trim, Bottom: t.Patch - trim, Right: t.Patch - trim}
	if i == 0 {
		r.Top = 0
	}
	if i == t.NumRows-1 {
		r.Bottom = p.Dy()
	}
	if j == 0 {
		r.Left = 0
	}
	if j == t.NumCols-1 {
		r.Right = p.Dx()
	}
	return r
}

// Owned returns the frame region patch (i, j) writes.
func (t Tiling) Owned(i, j int) volume.Rect {
	l := t.Local(i, j)
	return volume.Rect{
		Top:    i*t.Stride + l.Top,
		Left:   j*t.Stride + l.Left,
		Bottom: i*t.Stride + l.Bottom,
		Right:  j*t.Stride + l.Right,
	}
}

// Covered returns the union of all owned regions.
func (t Tiling) Covered() volume.Rect {
	r := t.Owned(t.NumRows-1, t.NumCols-1)
	return volume.Rect{Bottom: r.Bottom, Right: r.Right}
}

// Count returns the number of patches.
func (t Tiling) Count() int { return t.NumRows * t.NumCols }

// Each calls fn for every patch in row-major order and stops at the first error.
func (t Tiling) Each(fn func(i, j int) error) error {
	for i := 0; i < t.NumRows; i++ {
		for j := 0; j < t.NumCols; j++ {
			if err := fn(i, j); err != nil {
				return err
			}
		}
	}
	return nil
}
