package binning

import (
	"github.com/stevecastle/spadeval/volume"
)

// UpProject turns a normalised depth map into a rate volume over the log
// bins: bin i is 1 where low(i)/L <= d <= up(i)/L and 0 elsewhere.
//
// Both bounds are inclusive, so a depth lying exactly on an edge marks the
// two bins sharing it. The published checkpoints were trained on volumes
// built this way.
func (b *Binning) UpProject(d *volume.DepthMap) *volume.Histogram {
	out := volume.NewHistogram(b.NumBin, d.Height, d.Width)
	l := float32(b.LinearNumBin)
	for i := 0; i < b.NumBin; i++ {
		lo := float32(b.low[i]) / l
		hi := float32(b.up[i]) / l
		plane := out.Plane(i)
		for p, v := range d.Data {
			if v >= lo && v <= hi {
				plane[p] = 1
			}
		}
	}
	return out
}

// BoundaryHits counts the pixels of d that UpProject marks in more than one bin.
func (b *Binning) BoundaryHits(d *volume.DepthMap) int {
	l := float32(b.LinearNumBin)
	n := 0
	for _, v := range d.Data {
		for i := 1; i < b.NumBin; i++ {
			if v == float32(b.low[i])/l {
				n++
				break
			}
		}
	}
	return n
}
