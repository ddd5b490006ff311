package binning

import (
	"fmt"

	"github.com/stevecastle/spadeval/volume"
)

// Rebin sums contiguous linear bins into the log-scale histogram. The input
// must have exactly LinearNumBin time bins.
func (b *Binning) Rebin(h *volume.Histogram) (*volume.Histogram, error) {
	if h.Bins != b.LinearNumBin {
		return nil, fmt.Errorf("rebin: histogram has %d bins, want %d", h.Bins, b.LinearNumBin)
	}
	out := volume.NewHistogram(b.NumBin, h.Height, h.Width)
	for i := 0; i < b.NumBin; i++ {
		dst := out.Plane(i)
		for k := b.low[i]; k < b.up[i]; k++ {
			src := h.Plane(k)
			for p, v := range src {
				dst[p] += v
			}
		}
	}
	return out, nil
}
