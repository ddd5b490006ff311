package binning

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/spadeval/volume"
)

func TestDefaultEdges(t *testing.T) {
	b := Default()

	require.Len(t, b.Widths(), DefaultNumBin)
	for i := 0; i < b.NumBin; i++ {
		low, up := b.Range(i)
		assert.Less(t, low, up, "bin %d", i+1)
		assert.LessOrEqual(t, up, b.LinearNumBin, "bin %d", i+1)
		if i > 0 {
			_, prevUp := b.Range(i - 1)
			assert.Equal(t, prevUp, low, "bin %d must start where bin %d ends", i+1, i)
		}
	}
	_, last := b.Range(b.NumBin - 1)
	assert.Equal(t, DefaultLinearNumBin, last)

	low, up := b.Range(0)
	assert.Equal(t, 0, low)
	assert.Equal(t, 1, up)
}

func TestNewRejectsMismatchedRatio(t *testing.T) {
	_, err := New(128, 1024, 1.03)
	require.ErrorIs(t, err, ErrBadEdges)

	_, err = New(128, 1024, 1.0)
	require.Error(t, err)

	_, err = New(0, 1024, DefaultQ)
	require.Error(t, err)
}

func TestRebinConstantHistogram(t *testing.T) {
	b := Default()
	h := volume.NewHistogram(DefaultLinearNumBin, 2, 3)
	for i := range h.Data {
		h.Data[i] = 1
	}

	out, err := b.Rebin(h)
	require.NoError(t, err)
	require.Equal(t, DefaultNumBin, out.Bins)

	widths := b.Widths()
	total := 0
	for i, w := range widths {
		total += w
		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				assert.Equal(t, float32(w), out.At(i, y, x), "bin %d pixel (%d,%d)", i, y, x)
			}
		}
	}
	assert.Equal(t, 1024, total)

	var pixelSum float32
	for i := 0; i < out.Bins; i++ {
		pixelSum += out.At(i, 1, 2)
	}
	assert.Equal(t, float32(1024), pixelSum)
}

func TestRebinPreservesTotal(t *testing.T) {
	b := Default()
	rng := rand.New(rand.NewSource(7))
	h := volume.NewHistogram(DefaultLinearNumBin, 4, 4)
	for i := range h.Data {
		h.Data[i] = float32(rng.Intn(5))
	}

	out, err := b.Rebin(h)
	require.NoError(t, err)
	assert.Equal(t, h.Total(), out.Total())
}

func TestRebinRejectsWrongBinCount(t *testing.T) {
	b := Default()
	_, err := b.Rebin(volume.NewHistogram(512, 1, 1))
	require.Error(t, err)
}

func TestUpProjectOneHot(t *testing.T) {
	b := Default()
	d := volume.NewDepthMap(2, 2)
	for i := range d.Data {
		d.Data[i] = 0.5
	}

	rates := b.UpProject(d)
	require.Equal(t, DefaultNumBin, rates.Bins)

	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			var hot []int
			for i := 0; i < rates.Bins; i++ {
				if rates.At(i, y, x) == 1 {
					hot = append(hot, i)
				}
			}
			require.Len(t, hot, 1)
			lo, hi := b.DepthRange(hot[0])
			assert.LessOrEqual(t, lo, 0.5)
			assert.GreaterOrEqual(t, hi, 0.5)
		}
	}
	assert.Equal(t, 0, b.BoundaryHits(d))
}

func TestUpProjectBoundaryMarksTwoBins(t *testing.T) {
	b := Default()
	low, _ := b.Range(102)
	d := volume.NewDepthMap(1, 1)
	d.Data[0] = float32(low) / float32(b.LinearNumBin)

	rates := b.UpProject(d)
	var hot []int
	for i := 0; i < rates.Bins; i++ {
		if rates.At(i, 0, 0) == 1 {
			hot = append(hot, i)
		}
	}
	assert.Equal(t, []int{101, 102}, hot)
	assert.Equal(t, 1, b.BoundaryHits(d))
}

func TestUpProjectOutsideRange(t *testing.T) {
	b := Default()
	d := volume.NewDepthMap(1, 1)
	d.Data[0] = 1.5

	rates := b.UpProject(d)
	assert.Equal(t, 0.0, rates.Total())
}
