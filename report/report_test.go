package report

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/spadeval/metrics"
	"github.com/stevecastle/spadeval/store"
	"github.com/stevecastle/spadeval/volume"
)

func ramp(h, w int, scale float32) *volume.DepthMap {
	d := volume.NewDepthMap(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d.Set(y, x, scale*float32(x)/float32(w))
		}
	}
	return d
}

func testFrames() []store.Frame {
	return []store.Frame{
		{Index: 0, Filename: "a.npy", RMSE: 0.21},
		{Index: 1, Filename: "b.npy", RMSE: 0.35},
		{Index: 2, Filename: "c.npy", RMSE: 0.18},
		{Index: 3, Filename: "d.npy", RMSE: 0.4},
	}
}

func TestWriteRendersAllFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "report")
	run := store.Run{Model: "SPADnet", Noise: 4}

	files, err := Write(dir, run, testFrames(), ramp(48, 64, 1), ramp(48, 64, 0.9))
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Positive(t, info.Size(), f)
	}
}

func TestWriteWithoutPreview(t *testing.T) {
	files, err := Write(t.TempDir(), store.Run{Model: "m"}, testFrames(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDepthPreviewSideBySide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.png")
	require.NoError(t, DepthPreview(ramp(30, 60, 1), ramp(30, 60, 1), 100, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestDepthPreviewShapeMismatch(t *testing.T) {
	err := DepthPreview(ramp(10, 10, 1), ramp(10, 12, 1), 20, filepath.Join(t.TempDir(), "p.png"))
	assert.Error(t, err)
}

func TestGrayScaling(t *testing.T) {
	d := volume.NewDepthMap(1, 3)
	d.Data = []float32{0, 0.5, 1}
	img := gray(d, 0, 1)
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(128), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(2, 0).Y)

	flat := gray(d, 0.5, 0.5)
	assert.Equal(t, uint8(0), flat.GrayAt(2, 0).Y)
}

func TestNoiseSweep(t *testing.T) {
	runs := []store.Run{
		{Model: "SPADnet", Noise: 2, Status: store.RunCompleted, Metrics: metrics.Summary{metrics.RMSE: 0.3}},
		{Model: "SPADnet", Noise: 1, Status: store.RunCompleted, Metrics: metrics.Summary{metrics.RMSE: 0.2}},
		{Model: "LogArgmax", Noise: 1, Status: store.RunCompleted, Metrics: metrics.Summary{metrics.RMSE: 0.5}},
		{Model: "SPADnet", Noise: 3, Status: store.RunError},
	}
	path := filepath.Join(t.TempDir(), NoiseSweepFile)
	require.NoError(t, NoiseSweep(runs, path))
	_, err := os.Stat(path)
	assert.NoError(t, err)

	assert.Error(t, NoiseSweep(runs[3:], path), "only failed runs")
}
