package model

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/spadeval/binning"
	"github.com/stevecastle/spadeval/npyfile"
	"github.com/stevecastle/spadeval/volume"
)

func writeNpz(t *testing.T, arrays map[string]*npyfile.Array) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ckpt.npz")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, a := range arrays {
		w, err := zw.Create(name + ".npy")
		require.NoError(t, err)
		require.NoError(t, npyfile.Write(w, a))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func scalar(v float32) *npyfile.Array {
	return &npyfile.Array{Shape: []int{1}, Data: []float32{v}}
}

func TestRegistry(t *testing.T) {
	assert.True(t, Known(LogArgmaxName))
	assert.True(t, Known(SPADnetName))
	assert.False(t, Known("Unet"))
	assert.Contains(t, Names(), LogArgmaxName)

	_, err := New("Unet", DefaultOptions())
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestLoadCheckpointWrapped(t *testing.T) {
	p := writeNpz(t, map[string]*npyfile.Array{
		"state_dict/prior_weight": scalar(0.25),
		"epoch":                   scalar(12),
	})

	sd, err := LoadCheckpoint(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"prior_weight"}, sd.Keys())
	assert.Equal(t, []float32{0.25}, sd["prior_weight"].Data)
}

func TestLoadCheckpointFallsBackToRawMapping(t *testing.T) {
	p := writeNpz(t, map[string]*npyfile.Array{
		"prior_weight": scalar(0.75),
		"temperature":  scalar(2),
	})

	sd, err := LoadCheckpoint(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"prior_weight", "temperature"}, sd.Keys())
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.npz"))
	require.Error(t, err)
}

func TestApplyCheckpoint(t *testing.T) {
	m, err := New(LogArgmaxName, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, ApplyCheckpoint(m, StateDict{"temperature": scalar(0.5)}))
	params := m.Params()
	assert.Equal(t, []float32{0.5}, params["temperature"].Data)
	assert.Equal(t, []float32{0.5}, params["prior_weight"].Data, "untouched parameters keep their value")
}

func TestApplyCheckpointRejectsUnknownKey(t *testing.T) {
	m, err := New(LogArgmaxName, DefaultOptions())
	require.NoError(t, err)

	err = ApplyCheckpoint(m, StateDict{"conv1.weight": scalar(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conv1.weight")
}

func TestApplyCheckpointRejectsShapeMismatch(t *testing.T) {
	m, err := New(LogArgmaxName, DefaultOptions())
	require.NoError(t, err)

	err = ApplyCheckpoint(m, StateDict{"temperature": {Shape: []int{2}, Data: []float32{1, 1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestShapeMatchesWildcards(t *testing.T) {
	assert.True(t, shapeMatches([]int{-1, 3}, []int{7, 3}))
	assert.False(t, shapeMatches([]int{-1, 3}, []int{7, 4}))
	assert.False(t, shapeMatches([]int{3}, []int{3, 1}))
}

func TestLogArgmaxPicksPeakBin(t *testing.T) {
	b := binning.Default()
	m, err := New(LogArgmaxName, Options{Binning: b})
	require.NoError(t, err)
	defer m.Close()

	const peak = 40
	spad := volume.NewHistogram(b.NumBin, 4, 5)
	for i := range spad.Data {
		spad.Data[i] = 1
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			spad.Set(peak, y, x, 100)
		}
	}
	rates := volume.NewHistogram(b.NumBin, 4, 5)

	out, err := m.Infer(context.Background(), Input{Spad: spad, Rates: rates})
	require.NoError(t, err)
	require.Equal(t, 4, out.Depth.Height)
	require.Equal(t, 5, out.Depth.Width)
	for _, d := range out.Depth.Data {
		assert.InDelta(t, b.BinCenter(peak), d, 1e-6)
	}

	var sum float64
	for bin := 0; bin < b.NumBin; bin++ {
		sum += float64(out.Denoised.At(bin, 2, 3))
	}
	assert.InDelta(t, 1, sum, 1e-4)
}

func TestLogArgmaxBinTablesBuiltOnce(t *testing.T) {
	b, err := binning.New(4, 15, 2)
	require.NoError(t, err)
	m, err := New(LogArgmaxName, Options{Binning: b})
	require.NoError(t, err)
	la := m.(*logArgmax)
	require.Equal(t, b.Widths(), la.widths)
	require.Len(t, la.centers, b.NumBin)
	for i, c := range la.centers {
		assert.InDelta(t, b.BinCenter(i), c, 1e-6)
	}

	spad := volume.NewHistogram(b.NumBin, 2, 2)
	for i := range spad.Data {
		spad.Data[i] = float32(i%b.NumBin + 1)
	}
	in := Input{Spad: spad, Rates: volume.NewHistogram(b.NumBin, 2, 2)}
	first, err := m.Infer(context.Background(), in)
	require.NoError(t, err)
	second, err := m.Infer(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.Depth.Data, second.Depth.Data)
	assert.Equal(t, first.Denoised.Data, second.Denoised.Data)
}

func TestLogArgmaxRejectsMismatchedInputs(t *testing.T) {
	b := binning.Default()
	m, err := New(LogArgmaxName, Options{Binning: b})
	require.NoError(t, err)

	_, err = m.Infer(context.Background(), Input{
		Spad:  volume.NewHistogram(b.NumBin, 4, 4),
		Rates: volume.NewHistogram(b.NumBin, 4, 3),
	})
	require.Error(t, err)
}

func TestLogArgmaxHonoursCancellation(t *testing.T) {
	b := binning.Default()
	m, err := New(LogArgmaxName, Options{Binning: b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Infer(ctx, Input{Spad: volume.NewHistogram(b.NumBin, 1, 1), Rates: volume.NewHistogram(b.NumBin, 1, 1)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveSharedLibrary(t *testing.T) {
	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/explicit/lib.so", ResolveSharedLibrary("/explicit/lib.so"))
	assert.Equal(t, "/opt/ort/libonnxruntime.so", ResolveSharedLibrary(""))
}
