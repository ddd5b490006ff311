//go:build cgo
// +build cgo

package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/stevecastle/spadeval/binning"
	"github.com/stevecastle/spadeval/npyfile"
	"github.com/stevecastle/spadeval/volume"
	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	Register(SPADnetName, newSPADnet)
}

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes the onnxruntime environment on first use.
func acquireEnvironment(lib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Printf("Failed to destroy onnxruntime environment: %v", err)
		}
	}
}

// spadnet runs an exported SPADnet graph. The graph is expected to keep its
// initializers as inputs, so every input other than the spad and rate
// tensors is a parameter that a checkpoint may override.
type spadnet struct {
	opts Options
	b    *binning.Binning

	// Parameter shapes declared by the graph.
	template StateDict
	// Parameters loaded from a checkpoint, fed on every run.
	params StateDict

	denoisedShape ort.Shape
	depthShape    ort.Shape

	session  *ort.AdvancedSession
	spadT    *ort.Tensor[float32]
	ratesT   *ort.Tensor[float32]
	denoiseT *ort.Tensor[float32]
	depthT   *ort.Tensor[float32]
	paramT   []*ort.Tensor[float32]
	closed   bool
}

func newSPADnet(opts Options) (Model, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("SPADnet needs an onnx_model path")
	}
	if opts.PatchSize <= 0 {
		return nil, fmt.Errorf("invalid patch size %d", opts.PatchSize)
	}
	if err := acquireEnvironment(ResolveSharedLibrary(opts.ORTSharedLibraryPath)); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to inspect %s: %w", opts.ModelPath, err)
	}

	m := &spadnet{opts: opts, b: opts.Binning, template: make(StateDict), params: make(StateDict)}
	seen := map[string]bool{}
	for _, in := range inputs {
		seen[in.Name] = true
		if in.Name == opts.SpadInputName || in.Name == opts.RatesInputName {
			continue
		}
		if in.DataType != ort.TensorElementDataTypeFloat {
			releaseEnvironment()
			return nil, fmt.Errorf("graph input %s has unsupported type %v", in.Name, in.DataType)
		}
		shape := make([]int, len(in.Dimensions))
		for i, d := range in.Dimensions {
			shape[i] = int(d)
		}
		m.template[in.Name] = &npyfile.Array{Shape: shape}
	}
	for _, name := range []string{opts.SpadInputName, opts.RatesInputName} {
		if !seen[name] {
			releaseEnvironment()
			return nil, fmt.Errorf("graph %s has no input named %q", opts.ModelPath, name)
		}
	}
	for _, out := range outputs {
		switch out.Name {
		case opts.DenoisedOutput:
			m.denoisedShape = m.concrete(out.Dimensions)
		case opts.DepthOutputName:
			m.depthShape = m.concrete(out.Dimensions)
		}
	}
	if m.denoisedShape == nil || m.depthShape == nil {
		releaseEnvironment()
		return nil, fmt.Errorf("graph %s must have outputs %q and %q", opts.ModelPath, opts.DenoisedOutput, opts.DepthOutputName)
	}
	log.Printf("Loaded SPADnet graph %s (%d parameter inputs)", opts.ModelPath, len(m.template))
	return m, nil
}

// concrete replaces dynamic dimensions: batch and channel become 1, the two
// spatial dimensions become the patch size and the bin axis of a 5-D
// tensor becomes NumBin.
func (m *spadnet) concrete(dims ort.Shape) ort.Shape {
	out := make(ort.Shape, len(dims))
	n := len(dims)
	for i, d := range dims {
		switch {
		case d >= 0:
			out[i] = d
		case i >= n-2:
			out[i] = int64(m.opts.PatchSize)
		case n == 5 && i == 2:
			out[i] = int64(m.b.NumBin)
		default:
			out[i] = 1
		}
	}
	return out
}

func (m *spadnet) Name() string { return SPADnetName }

func (m *spadnet) Params() StateDict {
	out := make(StateDict, len(m.params))
	for k, v := range m.params {
		out[k] = v
	}
	return out
}

func (m *spadnet) LoadParams(sd StateDict) error {
	if err := checkParams(m.template, sd); err != nil {
		return err
	}
	for k, v := range sd {
		m.params[k] = v
	}
	// Parameter tensors are bound at session creation.
	m.destroySession()
	return nil
}

func (m *spadnet) buildSession() error {
	p := int64(m.opts.PatchSize)
	inShape := ort.NewShape(1, 1, int64(m.b.NumBin), p, p)
	var err error
	if m.spadT, err = ort.NewEmptyTensor[float32](inShape); err != nil {
		return err
	}
	if m.ratesT, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(m.b.NumBin), p, p)); err != nil {
		return err
	}
	if m.denoiseT, err = ort.NewEmptyTensor[float32](m.denoisedShape); err != nil {
		return err
	}
	if m.depthT, err = ort.NewEmptyTensor[float32](m.depthShape); err != nil {
		return err
	}

	names := []string{m.opts.SpadInputName, m.opts.RatesInputName}
	values := []ort.Value{m.spadT, m.ratesT}
	for _, k := range m.params.Keys() {
		arr := m.params[k]
		dims := make([]int64, len(arr.Shape))
		for i, d := range arr.Shape {
			dims[i] = int64(d)
		}
		t, err := ort.NewTensor(ort.NewShape(dims...), arr.Data)
		if err != nil {
			return fmt.Errorf("failed to create tensor for %s: %w", k, err)
		}
		m.paramT = append(m.paramT, t)
		names = append(names, k)
		values = append(values, t)
	}

	var sessionOpts *ort.SessionOptions
	if m.opts.GPU != "" && m.opts.GPU != "cpu" {
		sessionOpts, err = cudaSessionOptions(m.opts.GPU)
		if err != nil {
			return err
		}
		defer sessionOpts.Destroy()
	}

	m.session, err = ort.NewAdvancedSession(m.opts.ModelPath,
		names,
		[]string{m.opts.DenoisedOutput, m.opts.DepthOutputName},
		values,
		[]ort.Value{m.denoiseT, m.depthT},
		sessionOpts,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func cudaSessionOptions(gpu string) (*ort.SessionOptions, error) {
	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("CUDA is not available: %w", err)
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": gpu}); err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("invalid gpu %q: %w", gpu, err)
	}
	if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA on gpu %s: %w", gpu, err)
	}
	return sessionOpts, nil
}

func (m *spadnet) destroySession() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{m.spadT, m.ratesT, m.denoiseT, m.depthT} {
		if t != nil {
			t.Destroy()
		}
	}
	m.spadT, m.ratesT, m.denoiseT, m.depthT = nil, nil, nil, nil
	for _, t := range m.paramT {
		t.Destroy()
	}
	m.paramT = nil
}

// Infer runs one patch. Patches clipped at the frame edge are edge-padded
// to the graph's patch size and the outputs cropped back.
func (m *spadnet) Infer(ctx context.Context, in Input) (Output, error) {
	if m.closed {
		return Output{}, errors.New("model is closed")
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	s, r := in.Spad, in.Rates
	p := m.opts.PatchSize
	if s.Bins != m.b.NumBin || r.Bins != m.b.NumBin || s.Height != r.Height || s.Width != r.Width {
		return Output{}, fmt.Errorf("input shapes %dx%dx%d / %dx%dx%d do not match %d log bins",
			s.Bins, s.Height, s.Width, r.Bins, r.Height, r.Width, m.b.NumBin)
	}
	if s.Height > p || s.Width > p {
		return Output{}, fmt.Errorf("patch %dx%d exceeds graph size %d", s.Height, s.Width, p)
	}
	if m.session == nil {
		if err := m.buildSession(); err != nil {
			m.destroySession()
			return Output{}, err
		}
	}

	h, w := s.Height, s.Width
	copy(m.spadT.GetData(), s.PadEdge(p, p).Data)
	copy(m.ratesT.GetData(), r.PadEdge(p, p).Data)
	if err := m.session.Run(); err != nil {
		return Output{}, fmt.Errorf("inference failed: %w", err)
	}

	denoised := volume.NewHistogram(m.b.NumBin, p, p)
	depth := volume.NewDepthMap(p, p)
	dn, dp := m.denoiseT.GetData(), m.depthT.GetData()
	if len(dn) != len(denoised.Data) || len(dp) != len(depth.Data) {
		return Output{}, fmt.Errorf("graph outputs have %d/%d values, want %d/%d",
			len(dn), len(dp), len(denoised.Data), len(depth.Data))
	}
	copy(denoised.Data, dn)
	copy(depth.Data, dp)
	if h == p && w == p {
		return Output{Denoised: denoised, Depth: depth}, nil
	}

	crop := volume.Rect{Bottom: h, Right: w}
	dc, err := denoised.Patch(crop)
	if err != nil {
		return Output{}, err
	}
	dd, err := depth.Patch(crop)
	if err != nil {
		return Output{}, err
	}
	return Output{Denoised: dc, Depth: dd}, nil
}

func (m *spadnet) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.destroySession()
	releaseEnvironment()
	return nil
}
