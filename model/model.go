// Package model defines the contract between the evaluator and a depth
// denoising network, and a registry of the networks spadeval knows how to
// build. Networks are opaque: given a log-scale histogram patch and a rate
// volume of the same shape they return a denoised histogram and a per-pixel
// depth estimate normalised to the sensor's maximum range.
package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stevecastle/spadeval/binning"
	"github.com/stevecastle/spadeval/volume"
)

// ErrUnknownModel is returned for a name that has no registered factory.
var ErrUnknownModel = errors.New("unknown model")

// Input is one patch fed to a model.
type Input struct {
	Spad  *volume.Histogram // log-scale photon counts
	Rates *volume.Histogram // up-projected monocular prior
}

// Output is the model's answer for one patch.
type Output struct {
	Denoised *volume.Histogram
	Depth    *volume.DepthMap
}

// Model is a loaded network ready for inference.
type Model interface {
	Name() string
	// Params returns the model's parameter mapping, keyed by parameter name.
	Params() StateDict
	// LoadParams replaces parameters by name. Unknown names are an error.
	LoadParams(sd StateDict) error
	Infer(ctx context.Context, in Input) (Output, error)
	Close() error
}

// Options configures a model at construction time.
type Options struct {
	Binning *binning.Binning

	// ONNX graph for runtime-backed models.
	ModelPath string
	// Path to the onnxruntime shared library; empty falls back to
	// ONNXRUNTIME_SHARED_LIBRARY_PATH and then the installed runtime.
	ORTSharedLibraryPath string
	// GPU selects the CUDA device id; "" or "cpu" runs on the CPU.
	GPU string

	SpadInputName   string
	RatesInputName  string
	DenoisedOutput  string
	DepthOutputName string
	// Spatial size of the graph's input; smaller patches are edge-padded.
	PatchSize int
}

// DefaultOptions returns the tensor names used by the exported SPADnet graph.
func DefaultOptions() Options {
	return Options{
		Binning:         binning.Default(),
		SpadInputName:   "spad",
		RatesInputName:  "mono_rates",
		DenoisedOutput:  "denoise_out",
		DepthOutputName: "sargmax",
		PatchSize:       128,
	}
}

// Factory builds a model from options.
type Factory func(opts Options) (Model, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes a factory available under name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Known reports whether name has a registered factory.
func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names lists the registered model names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the model registered under name.
func New(name string, opts Options) (Model, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownModel, name, Names())
	}
	if opts.Binning == nil {
		opts.Binning = binning.Default()
	}
	return f(opts)
}
