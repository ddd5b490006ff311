package model

import (
	"os"

	"github.com/stevecastle/spadeval/deps"
)

// SPADnetName is the registry name of the ONNX Runtime backed network.
const SPADnetName = "SPADnet"

// ResolveSharedLibrary picks the onnxruntime library: the explicit path,
// then ONNXRUNTIME_SHARED_LIBRARY_PATH, then the runtime installed by
// --install-runtime. An empty result leaves the choice to onnxruntime_go.
func ResolveSharedLibrary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	if p := deps.OnnxRuntimeLibPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
