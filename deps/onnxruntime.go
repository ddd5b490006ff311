package deps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stevecastle/spadeval/downloads"
)

const (
	// OnnxRuntimeID is the registry id of the runtime library.
	OnnxRuntimeID = "onnxruntime"
	// OnnxRuntimeVersion matches the C API onnxruntime_go is built against.
	OnnxRuntimeVersion = "1.22.0"

	versionFile = "VERSION"
)

// OnnxRuntimeGPU selects the CUDA build when the runtime is installed.
var OnnxRuntimeGPU = false

func init() {
	Register(&Dependency{
		ID:            OnnxRuntimeID,
		Name:          "ONNX Runtime",
		Description:   "Shared library used to run the exported SPADnet graph",
		TargetDir:     GetDepsDir(OnnxRuntimeID),
		LatestVersion: OnnxRuntimeVersion,
		Check:         checkOnnxRuntime,
		Install:       installOnnxRuntime,
	})
}

// OnnxRuntimeLibPath returns where the installed runtime library lives.
func OnnxRuntimeLibPath() string {
	return filepath.Join(GetDepsDir(OnnxRuntimeID), GetOnnxRuntimeLibName())
}

func checkOnnxRuntime(ctx context.Context) (bool, string, error) {
	if _, err := os.Stat(OnnxRuntimeLibPath()); os.IsNotExist(err) {
		return false, "", nil
	} else if err != nil {
		return false, "", fmt.Errorf("error checking runtime library: %w", err)
	}
	version, err := os.ReadFile(filepath.Join(GetDepsDir(OnnxRuntimeID), versionFile))
	if err != nil {
		// Installed by hand; accept it as is.
		return true, OnnxRuntimeVersion, nil
	}
	return true, strings.TrimSpace(string(version)), nil
}

// isRuntimeLib matches the main library inside a release archive:
// lib/libonnxruntime.so.1.22.0, lib/libonnxruntime.1.22.0.dylib or
// lib/onnxruntime.dll.
func isRuntimeLib(goos, name string) bool {
	if strings.Contains(name, "_providers_") {
		return false
	}
	switch goos {
	case "windows":
		return strings.HasSuffix(strings.ToLower(name), "/lib/onnxruntime.dll")
	case "darwin":
		return strings.Contains(name, "/lib/libonnxruntime.") && strings.HasSuffix(name, ".dylib")
	default:
		return strings.Contains(name, "/lib/libonnxruntime.so.")
	}
}

// isProviderLib matches the CUDA provider libraries shipped with GPU builds.
func isProviderLib(name string) bool {
	base := filepath.Base(name)
	return strings.Contains(name, "/lib/") && strings.HasPrefix(strings.TrimPrefix(base, "lib"), "onnxruntime_providers_")
}

func installOnnxRuntime(ctx context.Context, progress downloads.ProgressCallback) error {
	arch := runtime.GOARCH
	if arch != "amd64" && arch != "arm64" {
		return fmt.Errorf("unsupported architecture %s; install onnxruntime manually and set ONNXRUNTIME_SHARED_LIBRARY_PATH", arch)
	}
	targetDir := GetDepsDir(OnnxRuntimeID)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	url := GetOnnxRuntimeDownloadURL(OnnxRuntimeVersion, runtime.GOOS, arch, OnnxRuntimeGPU)
	archive := filepath.Join(targetDir, filepath.Base(url))
	if err := downloads.DownloadWithRetry(ctx, archive, url, downloads.ByteProgress("ONNX Runtime", progress)); err != nil {
		return fmt.Errorf("failed to download ONNX Runtime: %w", err)
	}
	defer os.Remove(archive)

	progress(downloads.Progress{Status: downloads.StatusExtracting, Message: "Extracting ONNX Runtime library..."})
	libPath := OnnxRuntimeLibPath()
	match := func(name string) bool { return isRuntimeLib(runtime.GOOS, name) }
	var err error
	if IsOnnxRuntimeArchiveZip() {
		err = downloads.ExtractFileFromZip(archive, libPath, match, progress)
	} else {
		err = downloads.ExtractFileFromTarGz(archive, libPath, match, progress)
	}
	if err != nil {
		return fmt.Errorf("failed to extract ONNX Runtime: %w", err)
	}

	if OnnxRuntimeGPU {
		if err := extractProviders(archive, targetDir, progress); err != nil {
			return err
		}
	}

	return os.WriteFile(filepath.Join(targetDir, versionFile), []byte(OnnxRuntimeVersion+"\n"), 0644)
}

// extractProviders unpacks the provider libraries next to the runtime, where
// onnxruntime looks for them when CUDA is appended to a session.
func extractProviders(archive, targetDir string, progress downloads.ProgressCallback) error {
	tmp, err := os.MkdirTemp(targetDir, "extract")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	if err := downloads.Extract(archive, tmp, progress); err != nil {
		return fmt.Errorf("failed to extract provider libraries: %w", err)
	}
	return filepath.Walk(tmp, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !isProviderLib(filepath.ToSlash(p)) {
			return err
		}
		return os.Rename(p, filepath.Join(targetDir, info.Name()))
	})
}
