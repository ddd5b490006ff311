package deps

import (
	"path/filepath"
	"runtime"

	"github.com/stevecastle/spadeval/platform"
)

// GetDepsDir returns the installation directory for a dependency,
// e.g. ~/.local/share/spadeval/onnxruntime on Linux.
func GetDepsDir(subdir string) string {
	return filepath.Join(platform.GetDataDir(), subdir)
}

// GetOnnxRuntimeLibName returns the platform-specific ONNX Runtime library name.
func GetOnnxRuntimeLibName() string {
	return "onnxruntime" + platform.SharedLibExtension()
}

// GetOnnxRuntimeDownloadURL returns the release archive for the platform.
// GPU builds are published for linux and windows on x64 only; other
// platforms get the CPU build.
func GetOnnxRuntimeDownloadURL(version, goos, arch string, gpu bool) string {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	gpuSuffix := ""
	if gpu && arch == "amd64" && goos != "darwin" {
		gpuSuffix = "-gpu"
	}
	switch goos {
	case "windows":
		if arch == "arm64" {
			return base + "win-arm64-" + version + ".zip"
		}
		return base + "win-x64" + gpuSuffix + "-" + version + ".zip"
	case "darwin":
		if arch == "arm64" {
			return base + "osx-arm64-" + version + ".tgz"
		}
		return base + "osx-x86_64-" + version + ".tgz"
	default:
		if arch == "arm64" {
			return base + "linux-aarch64-" + version + ".tgz"
		}
		return base + "linux-x64" + gpuSuffix + "-" + version + ".tgz"
	}
}

// IsOnnxRuntimeArchiveZip returns true if the ONNX Runtime archive is a ZIP file.
func IsOnnxRuntimeArchiveZip() bool {
	return runtime.GOOS == "windows"
}
