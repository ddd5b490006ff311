// Package platform resolves per-OS locations for spadeval's data and cache
// directories and hides the shared-library and file-opening differences
// between operating systems.
package platform

// AppName is used for directory naming.
const AppName = "spadeval"

// AppDisplayName is used where the OS convention favours a readable name.
const AppDisplayName = "SPADnet Eval"

// GetDataDir returns the directory holding the results database and the
// installed onnxruntime library.
// Windows: %APPDATA%\SPADnet Eval
// macOS: ~/Library/Application Support/SPADnet Eval
// Linux: $XDG_DATA_HOME/spadeval or ~/.local/share/spadeval
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory remote checkpoints and datasets are
// staged into.
// Windows: same as GetDataDir
// macOS: ~/Library/Caches/spadeval
// Linux: $XDG_CACHE_HOME/spadeval or ~/.cache/spadeval
func GetCacheDir() string {
	return getCacheDir()
}

// SharedLibExtension returns ".dll", ".dylib" or ".so".
func SharedLibExtension() string {
	return sharedLibExtension()
}

// OpenFile opens a file or directory with the default application.
func OpenFile(path string) error {
	return openFile(path)
}

// EnsureExecutable sets the executable bit where the OS uses one.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}
