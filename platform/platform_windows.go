//go:build windows
// +build windows

package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

func getCacheDir() string {
	return getDataDir()
}

func sharedLibExtension() string {
	return ".dll"
}

func openFile(path string) error {
	// The empty string after start is the window title.
	return exec.Command("cmd", "/c", "start", "", path).Start()
}

func ensureExecutable(path string) error {
	return nil
}
