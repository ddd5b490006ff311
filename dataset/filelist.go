package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// NoisePlaceholder in a file list entry is replaced by the noise level index.
const NoisePlaceholder = "{noise}"

// ReadFileList reads one sample path per line. Blank lines and lines
// starting with # are skipped; relative entries are resolved against
// spadDatapath.
func ReadFileList(path, spadDatapath string, noise int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file list: %w", err)
	}
	defer f.Close()

	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.ReplaceAll(line, NoisePlaceholder, strconv.Itoa(noise))
		if !filepath.IsAbs(line) && spadDatapath != "" {
			line = filepath.Join(spadDatapath, line)
		}
		files = append(files, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file list %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("file list %s is empty", path)
	}
	return files, nil
}

var sceneFragment = regexp.MustCompile(`\w+/spad_`)

// OutputFile maps a sample path to where its prediction is written and the
// scene folder that must exist first. The spad_datapath prefix is dropped,
// the extension becomes .npy and the spad_ prefix is removed, so
// <spad>/kitchen_0001/spad_0042.npy becomes <out>/kitchen_0001/0042.npy.
func OutputFile(filename, spadDatapath, outDatapath string) (outFile, subfolder string, err error) {
	name := filepath.ToSlash(filename)
	if spadDatapath != "" {
		name = strings.Replace(name, filepath.ToSlash(filepath.Clean(spadDatapath)), "", 1)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name)) + ".npy"

	frag := sceneFragment.FindString(name)
	if frag == "" {
		return "", "", fmt.Errorf("cannot derive scene folder from %s: want <scene>/spad_<frame>", filename)
	}
	subfolder = filepath.Join(outDatapath, filepath.FromSlash(strings.TrimSuffix(frag, "/spad_")))
	outFile = filepath.Join(outDatapath, filepath.FromSlash(strings.ReplaceAll(name, "spad_", "")))
	return outFile, subfolder, nil
}
