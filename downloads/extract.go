package downloads

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/stevecastle/spadeval/platform"
)

// ErrNotArchive is returned by Extract for a file with no known archive extension.
var ErrNotArchive = errors.New("not an archive")

// ArchiveBase returns path without its archive extension, and whether the
// extension was one Extract understands.
func ArchiveBase(path string) (string, bool) {
	lower := strings.ToLower(path)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return path[:len(path)-len(ext)], true
		}
	}
	return path, false
}

// Extract unpacks a .zip, .7z, .tar.gz or .tgz archive into destDir.
func Extract(archivePath, destDir string, progressCb ProgressCallback) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractZip(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".7z"):
		return Extract7z(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ExtractTarGz(archivePath, destDir, progressCb)
	}
	return fmt.Errorf("%w: %s", ErrNotArchive, archivePath)
}

// safeJoin joins an archive member name onto destDir, rejecting names that
// would escape it.
func safeJoin(destDir, name string) (string, error) {
	p := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return p, nil
}

func writeFile(destPath string, r io.Reader, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(destPath), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if executable {
		// Non-fatal; the file is still usable for reading.
		_ = platform.EnsureExecutable(destPath)
	}
	return nil
}

// ExtractZip extracts a ZIP archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func ExtractZip(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}

		name := strings.TrimPrefix(file.Name, stripPrefix)
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc, file.Mode()&0111 != 0)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Extract7z extracts a 7z archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func Extract7z(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}

		name := strings.TrimPrefix(file.Name, stripPrefix)
		if name == "" {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc, false)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func openTarGz(archivePath string) (*tar.Reader, func(), error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}
	gzReader, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return tar.NewReader(gzReader), func() {
		gzReader.Close()
		file.Close()
	}, nil
}

// ExtractTarGz extracts a tar.gz archive.
func ExtractTarGz(archivePath, destDir string, progressCb ProgressCallback) error {
	if progressCb != nil {
		progressCb(Progress{Status: StatusExtracting, Message: "Extracting tar.gz archive..."})
	}

	tarReader, closeFn, err := openTarGz(archivePath)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		destPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(destPath, tarReader, header.Mode&0111 != 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtractFileFromTarGz extracts the first regular file whose name satisfies match.
func ExtractFileFromTarGz(archivePath, destPath string, match func(name string) bool, progressCb ProgressCallback) error {
	tarReader, closeFn, err := openTarGz(archivePath)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !match(header.Name) {
			continue
		}
		if progressCb != nil {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %s...", filepath.Base(header.Name)),
			})
		}
		return writeFile(destPath, tarReader, true)
	}
	return fmt.Errorf("no matching file found in archive")
}

// ExtractFileFromZip extracts the first file whose name satisfies match.
func ExtractFileFromZip(archivePath, destPath string, match func(name string) bool, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !match(file.Name) {
			continue
		}
		if progressCb != nil {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %s...", filepath.Base(file.Name)),
			})
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open file in archive: %w", err)
		}
		defer rc.Close()
		return writeFile(destPath, rc, false)
	}
	return fmt.Errorf("no matching file found in archive")
}
