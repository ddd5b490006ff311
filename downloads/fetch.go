package downloads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Fetcher stages checkpoints, graphs and dataset archives in a local cache.
type Fetcher struct {
	CacheDir string
	S3       S3Options
	Progress ProgressCallback
}

// IsRemote reports whether src names an http(s):// or s3:// location.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "s3://")
}

// CachePath returns where a remote source is staged.
func (f *Fetcher) CachePath(src string) string {
	sum := sha256.Sum256([]byte(src))
	name := path.Base(strings.SplitN(src, "?", 2)[0])
	return filepath.Join(f.CacheDir, hex.EncodeToString(sum[:])[:12]+"-"+name)
}

// Fetch makes src available locally and returns the local path. Local
// files are returned unchanged; remote sources are downloaded once into the
// cache. Archives are unpacked and the extraction directory is returned.
func (f *Fetcher) Fetch(ctx context.Context, src string) (string, error) {
	local := src
	if IsRemote(src) {
		local = f.CachePath(src)
		if _, err := os.Stat(local); err == nil {
			log.Printf("Using cached %s", local)
		} else {
			if err := f.download(ctx, src, local); err != nil {
				return "", err
			}
		}
	} else if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", src, err)
	}

	base, isArchive := ArchiveBase(local)
	if !isArchive {
		return local, nil
	}
	if !IsRemote(src) {
		base = filepath.Join(f.CacheDir, filepath.Base(base))
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		return base, nil
	}

	tmp := base + ".extracting"
	os.RemoveAll(tmp)
	if err := Extract(local, tmp, f.Progress); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to extract %s: %w", local, err)
	}
	if err := os.Rename(tmp, base); err != nil {
		return "", fmt.Errorf("failed to move extracted archive: %w", err)
	}
	return base, nil
}

// download writes src to a .part file and renames it into place so an
// interrupted fetch is never mistaken for a cached one.
func (f *Fetcher) download(ctx context.Context, src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	part := dest + ".part"
	name := path.Base(src)
	log.Printf("=> Fetching %s", src)

	var err error
	if strings.HasPrefix(src, "s3://") {
		os.Remove(part)
		err = DownloadS3(ctx, part, src, f.S3, ByteProgress(name, f.Progress))
	} else {
		err = DownloadWithRetry(ctx, part, src, ByteProgress(name, f.Progress))
	}
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", src, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("failed to move %s into cache: %w", name, err)
	}
	if info, err := os.Stat(dest); err == nil {
		log.Printf("Fetched %s (%s)", name, FormatBytes(info.Size()))
	}
	return nil
}
