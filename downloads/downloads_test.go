package downloads

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadFile(t *testing.T) {
	body := bytes.Repeat([]byte("spad"), 1000)
	srv := serveBytes(t, body)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	var last int64
	err := DownloadFile(context.Background(), dest, srv.URL, func(downloaded, total int64) {
		last = downloaded
	})
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, body) {
		t.Errorf("downloaded %d bytes; want %d", len(got), len(body))
	}
	if last != int64(len(body)) {
		t.Errorf("final progress = %d; want %d", last, len(body))
	}
}

func TestDownloadFileResumes(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := serveBytes(t, body)
	dest := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(dest, body[:6], 0644); err != nil {
		t.Fatal(err)
	}

	if err := DownloadFile(context.Background(), dest, srv.URL, nil); err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != string(body) {
		t.Errorf("resumed file = %q; want %q", got, body)
	}
}

func TestDownloadFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := DownloadFile(context.Background(), filepath.Join(t.TempDir(), "x"), srv.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("DownloadFile() error = %v; want 404 status", err)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://ckpts/spadnet/noise_1.npz", "ckpts", "spadnet/noise_1.npz", false},
		{"s3://ckpts/", "", "", true},
		{"https://ckpts/x", "", "", true},
		{"s3:///x", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URL(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%q) = %q, %q; want %q, %q", tt.in, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestArchiveBase(t *testing.T) {
	tests := map[string]struct {
		base string
		ok   bool
	}{
		"/c/test.tar.gz": {"/c/test", true},
		"/c/test.TGZ":    {"/c/test", true},
		"/c/test.zip":    {"/c/test", true},
		"/c/test.7z":     {"/c/test", true},
		"/c/ckpt.npz":    {"/c/ckpt.npz", false},
	}
	for in, want := range tests {
		base, ok := ArchiveBase(in)
		if base != want.base || ok != want.ok {
			t.Errorf("ArchiveBase(%q) = %q, %v; want %q, %v", in, base, ok, want.base, want.ok)
		}
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestExtractZipRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bad.zip")
	writeZip(t, archive, map[string]string{"../evil.txt": "x"})

	if err := Extract(archive, filepath.Join(dir, "out"), nil); err == nil {
		t.Error("Extract() should reject entries outside the destination")
	}
}

func TestFetchLocalArchiveExtractsOnce(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "test_files.zip")
	writeZip(t, archive, map[string]string{"lists/test.txt": "scene/spad_0001.npy\n"})

	f := &Fetcher{CacheDir: filepath.Join(dir, "cache")}
	got, err := f.Fetch(context.Background(), archive)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if want := filepath.Join(dir, "cache", "test_files"); got != want {
		t.Errorf("Fetch() = %q; want %q", got, want)
	}
	content, err := os.ReadFile(filepath.Join(got, "lists", "test.txt"))
	if err != nil || string(content) != "scene/spad_0001.npy\n" {
		t.Errorf("extracted content = %q, %v", content, err)
	}

	// A second fetch reuses the extraction directory.
	os.Remove(archive)
	again, err := f.Fetch(context.Background(), got)
	if err != nil || again != got {
		t.Errorf("second Fetch() = %q, %v; want %q", again, err, got)
	}
}

func TestFetchRemoteIsCached(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	f := &Fetcher{CacheDir: t.TempDir()}
	src := srv.URL + "/ckpt.npz"
	for i := 0; i < 2; i++ {
		got, err := f.Fetch(context.Background(), src)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if got != f.CachePath(src) {
			t.Errorf("Fetch() = %q; want %q", got, f.CachePath(src))
		}
	}
	if hits != 1 {
		t.Errorf("server hit %d times; want 1", hits)
	}
}

func TestFetchMissingLocal(t *testing.T) {
	f := &Fetcher{CacheDir: t.TempDir()}
	if _, err := f.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.npz")); err == nil {
		t.Error("Fetch() should fail for a missing local file")
	}
}

func TestManagerInstall(t *testing.T) {
	m := NewManager()
	err := m.Install(context.Background(), "onnxruntime", "ONNX Runtime", func(ctx context.Context, p ProgressCallback) error {
		p(Progress{Status: StatusDownloading, Percent: 50, Message: "half"})
		return nil
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	progress := m.GetProgress()
	if len(progress) != 1 || progress[0].Status != StatusComplete {
		t.Errorf("GetProgress() = %+v; want one complete entry", progress)
	}
}
