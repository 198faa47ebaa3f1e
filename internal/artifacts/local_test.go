package artifacts

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalArtifactStoreStoreAndRemove(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "image.tar")
	if err := os.WriteFile(src, []byte("layer-data"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	store := LocalArtifactStore{BaseDir: filepath.Join(t.TempDir(), "store")}
	artifact, err := store.StoreArtifact(context.Background(), src, ImageArtifact, map[string]any{"profile": "release"})
	if err != nil {
		t.Fatalf("StoreArtifact() error = %v", err)
	}

	if artifact.Kind != ImageArtifact {
		t.Fatalf("Kind = %q, want %q", artifact.Kind, ImageArtifact)
	}
	if artifact.ContentType != "application/x-tar" {
		t.Fatalf("ContentType = %q", artifact.ContentType)
	}
	if artifact.SizeBytes != int64(len("layer-data")) {
		t.Fatalf("SizeBytes = %d", artifact.SizeBytes)
	}
	if artifact.Checksum == nil || len(*artifact.Checksum) != 64 {
		t.Fatalf("expected sha256 checksum, got %v", artifact.Checksum)
	}

	path, err := PathFromURI(artifact.URI)
	if err != nil {
		t.Fatalf("PathFromURI() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if string(data) != "layer-data" {
		t.Fatalf("stored content = %q", data)
	}
	if _, err := os.Stat(path + ".json"); err != nil {
		t.Fatalf("metadata sidecar missing: %v", err)
	}
	if _, err := os.Stat(path + ".partial"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("partial file left behind: %v", err)
	}

	if err := store.RemoveArtifact(context.Background(), artifact); err != nil {
		t.Fatalf("RemoveArtifact() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("artifact still present after removal: %v", err)
	}
}

func TestLocalArtifactStoreRequiresBaseDir(t *testing.T) {
	t.Parallel()

	store := LocalArtifactStore{}
	if _, err := store.StoreArtifact(context.Background(), "/tmp/anything", TextArtifact, nil); err == nil {
		t.Fatalf("StoreArtifact() error = nil, want error")
	}
}

func TestLocalArtifactStoreClearMissingDir(t *testing.T) {
	t.Parallel()

	store := LocalArtifactStore{BaseDir: filepath.Join(t.TempDir(), "missing")}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
}

func TestPathFromURI(t *testing.T) {
	t.Parallel()

	got, err := PathFromURI("file:///var/kiln/artifacts/a.tar")
	if err != nil {
		t.Fatalf("PathFromURI() error = %v", err)
	}
	if got != "/var/kiln/artifacts/a.tar" {
		t.Fatalf("PathFromURI() = %q", got)
	}

	if _, err := PathFromURI("s3://bucket/key"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("PathFromURI(s3) error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestDetectContentType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/ws/Dockerfile":    "text/x-dockerfile",
		"/ws/image.tar":     "application/x-tar",
		"/ws/build.log":     "text/plain",
		"/ws/record.json":   "application/json",
		"/ws/node-binary":   "application/octet-stream",
		"/ws/rootfs.tar.gz": "application/gzip",
	}
	for path, want := range cases {
		if got := detectContentType(path); got != want {
			t.Errorf("detectContentType(%q) = %q, want %q", path, got, want)
		}
	}
}
