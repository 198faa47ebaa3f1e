package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var _ ArtifactStore = (*LocalArtifactStore)(nil)

// LocalArtifactStore persists artifacts and metadata on disk under BaseDir.
type LocalArtifactStore struct {
	BaseDir string
}

// StoreArtifact copies the artifact into the store directory and records metadata next to it.
func (store *LocalArtifactStore) StoreArtifact(ctx context.Context, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	artifactID := uuid.NewString()
	destName := artifactID
	if ext := filepath.Ext(artifactPath); ext != "" {
		destName += ext
	}

	// Write under a temporary name so a half-copied file is never visible.
	destPath := filepath.Join(store.BaseDir, destName)
	tmpPath := destPath + ".partial"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmpPath)
		return Artifact{}, err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, err
	}

	checksum, size, err := ChecksumFile(destPath)
	if err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         FileURI(destPath),
		Checksum:    &checksum,
		ContentType: detectContentType(artifactPath),
		SizeBytes:   size,
		Metadata:    cloneMetadata(metadata),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}

	return artifact, nil
}

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalArtifactStore) RemoveArtifact(_ context.Context, artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *LocalArtifactStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalArtifactStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".json"
}
