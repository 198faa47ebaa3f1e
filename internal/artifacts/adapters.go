package artifacts

import "context"

// ArtifactStore stores build outputs once they leave the build workspace.
type ArtifactStore interface {
	StoreArtifact(ctx context.Context, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	RemoveArtifact(ctx context.Context, artifact Artifact) error
	Clear(ctx context.Context) error
}
