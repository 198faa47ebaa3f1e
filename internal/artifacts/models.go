package artifacts

type ArtifactKind string

const (
	ImageArtifact  ArtifactKind = "image"  // Saved container image archives
	BuildArtifact  ArtifactKind = "build"  // Build definitions such as rendered Dockerfiles
	BinaryArtifact ArtifactKind = "binary" // Compiled executables
	TextArtifact   ArtifactKind = "text"   // Logs and other generic text
)

type Artifact struct {
	ID   string
	Kind ArtifactKind
	URI  string

	Checksum    *string
	ContentType string
	SizeBytes   int64
	Metadata    map[string]any
}
