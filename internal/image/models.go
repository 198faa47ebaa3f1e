package image

import (
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
)

// ImageConfig is the runtime metadata of a built image as reported by the engine.
type ImageConfig struct {
	User         string            `json:"user"`
	ExposedPorts []string          `json:"exposed_ports"`
	Volumes      []string          `json:"volumes"`
	Entrypoint   []string          `json:"entrypoint"`
	Cmd          []string          `json:"cmd"`
	WorkingDir   string            `json:"working_dir"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// RuntimeImage is a record describing a built and verified runtime image.
type RuntimeImage struct {
	ID        string
	Reference string // Tag the image was built under.
	ImageID   string // Content addressed id reported by the engine.
	CreatedAt time.Time

	SpecificationID      string
	SpecificationVersion string
	Profile              string
	Version              string // Self-reported version of the service executable.

	Archive            artifacts.Artifact
	CompanionArtifacts []artifacts.Artifact
	Config             ImageConfig
	Audit              *AuditReport

	Metadata map[string]any
}
