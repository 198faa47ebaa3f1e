package build

import (
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/image"
)

// ToolchainKind selects the compiler ecosystem used by the builder stages.
type ToolchainKind string

const (
	ToolchainRust ToolchainKind = "rust"
	ToolchainGo   ToolchainKind = "go"
)

// ToolchainDescriptor pins the compiler and its prerequisites. It lives only in
// the builder stages and never reaches the runtime image.
type ToolchainDescriptor struct {
	Kind    ToolchainKind `yaml:"kind" hcl:"kind"`
	Channel string        `yaml:"channel" hcl:"channel"`
	// Targets lists secondary compilation targets, e.g. wasm32-unknown-unknown.
	Targets []string `yaml:"targets,omitempty" hcl:"targets,optional"`

	BaseImage     string   `yaml:"base_image" hcl:"base_image"`
	PackageSource string   `yaml:"package_source,omitempty" hcl:"package_source,optional"`
	Packages      []string `yaml:"packages,omitempty" hcl:"packages,optional"`
}

// BuildProfile selects optimization and debug trade-offs for compilation.
type BuildProfile struct {
	Name string `yaml:"name" hcl:"name,label"`
	// OutputDir is the directory name the compiler writes this profile's
	// executable into, relative to the build output root.
	OutputDir string   `yaml:"output_dir" hcl:"output_dir"`
	Flags     []string `yaml:"flags,omitempty" hcl:"flags,optional"`
}

// ExecutionIdentity is the non-privileged account the service runs as.
type ExecutionIdentity struct {
	User  string `yaml:"user" hcl:"user"`
	Group string `yaml:"group" hcl:"group"`
	UID   int    `yaml:"uid" hcl:"uid"`
	GID   int    `yaml:"gid" hcl:"gid"`
	Home  string `yaml:"home" hcl:"home"`
	Shell string `yaml:"shell,omitempty" hcl:"shell,optional"`
}

// PortContract lists the ports the service listens on.
type PortContract struct {
	P2P int `yaml:"p2p" hcl:"p2p"`
	RPC int `yaml:"rpc" hcl:"rpc"`
	WS  int `yaml:"ws" hcl:"ws"`
}

// List returns the ports in declaration order.
func (p PortContract) List() []int {
	return []int{p.P2P, p.RPC, p.WS}
}

// DataMount is the externally backed directory for service state.
type DataMount struct {
	Path string `yaml:"path" hcl:"path"`
}

// RuntimeContract describes the runtime image assembled around the executable.
type RuntimeContract struct {
	BaseImage   string            `yaml:"base_image" hcl:"base_image"`
	InstallPath string            `yaml:"install_path" hcl:"install_path"`
	Identity    ExecutionIdentity `yaml:"identity" hcl:"identity,block"`
	Ports       PortContract      `yaml:"ports" hcl:"ports,block"`
	DataMount   DataMount         `yaml:"data_mount" hcl:"data_mount,block"`

	// PruneDir is emptied before anything is installed, except for
	// PreservePaths, which must be direct children of it (CA material).
	PruneDir      string   `yaml:"prune_dir" hcl:"prune_dir"`
	PreservePaths []string `yaml:"preserve_paths,omitempty" hcl:"preserve_paths,optional"`

	// StripPaths are removed once the executable has been verified.
	StripPaths  []string `yaml:"strip_paths,omitempty" hcl:"strip_paths,optional"`
	VersionArgs []string `yaml:"version_args,omitempty" hcl:"version_args,optional"`
}

// BuildSpecification is a declarative description of how to build one service image.
type BuildSpecification struct {
	ID        string              `yaml:"id" hcl:"id,label"`
	Version   string              `yaml:"version" hcl:"version"`
	Service   string              `yaml:"service" hcl:"service"`
	Source    string              `yaml:"source,omitempty" hcl:"source,optional"`
	Platform  arch.Architecture   `yaml:"platform,omitempty" hcl:"platform,optional"`
	Package   string              `yaml:"package,omitempty" hcl:"package,optional"`
	Toolchain ToolchainDescriptor `yaml:"toolchain" hcl:"toolchain,block"`

	Profiles       []BuildProfile `yaml:"profiles" hcl:"profile,block"`
	DefaultProfile string         `yaml:"default_profile" hcl:"default_profile"`

	Runtime RuntimeContract `yaml:"runtime" hcl:"runtime,block"`

	Metadata map[string]string `yaml:"metadata,omitempty" hcl:"metadata,optional"`
}

// Profile looks up a profile by name. An empty name selects DefaultProfile.
func (s BuildSpecification) Profile(name string) (BuildProfile, bool) {
	if name == "" {
		name = s.DefaultProfile
	}
	for _, profile := range s.Profiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return BuildProfile{}, false
}

// ProfileNames lists the declared profile names in declaration order.
func (s BuildSpecification) ProfileNames() []string {
	names := make([]string, 0, len(s.Profiles))
	for _, profile := range s.Profiles {
		names = append(names, profile.Name)
	}
	return names
}

// BuildContext provides the shared context passed across pipeline stages.
type BuildContext struct {
	Spec      BuildSpecification
	Profile   BuildProfile
	SourceDir string
	// Tag is the image reference to produce.
	Tag string
	// Rebuild bypasses cached layers and refreshes base images.
	Rebuild bool
	// Audit enables the exported filesystem audit after assembly.
	Audit bool
}

// BuildRequest represents a request to build or rebuild an image.
type BuildRequest struct {
	SpecificationID string
	Profile         string
	SourceDir       string
	Tag             string
	RequestedAt     time.Time
	Rebuild         bool
	Audit           bool
	Metadata        map[string]any
}

// BuildOutput captures the result from the build driver before publication.
type BuildOutput struct {
	ImageArchive artifacts.Artifact
	Dockerfile   artifacts.Artifact
	ImageID      string
	Reference    string
	Version      string
	Config       image.ImageConfig
	Audit        *image.AuditReport
	Metadata     map[string]any
}
