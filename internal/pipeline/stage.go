// Package pipeline turns a build specification and profile into an explicit,
// staged image definition. Each stage declares what it consumes and produces;
// the only data that crosses from the builder stages into the runtime stage is
// the single compiled executable, copied by value.
package pipeline

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/image"
)

// Stage names, in build order.
const (
	ToolchainStage = "toolchain"
	BuilderStage   = "builder"
	RuntimeStage   = "runtime"
)

// Directive is a container build instruction keyword.
type Directive string

const (
	DirectiveArg        Directive = "ARG"
	DirectiveEnv        Directive = "ENV"
	DirectiveLabel      Directive = "LABEL"
	DirectiveWorkdir    Directive = "WORKDIR"
	DirectiveRun        Directive = "RUN"
	DirectiveCopy       Directive = "COPY"
	DirectiveUser       Directive = "USER"
	DirectiveExpose     Directive = "EXPOSE"
	DirectiveVolume     Directive = "VOLUME"
	DirectiveEntrypoint Directive = "ENTRYPOINT"
	DirectiveCmd        Directive = "CMD"
)

// Role tags an instruction with the pipeline step it implements.
type Role string

const (
	RolePackageSource Role = "package-source"
	RolePrerequisites Role = "prerequisites"
	RoleToolchain     Role = "toolchain"
	RoleToolchainTest Role = "toolchain-check"
	RoleSource        Role = "source"
	RoleFetch         Role = "fetch"
	RoleCompile       Role = "compile"
	RoleArtifactCheck Role = "artifact-check"

	RolePrune      Role = "prune"
	RoleIdentity   Role = "identity"
	RoleInstall    Role = "install"
	RoleVerify     Role = "verify"
	RoleStrip      Role = "strip"
	RoleUser       Role = "user"
	RoleWorkdir    Role = "workdir"
	RoleExpose     Role = "expose"
	RoleDataMount  Role = "data-mount"
	RoleVolume     Role = "volume"
	RoleEntrypoint Role = "entrypoint"
	RoleMetadata   Role = "metadata"
)

// Instruction is a single typed build step.
type Instruction struct {
	Directive Directive
	Role      Role
	// Args holds the directive arguments. RUN joins them with &&.
	Args []string
	// From names the source stage of a COPY.
	From    string
	Comment string
}

// Handoff is an immutable file passed between stages by copy.
type Handoff struct {
	Stage string
	Path  string
}

func (h Handoff) String() string {
	return h.Stage + ":" + h.Path
}

// Stage is one isolated step of the image build.
type Stage struct {
	Name         string
	Base         string
	Inputs       []Handoff
	Outputs      []Handoff
	Instructions []Instruction
}

// Find returns the indexes of instructions with the given role.
func (s Stage) Find(role Role) []int {
	var out []int
	for i, inst := range s.Instructions {
		if inst.Role == role {
			out = append(out, i)
		}
	}
	return out
}

// Plan is the full staged definition of one image build.
type Plan struct {
	Spec    build.BuildSpecification
	Profile build.BuildProfile
	Stages  []Stage
}

// NewPlan assembles the toolchain, builder and runtime stages for a build.
func NewPlan(ctx build.BuildContext) (Plan, error) {
	spec := ctx.Spec
	if err := build.ValidateSpecification(spec); err != nil {
		return Plan{}, err
	}
	if _, ok := spec.Profile(ctx.Profile.Name); !ok || ctx.Profile.Name == "" {
		return Plan{}, build.NewError(build.PrerequisiteFailure, "", nil, "profile %q is not declared by %s", ctx.Profile.Name, spec.ID)
	}

	toolchain, err := toolchainStage(spec)
	if err != nil {
		return Plan{}, err
	}
	builder, err := builderStage(spec, ctx.Profile)
	if err != nil {
		return Plan{}, err
	}
	runtime := runtimeStage(spec, ctx.Profile, builder.Outputs[0])

	plan := Plan{
		Spec:    spec,
		Profile: ctx.Profile,
		Stages:  []Stage{toolchain, builder, runtime},
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Stage returns the named stage.
func (p Plan) Stage(name string) (Stage, bool) {
	for _, stage := range p.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return Stage{}, false
}

// Executable is the builder stage's single output: the compiled executable.
func (p Plan) Executable() Handoff {
	stage, ok := p.Stage(BuilderStage)
	if !ok || len(stage.Outputs) == 0 {
		return Handoff{}
	}
	return stage.Outputs[0]
}

// Contract is the runtime posture the assembled image must expose.
func (p Plan) Contract() image.Contract {
	rt := p.Spec.Runtime
	return image.Contract{
		User:       rt.Identity.User,
		UID:        rt.Identity.UID,
		Ports:      rt.Ports.List(),
		DataMount:  rt.DataMount.Path,
		Entrypoint: []string{rt.InstallPath},
	}
}

// AuditPolicy lists what must not be found in the exported runtime filesystem.
func (p Plan) AuditPolicy() image.AuditPolicy {
	forbidden := append([]string(nil), image.DefaultForbiddenPaths...)
	forbidden = append(forbidden, packageCaches...)
	forbidden = append(forbidden, p.Spec.Runtime.StripPaths...)
	return image.AuditPolicy{
		Forbidden: forbidden,
		DataMount: p.Spec.Runtime.DataMount.Path,
		DataUID:   p.Spec.Runtime.Identity.UID,
	}
}

// VersionArgs are the arguments that make the executable print its version.
func (p Plan) VersionArgs() []string {
	return append([]string(nil), versionArgs(p.Spec.Runtime)...)
}

func planError(stage, format string, args ...any) error {
	return &build.BuildError{
		Kind:    build.PrerequisiteFailure,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
	}
}
