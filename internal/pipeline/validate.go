package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/cochaviz/kiln/internal/image"
)

// runtimeOrder is the fixed order of the runtime stage steps.
var runtimeOrder = []Role{
	RolePrune,
	RoleIdentity,
	RoleInstall,
	RoleVerify,
	RoleStrip,
	RoleUser,
	RoleExpose,
	RoleDataMount,
	RoleVolume,
	RoleEntrypoint,
}

// Validate checks that the plan hands exactly one executable from the builder
// to the runtime stage and that the runtime stage is assembled in order with
// the declared posture.
func (p Plan) Validate() error {
	builder, ok := p.Stage(BuilderStage)
	if !ok {
		return planError(BuilderStage, "plan has no builder stage")
	}
	runtime, ok := p.Stage(RuntimeStage)
	if !ok {
		return planError(RuntimeStage, "plan has no runtime stage")
	}

	var errs []error
	if len(builder.Outputs) != 1 {
		errs = append(errs, fmt.Errorf("builder stage must produce exactly one executable, got %d outputs", len(builder.Outputs)))
	}
	if len(runtime.Inputs) != 1 {
		errs = append(errs, fmt.Errorf("runtime stage must consume exactly one handoff, got %d", len(runtime.Inputs)))
	} else if len(builder.Outputs) == 1 && runtime.Inputs[0] != builder.Outputs[0] {
		errs = append(errs, fmt.Errorf("runtime stage consumes %s, builder produces %s", runtime.Inputs[0], builder.Outputs[0]))
	}
	errs = append(errs, p.validateRuntime(runtime, builder)...)

	if len(errs) == 0 {
		return nil
	}
	return planError(RuntimeStage, "invalid pipeline plan: %v", errors.Join(errs...))
}

func (p Plan) validateRuntime(runtime, builder Stage) []error {
	var errs []error
	rt := p.Spec.Runtime

	positions := make([]int, 0, len(runtimeOrder))
	for _, role := range runtimeOrder {
		found := runtime.Find(role)
		if len(found) != 1 {
			errs = append(errs, fmt.Errorf("runtime stage needs exactly one %s step, got %d", role, len(found)))
			continue
		}
		positions = append(positions, found[0])
	}
	if len(errs) == 0 && !slices.IsSorted(positions) {
		errs = append(errs, fmt.Errorf("runtime steps out of order, want %v", runtimeOrder))
	}

	copies := 0
	for _, inst := range runtime.Instructions {
		switch inst.Directive {
		case DirectiveCopy:
			copies++
			if inst.From != BuilderStage {
				errs = append(errs, fmt.Errorf("runtime copy must come from the %s stage, got %q", BuilderStage, inst.From))
			}
			if len(builder.Outputs) == 1 && !slices.Equal(inst.Args, []string{builder.Outputs[0].Path, rt.InstallPath}) {
				errs = append(errs, fmt.Errorf("runtime copy %v, want %s to %s", inst.Args, builder.Outputs[0].Path, rt.InstallPath))
			}
		case DirectiveCmd:
			errs = append(errs, errors.New("runtime stage must not declare implicit arguments"))
		case DirectiveUser:
			if len(inst.Args) != 1 || image.IsPrivilegedUser(inst.Args[0]) {
				errs = append(errs, fmt.Errorf("runtime user %v must be the non-root execution identity", inst.Args))
			} else if want := userSpec(rt.Identity); inst.Args[0] != want {
				errs = append(errs, fmt.Errorf("runtime user %q, want %q", inst.Args[0], want))
			}
		case DirectiveExpose:
			want := make([]string, 0, 3)
			for _, port := range rt.Ports.List() {
				want = append(want, strconv.Itoa(port))
			}
			if !slices.Equal(inst.Args, want) {
				errs = append(errs, fmt.Errorf("exposed ports %v, want exactly %v", inst.Args, want))
			}
		case DirectiveVolume:
			if !slices.Equal(inst.Args, []string{rt.DataMount.Path}) {
				errs = append(errs, fmt.Errorf("volume %v, want %s", inst.Args, rt.DataMount.Path))
			}
		case DirectiveEntrypoint:
			if !slices.Equal(inst.Args, []string{rt.InstallPath}) {
				errs = append(errs, fmt.Errorf("entrypoint %v, want [%s]", inst.Args, rt.InstallPath))
			}
		}
	}
	if copies != 1 {
		errs = append(errs, fmt.Errorf("runtime stage must copy exactly one file from the builder, got %d copies", copies))
	}
	return errs
}
