package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dockerfile renders the plan. Rendering is deterministic: the same plan
// always produces byte-identical output.
func (p Plan) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&b, "# %s %s (profile %s)\n", p.Spec.ID, p.Spec.Version, p.Profile.Name)

	for _, stage := range p.Stages {
		fmt.Fprintf(&b, "\nFROM %s AS %s\n", stage.Base, stage.Name)
		for _, inst := range stage.Instructions {
			if inst.Comment != "" {
				fmt.Fprintf(&b, "# %s\n", inst.Comment)
			}
			b.WriteString(renderInstruction(inst))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderInstruction(inst Instruction) string {
	switch inst.Directive {
	case DirectiveRun:
		return "RUN " + strings.Join(inst.Args, " \\\n    && ")
	case DirectiveCopy:
		if inst.From != "" {
			return fmt.Sprintf("COPY --from=%s %s", inst.From, strings.Join(inst.Args, " "))
		}
		return "COPY " + strings.Join(inst.Args, " ")
	case DirectiveEnv, DirectiveLabel:
		return string(inst.Directive) + " " + strings.Join(inst.Args, " \\\n    ")
	case DirectiveVolume, DirectiveEntrypoint, DirectiveCmd:
		return string(inst.Directive) + " " + execForm(inst.Args)
	default:
		return string(inst.Directive) + " " + strings.Join(inst.Args, " ")
	}
}

// execForm renders args as a JSON array, so no shell is involved.
func execForm(args []string) string {
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DockerIgnore lists build-context entries that never reach the builder.
func DockerIgnore() string {
	return strings.Join([]string{".git", "target", "node_modules", "Dockerfile", ".dockerignore"}, "\n") + "\n"
}
