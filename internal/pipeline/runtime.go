package pipeline

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cochaviz/kiln/internal/build"
)

const keepDir = "/tmp/kiln-keep"

// packageCaches are always stripped; the audit rejects them.
var packageCaches = []string{"/var/lib/apt/lists/*", "/var/cache/apt/*.bin", "/var/cache/apt/archives/*.deb"}

// Labels keys attached to the runtime image.
const (
	LabelSpecification = "io.kiln.specification"
	LabelSpecVersion   = "io.kiln.specification.version"
	LabelProfile       = "io.kiln.profile"
	LabelTitle         = "org.opencontainers.image.title"
	LabelVersion       = "org.opencontainers.image.version"
)

func runtimeStage(spec build.BuildSpecification, profile build.BuildProfile, executable Handoff) Stage {
	rt := spec.Runtime
	id := rt.Identity
	bin := rt.InstallPath

	stage := Stage{
		Name:   RuntimeStage,
		Base:   rt.BaseImage,
		Inputs: []Handoff{executable},
	}

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveLabel, Role: RoleMetadata,
		Args: []string{
			LabelTitle + "=" + strconv.Quote(spec.Service),
			LabelVersion + "=" + strconv.Quote(spec.Version),
			LabelSpecification + "=" + strconv.Quote(spec.ID),
			LabelSpecVersion + "=" + strconv.Quote(spec.Version),
			LabelProfile + "=" + strconv.Quote(profile.Name),
		},
	})

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RolePrune,
		Comment: "prune the base filesystem, keeping trust material",
		Args:    pruneCommands(rt),
	})

	shell := id.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RoleIdentity,
		Args: []string{
			fmt.Sprintf("groupadd --gid %d %s", id.GID, id.Group),
			fmt.Sprintf("useradd --no-log-init --uid %d --gid %d --home-dir %s --create-home --shell %s %s", id.UID, id.GID, id.Home, shell, id.User),
		},
	})

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveCopy, Role: RoleInstall, From: executable.Stage,
		Args: []string{executable.Path, bin},
	})

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RoleVerify,
		Comment: "the executable must load and report its version",
		Args:    []string{gateCommand(bin, versionArgs(rt))},
	})

	strip := append(append([]string(nil), packageCaches...), rt.StripPaths...)
	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RoleStrip,
		Args: []string{"rm -rf " + strings.Join(strip, " ")},
	})

	ports := make([]string, 0, 3)
	for _, port := range rt.Ports.List() {
		ports = append(ports, strconv.Itoa(port))
	}
	stage.Instructions = append(stage.Instructions,
		Instruction{Directive: DirectiveUser, Role: RoleUser, Args: []string{userSpec(id)}},
		Instruction{Directive: DirectiveWorkdir, Role: RoleWorkdir, Args: []string{id.Home}},
		Instruction{Directive: DirectiveExpose, Role: RoleExpose, Args: ports},
		Instruction{Directive: DirectiveRun, Role: RoleDataMount, Args: []string{"mkdir -p " + rt.DataMount.Path}},
		Instruction{Directive: DirectiveVolume, Role: RoleVolume, Args: []string{rt.DataMount.Path}},
		Instruction{Directive: DirectiveEntrypoint, Role: RoleEntrypoint, Args: []string{bin}},
	)
	return stage
}

// userSpec is the numeric uid:gid form of id, resolvable without /etc/passwd.
func userSpec(id build.ExecutionIdentity) string {
	return fmt.Sprintf("%d:%d", id.UID, id.GID)
}

func pruneCommands(rt build.RuntimeContract) []string {
	if len(rt.PreservePaths) == 0 {
		return []string{"rm -rf " + rt.PruneDir + "/*"}
	}
	cmds := []string{"mkdir -p " + keepDir}
	for _, p := range rt.PreservePaths {
		cmds = append(cmds, fmt.Sprintf("mv %s %s/", p, keepDir))
	}
	cmds = append(cmds, "rm -rf "+rt.PruneDir+"/*")
	for _, p := range rt.PreservePaths {
		cmds = append(cmds, fmt.Sprintf("mv %s/%s %s", keepDir, path.Base(p), p))
	}
	return append(cmds, "rmdir "+keepDir)
}

// gateCommand fails the build when the executable has an unresolved shared
// library or cannot print its version. Static executables pass the ldd check.
func gateCommand(bin string, args []string) string {
	version := strings.Join(append([]string{bin}, quoteAll(args)...), " ")
	return strings.Join([]string{
		"set -e",
		fmt.Sprintf(`out="$(ldd %s 2>&1)" || echo "$out" | grep -q 'not a dynamic executable'`, bin),
		`echo "$out"`,
		`if echo "$out" | grep -q 'not found'; then exit 1; fi`,
		version,
	}, "; ")
}

func versionArgs(rt build.RuntimeContract) []string {
	if len(rt.VersionArgs) > 0 {
		return rt.VersionArgs
	}
	return []string{"--version"}
}
