package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/cochaviz/kiln/internal/build"
)

const (
	sourceDir = "/build/src"
	rustOut   = "/build/target"
	goOut     = "/build/out"
)

// ExecutablePath returns the deterministic location of the compiled
// executable inside the builder stage for the given profile.
func ExecutablePath(spec build.BuildSpecification, profile build.BuildProfile) string {
	root := rustOut
	if spec.Toolchain.Kind == build.ToolchainGo {
		root = goOut
	}
	return path.Join(root, profile.OutputDir, spec.Service)
}

// toolchainPackages are always installed alongside the declared prerequisites.
var toolchainPackages = map[build.ToolchainKind][]string{
	build.ToolchainRust: {"ca-certificates", "curl", "build-essential", "pkg-config"},
	build.ToolchainGo:   {"ca-certificates"},
}

func toolchainStage(spec build.BuildSpecification) (Stage, error) {
	tc := spec.Toolchain
	stage := Stage{Name: ToolchainStage, Base: tc.BaseImage}

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveEnv, Role: RolePrerequisites,
		Args: []string{"DEBIAN_FRONTEND=noninteractive"},
	})
	if tc.PackageSource != "" {
		stage.Instructions = append(stage.Instructions, Instruction{
			Directive: DirectiveRun, Role: RolePackageSource,
			Comment: "pinned package snapshot",
			Args: []string{
				"rm -f /etc/apt/sources.list.d/*",
				fmt.Sprintf("echo %s > /etc/apt/sources.list", shellQuote(tc.PackageSource)),
			},
		})
	}

	packages := mergePackages(toolchainPackages[tc.Kind], tc.Packages)
	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RolePrerequisites,
		Args: []string{
			"apt-get update",
			"apt-get install -y --no-install-recommends " + strings.Join(packages, " "),
			"rm -rf /var/lib/apt/lists/*",
		},
	})

	switch tc.Kind {
	case build.ToolchainRust:
		install := []string{
			"curl --proto '=https' --tlsv1.2 -sSf https://sh.rustup.rs | sh -s -- -y --no-modify-path --profile minimal --default-toolchain " + shellQuote(tc.Channel),
		}
		for _, target := range tc.Targets {
			install = append(install, "rustup target add --toolchain "+shellQuote(tc.Channel)+" "+shellQuote(target))
		}
		stage.Instructions = append(stage.Instructions,
			Instruction{
				Directive: DirectiveEnv, Role: RoleToolchain,
				Args: []string{"RUSTUP_HOME=/usr/local/rustup", "CARGO_HOME=/usr/local/cargo", "PATH=/usr/local/cargo/bin:$PATH"},
			},
			Instruction{Directive: DirectiveRun, Role: RoleToolchain, Args: install},
			Instruction{
				Directive: DirectiveRun, Role: RoleToolchainTest,
				Args: []string{
					"rustup show active-toolchain | grep -q " + shellQuote(tc.Channel),
					"cargo --version",
				},
			},
		)
	case build.ToolchainGo:
		stage.Instructions = append(stage.Instructions,
			Instruction{
				Directive: DirectiveEnv, Role: RoleToolchain,
				Args: []string{"GOTOOLCHAIN=local", "GOFLAGS=-mod=readonly"},
			},
			Instruction{
				Directive: DirectiveRun, Role: RoleToolchainTest,
				Args: []string{"go version | grep -q " + shellQuote("go"+strings.TrimPrefix(tc.Channel, "go")+" ")},
			},
		)
		if len(tc.Targets) > 0 {
			return Stage{}, planError(ToolchainStage, "go toolchain does not support secondary targets %v", tc.Targets)
		}
	default:
		return Stage{}, planError(ToolchainStage, "unsupported toolchain kind %q", tc.Kind)
	}
	return stage, nil
}

func builderStage(spec build.BuildSpecification, profile build.BuildProfile) (Stage, error) {
	executable := ExecutablePath(spec, profile)
	stage := Stage{
		Name:    BuilderStage,
		Base:    ToolchainStage,
		Outputs: []Handoff{{Stage: BuilderStage, Path: executable}},
	}

	stage.Instructions = append(stage.Instructions,
		Instruction{Directive: DirectiveWorkdir, Role: RoleSource, Args: []string{sourceDir}},
		Instruction{Directive: DirectiveCopy, Role: RoleSource, Args: []string{".", sourceDir}},
	)

	switch spec.Toolchain.Kind {
	case build.ToolchainRust:
		compile := []string{"cargo", "build", "--locked", "--profile", cargoProfile(profile.Name)}
		if spec.Package != "" {
			compile = append(compile, "-p", shellQuote(spec.Package))
		}
		compile = append(compile, "--bin", shellQuote(spec.Service))
		compile = append(compile, quoteAll(profile.Flags)...)
		stage.Instructions = append(stage.Instructions,
			Instruction{Directive: DirectiveEnv, Role: RoleFetch, Args: []string{"CARGO_TARGET_DIR=" + rustOut}},
			Instruction{Directive: DirectiveRun, Role: RoleFetch, Args: []string{"cargo fetch --locked"}},
			Instruction{Directive: DirectiveRun, Role: RoleCompile, Args: []string{strings.Join(compile, " ")}},
		)
	case build.ToolchainGo:
		pkg := spec.Package
		if pkg == "" {
			pkg = "."
		}
		compile := []string{"go", "build", "-trimpath"}
		compile = append(compile, quoteAll(profile.Flags)...)
		compile = append(compile, "-o", executable, shellQuote(pkg))
		stage.Instructions = append(stage.Instructions,
			Instruction{Directive: DirectiveRun, Role: RoleFetch, Args: []string{"go mod download"}},
			Instruction{Directive: DirectiveRun, Role: RoleCompile, Args: []string{strings.Join(compile, " ")}},
		)
	default:
		return Stage{}, planError(BuilderStage, "unsupported toolchain kind %q", spec.Toolchain.Kind)
	}

	stage.Instructions = append(stage.Instructions, Instruction{
		Directive: DirectiveRun, Role: RoleArtifactCheck,
		Comment: "exactly one executable at the profile path",
		Args: []string{
			"test -x " + executable,
			fmt.Sprintf("test \"$(find %s -maxdepth 1 -type f -name %s | wc -l)\" -eq 1", path.Dir(executable), shellQuote(spec.Service)),
		},
	})
	return stage, nil
}

// cargoProfile maps a profile name onto the cargo profile that produces it.
// Cargo reserves "debug" and builds it from the "dev" profile.
func cargoProfile(name string) string {
	if name == "debug" {
		return "dev"
	}
	return name
}

func mergePackages(base, extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, pkg := range append(append([]string(nil), base...), extra...) {
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		out = append(out, pkg)
	}
	return out
}

// shellQuote quotes s for sh when it contains anything beyond a safe set.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=+,@") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func quoteAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, shellQuote(v))
	}
	return out
}
