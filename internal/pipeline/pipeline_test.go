package pipeline

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/cochaviz/kiln/internal/build"
)

func testSpec() build.BuildSpecification {
	return build.BuildSpecification{
		ID:      "node",
		Version: "1.4.0",
		Service: "node",
		Toolchain: build.ToolchainDescriptor{
			Kind:      build.ToolchainRust,
			Channel:   "1.78.0",
			Targets:   []string{"wasm32-unknown-unknown"},
			BaseImage: "debian:bookworm-20240513",
			Packages:  []string{"clang", "protobuf-compiler"},
		},
		Profiles: []build.BuildProfile{
			{Name: "production", OutputDir: "production"},
			{Name: "release", OutputDir: "release"},
			{Name: "debug", OutputDir: "debug"},
		},
		DefaultProfile: "production",
		Runtime: build.RuntimeContract{
			BaseImage:   "phusion/baseimage:jammy-1.0.1",
			InstallPath: "/usr/local/bin/node",
			Identity: build.ExecutionIdentity{
				User: "node", Group: "node", UID: 1000, GID: 1000, Home: "/node", Shell: "/bin/sh",
			},
			Ports:         build.PortContract{P2P: 30333, RPC: 9933, WS: 9944},
			DataMount:     build.DataMount{Path: "/node/data"},
			PruneDir:      "/usr/share",
			PreservePaths: []string{"/usr/share/ca-certificates"},
			StripPaths:    []string{"/usr/lib/python*", "/usr/share/man"},
		},
	}
}

func testPlan(t *testing.T, profile string) Plan {
	t.Helper()
	spec := testSpec()
	resolved, err := build.ResolveProfile(spec, profile)
	if err != nil {
		t.Fatalf("ResolveProfile(%q) error = %v", profile, err)
	}
	plan, err := NewPlan(build.BuildContext{Spec: spec, Profile: resolved})
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	return plan
}

func TestNewPlanStages(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	var names []string
	for _, stage := range plan.Stages {
		names = append(names, stage.Name)
	}
	if want := []string{ToolchainStage, BuilderStage, RuntimeStage}; !slices.Equal(names, want) {
		t.Fatalf("stages = %v, want %v", names, want)
	}

	builder, _ := plan.Stage(BuilderStage)
	if builder.Base != ToolchainStage {
		t.Fatalf("builder base = %q, want %q", builder.Base, ToolchainStage)
	}
	runtime, _ := plan.Stage(RuntimeStage)
	if len(runtime.Inputs) != 1 || runtime.Inputs[0] != plan.Executable() {
		t.Fatalf("runtime inputs = %v, want [%s]", runtime.Inputs, plan.Executable())
	}
}

func TestExecutablePathPerProfile(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":           "/build/target/production/node",
		"production": "/build/target/production/node",
		"release":    "/build/target/release/node",
		"debug":      "/build/target/debug/node",
	}
	for profile, want := range cases {
		if got := testPlan(t, profile).Executable().Path; got != want {
			t.Errorf("profile %q: executable = %s, want %s", profile, got, want)
		}
	}
}

func TestGoExecutablePath(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	spec.Toolchain = build.ToolchainDescriptor{Kind: build.ToolchainGo, Channel: "1.22.5", BaseImage: "golang:1.22.5-bookworm"}
	spec.Toolchain.Targets = []string{"wasm32-unknown-unknown"}
	if _, err := NewPlan(build.BuildContext{Spec: spec, Profile: spec.Profiles[1]}); err == nil {
		t.Fatalf("NewPlan() with go secondary target: error = nil, want error")
	}

	spec.Toolchain.Targets = nil
	plan, err := NewPlan(build.BuildContext{Spec: spec, Profile: spec.Profiles[1]})
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	if got := plan.Executable().Path; got != "/build/out/release/node" {
		t.Fatalf("executable = %s", got)
	}
	if df := plan.Dockerfile(); !strings.Contains(df, "go build -trimpath -o /build/out/release/node .") {
		t.Fatalf("dockerfile missing go build command:\n%s", df)
	}
}

func TestUnknownProfileFailsEarly(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	_, err := NewPlan(build.BuildContext{Spec: spec, Profile: build.BuildProfile{Name: "fast", OutputDir: "fast"}})
	if !errors.Is(err, build.ErrPrerequisite) {
		t.Fatalf("NewPlan() error = %v, want prerequisite failure", err)
	}
}

func TestDockerfileDeterministic(t *testing.T) {
	t.Parallel()

	first := testPlan(t, "release").Dockerfile()
	second := testPlan(t, "release").Dockerfile()
	if first != second {
		t.Fatalf("rendering differs between identical plans")
	}
	if first == testPlan(t, "debug").Dockerfile() {
		t.Fatalf("different profiles rendered identical Dockerfiles")
	}
}

func TestDockerfileRuntimeOrder(t *testing.T) {
	t.Parallel()

	df := testPlan(t, "").Dockerfile()
	_, runtime, found := strings.Cut(df, "AS runtime\n")
	if !found {
		t.Fatalf("no runtime stage in:\n%s", df)
	}

	markers := []string{
		"rm -rf /usr/share/*",
		"useradd --no-log-init --uid 1000 --gid 1000 --home-dir /node",
		"COPY --from=builder /build/target/production/node /usr/local/bin/node",
		"ldd /usr/local/bin/node",
		"rm -rf /var/lib/apt/lists/*",
		"USER 1000:1000",
		"EXPOSE 30333 9933 9944",
		"RUN mkdir -p /node/data",
		`VOLUME ["/node/data"]`,
		`ENTRYPOINT ["/usr/local/bin/node"]`,
	}
	last := -1
	for _, marker := range markers {
		idx := strings.Index(runtime, marker)
		if idx < 0 {
			t.Fatalf("runtime stage missing %q:\n%s", marker, runtime)
		}
		if idx <= last {
			t.Fatalf("%q out of order:\n%s", marker, runtime)
		}
		last = idx
	}
	if strings.Contains(runtime, "CMD") {
		t.Fatalf("runtime stage declares CMD:\n%s", runtime)
	}
	if strings.Contains(runtime, "cargo") || strings.Contains(runtime, "rustup") {
		t.Fatalf("toolchain leaked into runtime stage:\n%s", runtime)
	}
}

func TestDockerfileToolchain(t *testing.T) {
	t.Parallel()

	df := testPlan(t, "debug").Dockerfile()
	for _, want := range []string{
		"FROM debian:bookworm-20240513 AS toolchain",
		"--default-toolchain 1.78.0",
		"rustup target add --toolchain 1.78.0 wasm32-unknown-unknown",
		"apt-get install -y --no-install-recommends ca-certificates curl build-essential pkg-config clang protobuf-compiler",
		"FROM toolchain AS builder",
		"cargo build --locked --profile dev --bin node",
		"test -x /build/target/debug/node",
	} {
		if !strings.Contains(df, want) {
			t.Errorf("dockerfile missing %q", want)
		}
	}
}

func TestValidateRejectsMissingCopy(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	mutateRuntime(&plan, func(stage *Stage) {
		idx := stage.Find(RoleInstall)[0]
		stage.Instructions = slices.Delete(stage.Instructions, idx, idx+1)
	})
	if err := plan.Validate(); err == nil {
		t.Fatalf("Validate() without copy: error = nil, want error")
	}
}

func TestValidateRejectsRootUser(t *testing.T) {
	t.Parallel()

	for _, user := range []string{"root", "0", "0:0", "", "node", "1001:1000"} {
		plan := testPlan(t, "")
		mutateRuntime(&plan, func(stage *Stage) {
			stage.Instructions[stage.Find(RoleUser)[0]].Args = []string{user}
		})
		if err := plan.Validate(); err == nil {
			t.Errorf("Validate() with USER %q: error = nil, want error", user)
		}
	}
}

func TestValidateRejectsExtraPort(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	mutateRuntime(&plan, func(stage *Stage) {
		idx := stage.Find(RoleExpose)[0]
		stage.Instructions[idx].Args = append(stage.Instructions[idx].Args, "8080")
	})
	if err := plan.Validate(); err == nil {
		t.Fatalf("Validate() with extra port: error = nil, want error")
	}
}

func TestValidateRejectsGateAfterStrip(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	mutateRuntime(&plan, func(stage *Stage) {
		verify, strip := stage.Find(RoleVerify)[0], stage.Find(RoleStrip)[0]
		stage.Instructions[verify], stage.Instructions[strip] = stage.Instructions[strip], stage.Instructions[verify]
	})
	if err := plan.Validate(); err == nil {
		t.Fatalf("Validate() with gate after strip: error = nil, want error")
	}
}

func TestValidateRejectsCmd(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	mutateRuntime(&plan, func(stage *Stage) {
		stage.Instructions = append(stage.Instructions, Instruction{Directive: DirectiveCmd, Args: []string{"--dev"}})
	})
	if err := plan.Validate(); err == nil {
		t.Fatalf("Validate() with CMD: error = nil, want error")
	}
}

func TestValidateRejectsSecondHandoff(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	mutateRuntime(&plan, func(stage *Stage) {
		stage.Inputs = append(stage.Inputs, Handoff{Stage: BuilderStage, Path: "/build/src"})
	})
	if err := plan.Validate(); err == nil {
		t.Fatalf("Validate() with two handoffs: error = nil, want error")
	}
}

func TestContractAndAuditPolicy(t *testing.T) {
	t.Parallel()

	plan := testPlan(t, "")
	contract := plan.Contract()
	if contract.User != "node" || contract.UID != 1000 || contract.DataMount != "/node/data" {
		t.Fatalf("unexpected contract %+v", contract)
	}
	if want := []string{"30333/tcp", "9933/tcp", "9944/tcp"}; !slices.Equal(contract.ExposedPortKeys(), want) {
		t.Fatalf("ports = %v, want %v", contract.ExposedPortKeys(), want)
	}
	policy := plan.AuditPolicy()
	if !slices.Contains(policy.Forbidden, "/usr/share/man") || !slices.Contains(policy.Forbidden, "root/.cargo") ||
		!slices.Contains(policy.Forbidden, "/var/lib/apt/lists/*") {
		t.Fatalf("audit policy missing entries: %v", policy.Forbidden)
	}
	if got := plan.VersionArgs(); !slices.Equal(got, []string{"--version"}) {
		t.Fatalf("version args = %v", got)
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1.78.0":            "1.78.0",
		"--features=a,b":    "--features=a,b",
		"go1.22.5 ":         "'go1.22.5 '",
		"it's":              `'it'"'"'s'`,
		"":                  "''",
		"deb http://x/ y z": "'deb http://x/ y z'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func mutateRuntime(plan *Plan, fn func(*Stage)) {
	for i := range plan.Stages {
		if plan.Stages[i].Name == RuntimeStage {
			fn(&plan.Stages[i])
		}
	}
}
