package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/repositories"
)

func TestPrepareCopiesSourceTree(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("key"), 0o600); err != nil {
		t.Fatalf("write outside: %v", err)
	}

	source := t.TempDir()
	files := map[string]string{
		"Cargo.toml":         "[workspace]\n",
		"node/src/main.rs":   "fn main() {}\n",
		".git/HEAD":          "ref: refs/heads/main\n",
		"target/debug/stale": "old build\n",
		"web/node_modules/x": "dependency\n",
	}
	for name, content := range files {
		path := filepath.Join(source, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(source, "leak")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("node/src/main.rs", filepath.Join(source, "main.rs")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	spec, err := repositories.NewEmbeddedSpecificationRepository().Get("node")
	if err != nil {
		t.Fatalf("Get(node) error = %v", err)
	}
	profile, _ := build.ResolveProfile(spec, "release")
	bctx := build.BuildContext{Spec: spec, Profile: profile, SourceDir: source}

	baseDir := t.TempDir()
	env, err := (&DockerBuildEnvironmentPreparer{BaseDir: baseDir}).Prepare(context.Background(), bctx)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	dockerEnv := env.(*DockerBuildEnvironment)

	if !strings.HasPrefix(env.Workspace(), filepath.Join(baseDir, "builds")) {
		t.Fatalf("workspace %s not under base dir", env.Workspace())
	}
	for _, present := range []string{"Cargo.toml", "node/src/main.rs", "main.rs", ".dockerignore"} {
		if _, err := os.Lstat(filepath.Join(dockerEnv.ContextDir, present)); err != nil {
			t.Errorf("%s missing from context: %v", present, err)
		}
	}
	for _, absent := range []string{".git", "target", "web/node_modules", "leak"} {
		if _, err := os.Lstat(filepath.Join(dockerEnv.ContextDir, absent)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s copied into context", absent)
		}
	}

	dockerfile, err := os.ReadFile(dockerEnv.DockerfilePath)
	if err != nil {
		t.Fatalf("read Dockerfile: %v", err)
	}
	if string(dockerfile) != dockerEnv.Plan.Dockerfile() {
		t.Fatalf("written Dockerfile differs from plan")
	}
	if !strings.Contains(string(dockerfile), "/build/target/release/node") {
		t.Fatalf("Dockerfile not rendered for the release profile")
	}

	if err := env.Cleanup(bctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(env.Workspace()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workspace still exists after cleanup")
	}
}

func TestPrepareIsolatesWorkspaces(t *testing.T) {
	t.Parallel()

	spec, _ := repositories.NewEmbeddedSpecificationRepository().Get("node")
	baseDir := t.TempDir()
	preparer := &DockerBuildEnvironmentPreparer{BaseDir: baseDir}

	var workspaces []string
	for _, name := range []string{"production", "debug"} {
		profile, _ := build.ResolveProfile(spec, name)
		bctx := build.BuildContext{Spec: spec, Profile: profile, SourceDir: t.TempDir()}
		env, err := preparer.Prepare(context.Background(), bctx)
		if err != nil {
			t.Fatalf("Prepare(%s) error = %v", name, err)
		}
		t.Cleanup(func() { _ = env.Cleanup(bctx) })
		workspaces = append(workspaces, env.Workspace())
	}
	if workspaces[0] == workspaces[1] {
		t.Fatalf("profiles share workspace %s", workspaces[0])
	}
}

func TestPrepareFailures(t *testing.T) {
	t.Parallel()

	spec, _ := repositories.NewEmbeddedSpecificationRepository().Get("node")
	profile, _ := build.ResolveProfile(spec, "")

	if _, err := (&DockerBuildEnvironmentPreparer{BaseDir: filepath.Join(t.TempDir(), "missing")}).Prepare(
		context.Background(), build.BuildContext{Spec: spec, Profile: profile, SourceDir: t.TempDir()},
	); err == nil {
		t.Fatalf("Prepare() with missing base dir: error = nil")
	}

	_, err := (&DockerBuildEnvironmentPreparer{BaseDir: t.TempDir()}).Prepare(
		context.Background(), build.BuildContext{Spec: spec, Profile: profile, SourceDir: filepath.Join(t.TempDir(), "nope")},
	)
	if !errors.Is(err, build.ErrPrerequisite) {
		t.Fatalf("Prepare() with missing source: error = %v, want prerequisite failure", err)
	}

	unknown := build.BuildProfile{Name: "fast", OutputDir: "fast"}
	_, err = (&DockerBuildEnvironmentPreparer{BaseDir: t.TempDir()}).Prepare(
		context.Background(), build.BuildContext{Spec: spec, Profile: unknown, SourceDir: t.TempDir()},
	)
	if !errors.Is(err, build.ErrPrerequisite) {
		t.Fatalf("Prepare() with unknown profile: error = %v, want prerequisite failure", err)
	}
}
