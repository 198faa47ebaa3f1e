package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/pipeline"
)

// Ensure DockerBuildEnvironmentPreparer implements the EnvironmentPreparer interface.
var _ build.BuildEnvironmentPreparer = (*DockerBuildEnvironmentPreparer)(nil)

// skippedDirs never reach the build context.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"target":       true,
	"node_modules": true,
}

// DockerBuildEnvironmentPreparer creates a fresh workspace per build holding
// a copy of the source tree and the rendered Dockerfile.
type DockerBuildEnvironmentPreparer struct {
	BaseDir string
	Logger  *slog.Logger
}

func (p *DockerBuildEnvironmentPreparer) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Prepare provisions the workspace, copies the source and renders the plan.
func (p *DockerBuildEnvironmentPreparer) Prepare(ctx context.Context, bctx build.BuildContext) (build.BuildEnvironment, error) {
	info, err := os.Stat(p.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("base dir %q does not exist", p.BaseDir)
		}
		return nil, fmt.Errorf("stat base dir %q: %w", p.BaseDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base dir %q is not a directory", p.BaseDir)
	}

	source := sourceDir(bctx)
	if source == "" {
		return nil, build.NewError(build.PrerequisiteFailure, "", nil, "no source directory for %s", bctx.Spec.ID)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, build.NewError(build.PrerequisiteFailure, "", err, "source directory %q is not readable", source)
	}

	plan, err := pipeline.NewPlan(bctx)
	if err != nil {
		return nil, err
	}

	buildsDir := filepath.Join(p.BaseDir, "builds")
	if err := os.MkdirAll(buildsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create builds dir: %w", err)
	}
	workDir, err := os.MkdirTemp(buildsDir, fmt.Sprintf("%s-%s-", bctx.Spec.ID, bctx.Profile.Name))
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	env := &DockerBuildEnvironment{
		WorkDir:        workDir,
		ContextDir:     filepath.Join(workDir, "context"),
		DockerfilePath: filepath.Join(workDir, "Dockerfile"),
		Plan:           plan,
	}

	fail := func(err error) (build.BuildEnvironment, error) {
		return nil, errors.Join(err, env.Cleanup(bctx))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	skipped, err := copyTree(source, env.ContextDir)
	if err != nil {
		return fail(fmt.Errorf("copy source tree: %w", err))
	}
	for _, name := range skipped {
		p.logger().Warn("skipped symlink leaving the source tree", "path", name)
	}

	if err := os.WriteFile(env.DockerfilePath, []byte(plan.Dockerfile()), 0o644); err != nil {
		return fail(fmt.Errorf("write dockerfile: %w", err))
	}
	if err := os.WriteFile(filepath.Join(env.ContextDir, ".dockerignore"), []byte(pipeline.DockerIgnore()), 0o644); err != nil {
		return fail(fmt.Errorf("write dockerignore: %w", err))
	}

	p.logger().Debug("prepared build workspace", "workspace", workDir, "source", source)
	return env, nil
}

var _ build.BuildEnvironment = (*DockerBuildEnvironment)(nil)

// DockerBuildEnvironment is the per-build workspace.
type DockerBuildEnvironment struct {
	WorkDir        string
	ContextDir     string
	DockerfilePath string
	Plan           pipeline.Plan
}

func (env *DockerBuildEnvironment) Workspace() string {
	return env.WorkDir
}

// Cleanup removes the workspace.
func (env *DockerBuildEnvironment) Cleanup(build.BuildContext) error {
	if env.WorkDir == "" {
		return nil
	}
	if err := os.RemoveAll(env.WorkDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func sourceDir(bctx build.BuildContext) string {
	if bctx.SourceDir != "" {
		return bctx.SourceDir
	}
	return bctx.Spec.Source
}

// copyTree copies regular files and directories from src into dst. Symlinks
// are recreated only when they resolve inside src; the rest are skipped and
// returned.
func copyTree(src, dst string) ([]string, error) {
	root, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	var skipped []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if rel != "." && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if !insideTree(root, filepath.Dir(path), link) {
				skipped = append(skipped, rel)
				return nil
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			// Sockets, devices and pipes have no place in a build context.
			return nil
		}
	})
	return skipped, err
}

func insideTree(root, dir, link string) bool {
	if filepath.IsAbs(link) {
		return false
	}
	resolved := filepath.Join(dir, link)
	rel, err := filepath.Rel(root, resolved)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
