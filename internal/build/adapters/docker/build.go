package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/image"
	"github.com/cochaviz/kiln/internal/pipeline"
)

// Ensure DockerBuilder satisfies the build driver interface.
var _ build.BuildDriver = (*DockerBuilder)(nil)

// DockerBuilder drives the staged image build through the docker CLI.
type DockerBuilder struct {
	// Docker is the docker binary, "docker" when empty.
	Docker string
	Runner CommandRunner
	Logger *slog.Logger
}

func (b *DockerBuilder) logger() *slog.Logger {
	if b != nil && b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *DockerBuilder) docker() string {
	if b.Docker != "" {
		return b.Docker
	}
	return "docker"
}

func (b *DockerBuilder) runner() CommandRunner {
	if b.Runner != nil {
		return b.Runner
	}
	return ExecRunner{}
}

func (b *DockerBuilder) run(ctx context.Context, args ...string) ([]byte, error) {
	return b.runner().Run(ctx, b.docker(), args...)
}

// Reference returns the image reference for a build: the requested tag, or
// kiln/<spec>:<version>-<profile>.
func Reference(bctx build.BuildContext) string {
	if bctx.Tag != "" {
		return bctx.Tag
	}
	return fmt.Sprintf("kiln/%s:%s-%s", bctx.Spec.ID, bctx.Spec.Version, bctx.Profile.Name)
}

// Build runs the toolchain, builder and runtime targets in order, then
// verifies the assembled image. Any failure removes the image.
func (b *DockerBuilder) Build(ctx context.Context, bctx build.BuildContext, env build.BuildEnvironment) (build.BuildOutput, error) {
	dockerEnv, ok := env.(*DockerBuildEnvironment)
	if !ok {
		return build.BuildOutput{}, &build.BuildError{Kind: build.PrerequisiteFailure, Message: "invalid environment type: expected *DockerBuildEnvironment"}
	}
	plan := dockerEnv.Plan
	ref := Reference(bctx)

	logger := b.logger().With(
		"specification", bctx.Spec.ID,
		"profile", bctx.Profile.Name,
		"image", ref,
	)

	steps := []struct {
		target string
		kind   build.FailureKind
		extra  []string
	}{
		{pipeline.ToolchainStage, build.PrerequisiteFailure, rebuildFlags(bctx.Rebuild, "--pull", "--no-cache")},
		{pipeline.BuilderStage, build.CompilationFailure, rebuildFlags(bctx.Rebuild, "--no-cache-filter", pipeline.BuilderStage)},
	}
	for _, step := range steps {
		logger.Info("building stage", "stage", step.target)
		args := b.buildArgs(bctx, dockerEnv, step.target, "", step.extra)
		if out, err := b.run(ctx, args...); err != nil {
			return build.BuildOutput{}, stageError(ctx, step.kind, step.target, err, out)
		}
	}

	logger.Info("assembling runtime image")
	args := b.buildArgs(bctx, dockerEnv, "", ref, rebuildFlags(bctx.Rebuild, "--pull", "--no-cache-filter", pipeline.RuntimeStage))
	if out, err := b.run(ctx, args...); err != nil {
		b.removeImage(logger, ref)
		return build.BuildOutput{}, stageError(ctx, classifyRuntime(out, plan.Executable()), pipeline.RuntimeStage, err, out)
	}

	output, err := b.verify(ctx, logger, bctx, dockerEnv, ref)
	if err != nil {
		b.removeImage(logger, ref)
		return build.BuildOutput{}, err
	}
	return output, nil
}

func (b *DockerBuilder) verify(ctx context.Context, logger *slog.Logger, bctx build.BuildContext, env *DockerBuildEnvironment, ref string) (build.BuildOutput, error) {
	plan := env.Plan

	out, err := b.run(ctx, "image", "inspect", ref)
	if err != nil {
		return build.BuildOutput{}, stageError(ctx, build.VerificationFailure, pipeline.RuntimeStage, err, out)
	}
	imageID, cfg, err := parseInspect(out)
	if err != nil {
		return build.BuildOutput{}, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, err, "inspect %s", ref)
	}
	if err := image.CheckContract(cfg, plan.Contract()); err != nil {
		return build.BuildOutput{}, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, err, "image %s breaks its runtime contract", ref)
	}

	runArgs := append([]string{"run", "--rm", "--network", "none", ref}, plan.VersionArgs()...)
	out, err = b.run(ctx, runArgs...)
	if err != nil {
		return build.BuildOutput{}, stageError(ctx, build.VerificationFailure, pipeline.RuntimeStage, err, out)
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return build.BuildOutput{}, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, nil, "%s printed no version", bctx.Spec.Service)
	}
	logger.Info("verified runtime image", "version", version, "image_id", imageID)

	var report *image.AuditReport
	if bctx.Audit {
		audit, err := b.audit(ctx, env, ref)
		if err != nil {
			return build.BuildOutput{}, err
		}
		report = &audit
		logger.Info("audited runtime filesystem", "entries", audit.Entries)
	}

	archivePath := filepath.Join(env.WorkDir, "image.tar")
	if out, err := b.run(ctx, "save", "--output", archivePath, ref); err != nil {
		return build.BuildOutput{}, stageError(ctx, build.VerificationFailure, pipeline.RuntimeStage, err, out)
	}
	archive, err := fileArtifact(archivePath, artifacts.ImageArtifact, "application/x-tar")
	if err != nil {
		return build.BuildOutput{}, fmt.Errorf("describe image archive: %w", err)
	}
	dockerfile, err := fileArtifact(env.DockerfilePath, artifacts.BuildArtifact, "text/x-dockerfile")
	if err != nil {
		return build.BuildOutput{}, fmt.Errorf("describe dockerfile: %w", err)
	}

	return build.BuildOutput{
		ImageArchive: archive,
		Dockerfile:   dockerfile,
		ImageID:      imageID,
		Reference:    ref,
		Version:      version,
		Config:       cfg,
		Audit:        report,
		Metadata: map[string]any{
			"executable": plan.Executable().Path,
			"platform":   platformOf(bctx.Spec).Platform(),
			"toolchain":  string(bctx.Spec.Toolchain.Kind) + " " + bctx.Spec.Toolchain.Channel,
		},
	}, nil
}

// audit exports the runtime filesystem from a temporary container and checks
// it against the plan's audit policy. The container is always removed.
func (b *DockerBuilder) audit(ctx context.Context, env *DockerBuildEnvironment, ref string) (image.AuditReport, error) {
	out, err := b.run(ctx, "create", ref)
	if err != nil {
		return image.AuditReport{}, stageError(ctx, build.VerificationFailure, pipeline.RuntimeStage, err, out)
	}
	container := strings.TrimSpace(string(out))
	defer func() {
		if out, err := b.run(context.WithoutCancel(ctx), "rm", "--force", "--volumes", container); err != nil {
			b.logger().Warn("failed to remove audit container", "container", container, "error", err, "output", tail(out, 5))
		}
	}()

	rootfs := filepath.Join(env.WorkDir, "rootfs.tar")
	if out, err := b.run(ctx, "export", "--output", rootfs, container); err != nil {
		return image.AuditReport{}, stageError(ctx, build.VerificationFailure, pipeline.RuntimeStage, err, out)
	}
	defer os.Remove(rootfs)

	f, err := os.Open(rootfs)
	if err != nil {
		return image.AuditReport{}, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, err, "open exported filesystem")
	}
	defer f.Close()

	policy := env.Plan.AuditPolicy()
	report, err := image.Audit(f, policy)
	if err != nil {
		return report, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, err, "audit %s", ref)
	}
	if err := report.Violations(policy); err != nil {
		return report, build.NewError(build.VerificationFailure, pipeline.RuntimeStage, err, "audit %s", ref)
	}
	return report, nil
}

func (b *DockerBuilder) buildArgs(bctx build.BuildContext, env *DockerBuildEnvironment, target, tag string, extra []string) []string {
	args := []string{"build", "--file", env.DockerfilePath}
	if target != "" {
		args = append(args, "--target", target)
	}
	if tag != "" {
		args = append(args, "--tag", tag)
	}
	if bctx.Spec.Platform != "" {
		args = append(args, "--platform", bctx.Spec.Platform.Platform())
	}
	args = append(args, extra...)
	return append(args, env.ContextDir)
}

func (b *DockerBuilder) removeImage(logger *slog.Logger, ref string) {
	// The build context may already be cancelled; removal must still happen.
	if out, err := b.run(context.Background(), "image", "rm", "--force", ref); err != nil {
		logger.Warn("failed to remove image", "error", err, "output", tail(out, 5))
		return
	}
	logger.Info("removed image after failed build")
}

// platformOf is the architecture the image is built for: the declared one, or
// the engine host's when the specification leaves it open.
func platformOf(spec build.BuildSpecification) arch.Architecture {
	if spec.Platform != "" {
		return spec.Platform
	}
	return arch.Host()
}

func rebuildFlags(rebuild bool, flags ...string) []string {
	if !rebuild {
		return nil
	}
	return flags
}

// classifyRuntime decides whether a failed runtime assembly failed on the
// executable handoff or later, in the verification gate.
func classifyRuntime(out []byte, executable pipeline.Handoff) build.FailureKind {
	for _, line := range strings.Split(string(out), "\n") {
		if !isErrorLine(line) {
			continue
		}
		if strings.Contains(line, executable.Path) || strings.Contains(line, "COPY --from="+executable.Stage) || strings.Contains(line, "COPY failed") {
			return build.ArtifactTransferFailure
		}
	}
	return build.VerificationFailure
}

func isErrorLine(line string) bool {
	return strings.Contains(line, "ERROR") || strings.Contains(line, "failed to solve") ||
		strings.Contains(line, "failed to compute cache key") || strings.Contains(line, "COPY failed")
}

func stageError(ctx context.Context, kind build.FailureKind, stage string, err error, out []byte) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	return build.NewError(kind, stage, err, "%s", tail(out, 20))
}

func fileArtifact(path string, kind artifacts.ArtifactKind, contentType string) (artifacts.Artifact, error) {
	checksum, size, err := artifacts.ChecksumFile(path)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	return artifacts.Artifact{
		Kind:        kind,
		URI:         artifacts.FileURI(path),
		Checksum:    &checksum,
		ContentType: contentType,
		SizeBytes:   size,
	}, nil
}
