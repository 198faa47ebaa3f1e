package build

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/image"

	"github.com/google/uuid"
)

type BuildService struct {
	Logger                       *slog.Logger
	EnvironmentPreparer          BuildEnvironmentPreparer
	BuildDriver                  BuildDriver
	BuildSpecificationRepository BuildSpecificationRepository
	ImageRepository              image.ImageRepository
	ArtifactStore                artifacts.ArtifactStore
}

// Run builds, verifies and records one runtime image. Nothing is recorded
// unless every stage succeeds.
func (s *BuildService) Run(ctx context.Context, request *BuildRequest) (image.RuntimeImage, error) {
	if err := s.validate(); err != nil {
		return image.RuntimeImage{}, err
	}

	logger := s.logger().With("specification", request.SpecificationID)

	requestedSpec, err := s.BuildSpecificationRepository.Get(request.SpecificationID)
	if err != nil {
		return image.RuntimeImage{}, NewError(PrerequisiteFailure, "", err, "load specification")
	}

	profile, err := ResolveProfile(requestedSpec, request.Profile)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	if err := ValidateSpecification(requestedSpec); err != nil {
		return image.RuntimeImage{}, err
	}

	logger = logger.With(
		"version", requestedSpec.Version,
		"profile", profile.Name,
		"toolchain", requestedSpec.Toolchain.Kind,
	)
	logger.Info("starting image build")

	buildContext := BuildContext{
		Spec:      requestedSpec,
		Profile:   profile,
		SourceDir: request.SourceDir,
		Tag:       request.Tag,
		Rebuild:   request.Rebuild,
		Audit:     request.Audit,
	}

	env, err := s.EnvironmentPreparer.Prepare(ctx, buildContext)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	defer func() {
		if err := env.Cleanup(buildContext); err != nil {
			logger.Warn("failed to clean up build environment", "workspace", env.Workspace(), "error", err)
		}
	}()
	logger.Info("build environment prepared", "workspace", env.Workspace())

	buildOutput, err := s.BuildDriver.Build(ctx, buildContext, env)
	if err != nil {
		logger.Error("image build failed", "kind", KindOf(err), "error", err)
		return image.RuntimeImage{}, err
	}
	logger.Info("build driver completed", "reference", buildOutput.Reference, "version", buildOutput.Version)

	metadata := map[string]any{
		"specification": requestedSpec.ID,
		"profile":       profile.Name,
		"reference":     buildOutput.Reference,
	}

	dockerfile, err := storeLocalArtifact(ctx, s.ArtifactStore, buildOutput.Dockerfile, metadata)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	archive, err := storeLocalArtifact(ctx, s.ArtifactStore, buildOutput.ImageArchive, metadata)
	if err != nil {
		return image.RuntimeImage{}, errors.Join(err, s.ArtifactStore.RemoveArtifact(ctx, dockerfile))
	}
	logger.Info("stored build artifacts", "archive_uri", archive.URI, "dockerfile_uri", dockerfile.URI)

	requestedAt := request.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	recordMetadata := map[string]any{"requested_at": requestedAt.UTC().Format(time.RFC3339)}
	maps.Copy(recordMetadata, buildOutput.Metadata)
	maps.Copy(recordMetadata, request.Metadata)

	runtimeImage := image.RuntimeImage{
		ID:                   uuid.New().String(),
		Reference:            buildOutput.Reference,
		ImageID:              buildOutput.ImageID,
		CreatedAt:            time.Now(),
		SpecificationID:      requestedSpec.ID,
		SpecificationVersion: requestedSpec.Version,
		Profile:              profile.Name,
		Version:              buildOutput.Version,
		Archive:              archive,
		CompanionArtifacts:   []artifacts.Artifact{dockerfile},
		Config:               buildOutput.Config,
		Audit:                buildOutput.Audit,
		Metadata:             recordMetadata,
	}

	if err := s.ImageRepository.Save(ctx, runtimeImage); err != nil {
		return image.RuntimeImage{}, errors.Join(err,
			s.ArtifactStore.RemoveArtifact(ctx, archive),
			s.ArtifactStore.RemoveArtifact(ctx, dockerfile),
		)
	}

	logger.Info("runtime image saved", "image_id", runtimeImage.ID, "reference", runtimeImage.Reference)
	return runtimeImage, nil
}

func (s *BuildService) validate() error {
	switch {
	case s.BuildSpecificationRepository == nil:
		return errors.New("build specification repository is not configured")
	case s.EnvironmentPreparer == nil:
		return errors.New("build environment preparer is not configured")
	case s.BuildDriver == nil:
		return errors.New("build driver is not configured")
	case s.ImageRepository == nil:
		return errors.New("image repository is not configured")
	case s.ArtifactStore == nil:
		return errors.New("artifact store is not configured")
	}
	return nil
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func storeLocalArtifact(ctx context.Context, store artifacts.ArtifactStore, artifact artifacts.Artifact, metadata map[string]any) (artifacts.Artifact, error) {
	path, err := artifacts.PathFromURI(artifact.URI)
	if err != nil {
		return artifacts.Artifact{}, err
	}

	merged := maps.Clone(artifact.Metadata)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, metadata)

	return store.StoreArtifact(ctx, path, artifact.Kind, merged)
}
