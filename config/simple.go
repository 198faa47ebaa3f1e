package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/adapters/docker"
	buildspecs "github.com/cochaviz/kiln/internal/build/repositories"
	"github.com/cochaviz/kiln/internal/image"
	imagerepos "github.com/cochaviz/kiln/internal/image/repositories"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/pipeline"
)

// SpecStatus pairs a specification with its most recent image, if any.
type SpecStatus struct {
	Specification build.BuildSpecification
	Latest        *image.RuntimeImage
}

// Build executes the end-to-end flow to produce an image for the requested specification.
func Build(ctx context.Context, cfg Config, request build.BuildRequest) (image.RuntimeImage, error) {
	return BuildWithLogger(ctx, cfg, request, nil)
}

// BuildWithLogger executes the end-to-end flow using the provided logger.
func BuildWithLogger(ctx context.Context, cfg Config, request build.BuildRequest, logger *slog.Logger) (image.RuntimeImage, error) {
	logger = logging.Component(logger, "config.simple")

	if request.SpecificationID == "" {
		return image.RuntimeImage{}, fmt.Errorf("specification id is required")
	}

	specifications, err := specificationRepository(cfg)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	store, err := artifactStore(cfg)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	images, closeImages, err := imageRepository(ctx, cfg)
	if err != nil {
		return image.RuntimeImage{}, err
	}
	defer closeImages()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return image.RuntimeImage{}, fmt.Errorf("create work directory: %w", err)
	}

	buildService := build.BuildService{
		Logger: logger.With("service", "build"),
		EnvironmentPreparer: &docker.DockerBuildEnvironmentPreparer{
			BaseDir: cfg.WorkDir,
			Logger:  logger.With("preparer", "docker"),
		},
		BuildDriver: &docker.DockerBuilder{
			Docker: cfg.Docker,
			Logger: logger.With("driver", "docker"),
		},
		BuildSpecificationRepository: specifications,
		ImageRepository:              images,
		ArtifactStore:                store,
	}

	return buildService.Run(ctx, &request)
}

// Render returns the Dockerfile a build of specID with profile would use.
func Render(cfg Config, specID, profileName string) (string, error) {
	specifications, err := specificationRepository(cfg)
	if err != nil {
		return "", err
	}
	spec, err := specifications.Get(specID)
	if err != nil {
		return "", err
	}
	profile, err := build.ResolveProfile(spec, profileName)
	if err != nil {
		return "", err
	}

	plan, err := pipeline.NewPlan(build.BuildContext{Spec: spec, Profile: profile})
	if err != nil {
		return "", err
	}
	return plan.Dockerfile(), nil
}

// List returns the available specifications and their latest image.
func List(ctx context.Context, cfg Config) ([]SpecStatus, error) {
	specifications, err := specificationRepository(cfg)
	if err != nil {
		return nil, err
	}
	images, closeImages, err := imageRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeImages()

	specs, err := specifications.ListAll()
	if err != nil {
		return nil, err
	}

	statuses := make([]SpecStatus, 0, len(specs))
	for _, spec := range specs {
		latest, err := images.LatestForSpec(ctx, spec.ID)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, SpecStatus{Specification: spec, Latest: latest})
	}
	return statuses, nil
}

// Inspect returns the most recent image built for specID, or nil.
func Inspect(ctx context.Context, cfg Config, specID string) (*image.RuntimeImage, error) {
	images, closeImages, err := imageRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeImages()

	return images.LatestForSpec(ctx, specID)
}

// specificationRepository layers the spec directory over the embedded specs:
// a file spec with an embedded id becomes that id's latest version.
func specificationRepository(cfg Config) (build.BuildSpecificationRepository, error) {
	repo := buildspecs.NewEmbeddedSpecificationRepository()
	if cfg.SpecDir == "" {
		return repo, nil
	}

	files, err := buildspecs.NewFileSpecificationRepository(cfg.SpecDir)
	if err != nil {
		return nil, err
	}
	specs, err := files.ListAll()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, err := repo.Save(spec); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func artifactStore(cfg Config) (artifacts.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case BackendS3:
		return artifacts.NewObjectArtifactStore(cfg.ObjectStore)
	case BackendLocal, "":
		return &artifacts.LocalArtifactStore{BaseDir: cfg.ArtifactDir}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.ArtifactBackend)
	}
}

func imageRepository(ctx context.Context, cfg Config) (image.ImageRepository, func(), error) {
	switch cfg.ImageBackend {
	case BackendPostgres:
		db, err := imagerepos.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open image database: %w", err)
		}
		repo := imagerepos.NewPostgresImageRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("ensure image schema: %w", err), db.Close())
		}
		return repo, func() { _ = db.Close() }, nil
	case BackendLocal, "":
		return &imagerepos.LocalImageRepository{BaseDir: cfg.ImageDir}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported image backend %q", cfg.ImageBackend)
	}
}
