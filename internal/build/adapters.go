package build

import "context"

// BuildEnvironmentPreparer provisions an isolated workspace for a single build.
type BuildEnvironmentPreparer interface {
	Prepare(ctx context.Context, buildContext BuildContext) (BuildEnvironment, error)
}

type BuildEnvironment interface {
	// Workspace is the root of the isolated build workspace.
	Workspace() string
	Cleanup(buildContext BuildContext) error
}

// BuildDriver drives the staged build workflow to produce an image.
type BuildDriver interface {
	Build(ctx context.Context, buildContext BuildContext, environment BuildEnvironment) (BuildOutput, error)
}
