package build

import "errors"

// ErrSpecificationNotFound is returned when no specification matches an id.
var ErrSpecificationNotFound = errors.New("specification not found")

type BuildSpecificationRepository interface {
	Get(specID string) (BuildSpecification, error)
	Save(spec BuildSpecification) (BuildSpecification, error)

	ListVersions(specID string) ([]BuildSpecification, error)
	ListAll() ([]BuildSpecification, error)
	FilterByToolchain(kind ToolchainKind) ([]BuildSpecification, error)
}
