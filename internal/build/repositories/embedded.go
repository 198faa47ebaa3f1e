package repositories

import (
	_ "embed"
	"fmt"

	"github.com/cochaviz/kiln/internal/build"
)

//go:embed assets/node.hcl
var embeddedNodeSpec []byte

//go:embed assets/node-go.yaml
var embeddedNodeGoSpec []byte

// EmbeddedSpecificationRepository contains built-in build specifications.
type EmbeddedSpecificationRepository struct {
	catalog
}

// NewEmbeddedSpecificationRepository constructs a repository pre-populated with embedded specs.
func NewEmbeddedSpecificationRepository() *EmbeddedSpecificationRepository {
	repo := &EmbeddedSpecificationRepository{catalog: newCatalog()}

	for _, spec := range defaultSpecs() {
		repo.append(spec)
	}

	return repo
}

// Save adds a new version for the provided specification. Saved versions
// live only as long as the repository.
func (r *EmbeddedSpecificationRepository) Save(spec build.BuildSpecification) (build.BuildSpecification, error) {
	if err := build.ValidateSpecification(spec); err != nil {
		return build.BuildSpecification{}, err
	}
	r.append(spec)
	return spec, nil
}

func defaultSpecs() []build.BuildSpecification {
	hclSpecs, err := decodeHCL("assets/node.hcl", embeddedNodeSpec)
	if err != nil {
		panic(fmt.Sprintf("decode embedded specification: %v", err))
	}
	yamlSpecs, err := decodeYAML("assets/node-go.yaml", embeddedNodeGoSpec)
	if err != nil {
		panic(fmt.Sprintf("decode embedded specification: %v", err))
	}
	return append(hclSpecs, yamlSpecs...)
}
