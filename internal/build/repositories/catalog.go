package repositories

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/build"
)

// catalog keeps every saved version of each specification in insertion order.
// The last version saved for an id is the one returned by Get.
type catalog struct {
	history map[string][]build.BuildSpecification
	order   []string
}

func newCatalog() catalog {
	return catalog{history: make(map[string][]build.BuildSpecification)}
}

// Get returns the latest specification for the provided id.
func (c *catalog) Get(specID string) (build.BuildSpecification, error) {
	versions, ok := c.history[specID]
	if !ok || len(versions) == 0 {
		return build.BuildSpecification{}, fmt.Errorf("%w: %s", build.ErrSpecificationNotFound, specID)
	}
	return versions[len(versions)-1], nil
}

// ListVersions lists all known versions for a specification id.
func (c *catalog) ListVersions(specID string) ([]build.BuildSpecification, error) {
	versions := c.history[specID]
	if len(versions) == 0 {
		return nil, nil
	}

	result := make([]build.BuildSpecification, len(versions))
	copy(result, versions)
	return result, nil
}

// ListAll returns the latest version for every specification.
func (c *catalog) ListAll() ([]build.BuildSpecification, error) {
	if len(c.history) == 0 {
		return nil, nil
	}

	specs := make([]build.BuildSpecification, 0, len(c.order))
	for _, id := range c.order {
		if versions := c.history[id]; len(versions) > 0 {
			specs = append(specs, versions[len(versions)-1])
		}
	}
	return specs, nil
}

// FilterByToolchain returns the latest specs built with the given toolchain.
func (c *catalog) FilterByToolchain(kind build.ToolchainKind) ([]build.BuildSpecification, error) {
	all, err := c.ListAll()
	if err != nil || kind == "" {
		return all, err
	}

	var matched []build.BuildSpecification
	for _, spec := range all {
		if spec.Toolchain.Kind == kind {
			matched = append(matched, spec)
		}
	}
	return matched, nil
}

func (c *catalog) append(spec build.BuildSpecification) {
	if _, exists := c.history[spec.ID]; !exists {
		c.order = append(c.order, spec.ID)
	}
	c.history[spec.ID] = append(c.history[spec.ID], spec)
}
