package repositories

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/build"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// hclFile is the top level of an HCL specification file.
type hclFile struct {
	Specs []build.BuildSpecification `hcl:"spec,block"`
}

// FileSpecificationRepository loads specifications from YAML and HCL files in
// a directory. Files are read once, in name order; later versions of an id
// replace earlier ones for Get.
type FileSpecificationRepository struct {
	catalog
	Dir string
}

// NewFileSpecificationRepository reads every *.yaml, *.yml and *.hcl file in dir.
// A missing directory yields an empty repository.
func NewFileSpecificationRepository(dir string) (*FileSpecificationRepository, error) {
	repo := &FileSpecificationRepository{catalog: newCatalog(), Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return repo, nil
		}
		return nil, fmt.Errorf("read specification dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		specs, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			if err := build.ValidateSpecification(spec); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			repo.append(spec)
		}
	}
	return repo, nil
}

// Save validates the specification and writes it as <id>-<version>.yaml.
func (r *FileSpecificationRepository) Save(spec build.BuildSpecification) (build.BuildSpecification, error) {
	if err := build.ValidateSpecification(spec); err != nil {
		return build.BuildSpecification{}, err
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return build.BuildSpecification{}, fmt.Errorf("create specification dir: %w", err)
	}

	data, err := yaml.Marshal(spec)
	if err != nil {
		return build.BuildSpecification{}, fmt.Errorf("encode specification %s: %w", spec.ID, err)
	}

	name := spec.ID + ".yaml"
	if spec.Version != "" {
		name = spec.ID + "-" + spec.Version + ".yaml"
	}
	path := filepath.Join(r.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return build.BuildSpecification{}, fmt.Errorf("write specification: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return build.BuildSpecification{}, fmt.Errorf("commit specification: %w", err)
	}

	r.append(spec)
	return spec, nil
}

func loadFile(path string) ([]build.BuildSpecification, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".hcl" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specification %s: %w", path, err)
	}
	if ext == ".hcl" {
		return decodeHCL(path, data)
	}
	return decodeYAML(path, data)
}

// decodeHCL decodes every spec block in an HCL document.
func decodeHCL(filename string, data []byte) ([]build.BuildSpecification, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	return root.Specs, nil
}

// decodeYAML decodes one specification per YAML document.
func decodeYAML(filename string, data []byte) ([]build.BuildSpecification, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var specs []build.BuildSpecification
	for {
		var spec build.BuildSpecification
		err := decoder.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
