package repositories

import (
	"errors"
	"slices"
	"testing"

	"github.com/cochaviz/kiln/internal/build"
)

func TestRepositoryHasEntries(t *testing.T) {
	repo := NewEmbeddedSpecificationRepository()
	specs, err := repo.ListAll()

	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if len(specs) != 2 {
		t.Errorf("Expected two specifications, got %d", len(specs))
	}

	for _, spec := range specs {
		if err := build.ValidateSpecification(spec); err != nil {
			t.Errorf("embedded specification %s is invalid: %v", spec.ID, err)
		}
	}
}

func TestEmbeddedNodeSpecification(t *testing.T) {
	repo := NewEmbeddedSpecificationRepository()
	spec, err := repo.Get("node")
	if err != nil {
		t.Fatalf("Get(node) error = %v", err)
	}

	if spec.Toolchain.Kind != build.ToolchainRust || !slices.Equal(spec.Toolchain.Targets, []string{"wasm32-unknown-unknown"}) {
		t.Fatalf("unexpected toolchain %+v", spec.Toolchain)
	}
	if got := spec.ProfileNames(); !slices.Equal(got, []string{"production", "release", "debug"}) {
		t.Fatalf("profiles = %v", got)
	}
	if spec.DefaultProfile != "production" {
		t.Fatalf("default profile = %q", spec.DefaultProfile)
	}

	rt := spec.Runtime
	if rt.Identity.User != "node" || rt.Identity.UID != 1000 || rt.Identity.GID != 1000 || rt.Identity.Home != "/node" {
		t.Fatalf("unexpected identity %+v", rt.Identity)
	}
	if rt.Ports != (build.PortContract{P2P: 30333, RPC: 9933, WS: 9944}) {
		t.Fatalf("unexpected ports %+v", rt.Ports)
	}
	if rt.DataMount.Path != "/node/data" || rt.InstallPath != "/usr/local/bin/node" {
		t.Fatalf("unexpected runtime contract %+v", rt)
	}
	if spec.Metadata["maintainer"] != "embedded" {
		t.Fatalf("metadata = %v", spec.Metadata)
	}
}

func TestRepositoryFilterByToolchain(t *testing.T) {
	repo := NewEmbeddedSpecificationRepository()

	cases := map[build.ToolchainKind][]string{
		build.ToolchainRust: {"node"},
		build.ToolchainGo:   {"node-go"},
		"":                  {"node", "node-go"},
	}
	for kind, want := range cases {
		specs, err := repo.FilterByToolchain(kind)
		if err != nil {
			t.Errorf("FilterByToolchain(%q) error = %v", kind, err)
		}
		var ids []string
		for _, spec := range specs {
			ids = append(ids, spec.ID)
		}
		if !slices.Equal(ids, want) {
			t.Errorf("FilterByToolchain(%q) = %v, want %v", kind, ids, want)
		}
	}
}

func TestRepositoryVersionHistory(t *testing.T) {
	repo := NewEmbeddedSpecificationRepository()
	spec, _ := repo.Get("node")

	next := spec
	next.Version = "1.1.0"
	if _, err := repo.Save(next); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	latest, err := repo.Get("node")
	if err != nil || latest.Version != "1.1.0" {
		t.Fatalf("Get() = %s, %v, want 1.1.0", latest.Version, err)
	}
	versions, _ := repo.ListVersions("node")
	if len(versions) != 2 || versions[0].Version != spec.Version {
		t.Fatalf("ListVersions() = %d entries", len(versions))
	}

	invalid := spec
	invalid.Runtime.Identity.User = "root"
	if _, err := repo.Save(invalid); !errors.Is(err, build.ErrPrerequisite) {
		t.Fatalf("Save(root identity) error = %v, want prerequisite failure", err)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, build.ErrSpecificationNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}
}
