package build

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	accountPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
)

// ResolveProfile returns the named profile, or the default one when name is
// empty. Unknown profiles are a prerequisite failure: nothing has run yet.
func ResolveProfile(spec BuildSpecification, name string) (BuildProfile, error) {
	profile, ok := spec.Profile(strings.TrimSpace(name))
	if !ok {
		requested := name
		if requested == "" {
			requested = spec.DefaultProfile
		}
		return BuildProfile{}, NewError(
			PrerequisiteFailure, "", nil,
			"unknown build profile %q for %s (available: %s)",
			requested, spec.ID, strings.Join(spec.ProfileNames(), ", "),
		)
	}
	return profile, nil
}

// ValidateSpecification checks a specification before any stage runs.
func ValidateSpecification(spec BuildSpecification) error {
	var errs []error

	if !namePattern.MatchString(spec.ID) {
		errs = append(errs, fmt.Errorf("invalid specification id %q", spec.ID))
	}
	if !namePattern.MatchString(spec.Service) {
		errs = append(errs, fmt.Errorf("invalid service name %q", spec.Service))
	}
	if spec.Platform != "" && !spec.Platform.IsValid() {
		errs = append(errs, fmt.Errorf("unsupported platform %q", spec.Platform))
	}

	errs = append(errs, validateToolchain(spec.Toolchain)...)
	errs = append(errs, validateProfiles(spec)...)
	errs = append(errs, validateRuntime(spec.Runtime)...)

	if len(errs) == 0 {
		return nil
	}
	return &BuildError{
		Kind:    PrerequisiteFailure,
		Message: fmt.Sprintf("invalid specification %s", spec.ID),
		Err:     errors.Join(errs...),
	}
}

func validateToolchain(tc ToolchainDescriptor) []error {
	var errs []error
	switch tc.Kind {
	case ToolchainRust, ToolchainGo:
	default:
		errs = append(errs, fmt.Errorf("unsupported toolchain kind %q", tc.Kind))
	}
	if strings.TrimSpace(tc.Channel) == "" {
		errs = append(errs, errors.New("toolchain channel must be pinned"))
	}
	if !IsPinnedImage(tc.BaseImage) {
		errs = append(errs, fmt.Errorf("toolchain base image %q must be pinned by tag or digest", tc.BaseImage))
	}
	for _, target := range tc.Targets {
		if strings.TrimSpace(target) == "" || strings.ContainsAny(target, " \t") {
			errs = append(errs, fmt.Errorf("invalid secondary target %q", target))
		}
	}
	for _, pkg := range tc.Packages {
		if strings.TrimSpace(pkg) == "" || strings.ContainsAny(pkg, " \t;&|") {
			errs = append(errs, fmt.Errorf("invalid system package %q", pkg))
		}
	}
	return errs
}

func validateProfiles(spec BuildSpecification) []error {
	var errs []error
	if len(spec.Profiles) == 0 {
		return []error{errors.New("at least one build profile is required")}
	}

	seen := make(map[string]bool, len(spec.Profiles))
	for _, profile := range spec.Profiles {
		if !namePattern.MatchString(profile.Name) {
			errs = append(errs, fmt.Errorf("invalid profile name %q", profile.Name))
		}
		if seen[profile.Name] {
			errs = append(errs, fmt.Errorf("duplicate profile %q", profile.Name))
		}
		seen[profile.Name] = true

		if !namePattern.MatchString(profile.OutputDir) {
			errs = append(errs, fmt.Errorf("profile %q: invalid output dir %q", profile.Name, profile.OutputDir))
		}
	}

	if _, ok := spec.Profile(spec.DefaultProfile); !ok {
		errs = append(errs, fmt.Errorf("default profile %q is not declared", spec.DefaultProfile))
	}
	return errs
}

func validateRuntime(rt RuntimeContract) []error {
	var errs []error

	if !IsPinnedImage(rt.BaseImage) {
		errs = append(errs, fmt.Errorf("runtime base image %q must be pinned by tag or digest", rt.BaseImage))
	}
	if !isCleanAbs(rt.InstallPath) {
		errs = append(errs, fmt.Errorf("install path %q must be a clean absolute path", rt.InstallPath))
	}

	id := rt.Identity
	if !accountPattern.MatchString(id.User) || id.User == "root" {
		errs = append(errs, fmt.Errorf("execution user %q must be a non-root account name", id.User))
	}
	if !accountPattern.MatchString(id.Group) || id.Group == "root" {
		errs = append(errs, fmt.Errorf("execution group %q must be a non-root group name", id.Group))
	}
	if id.UID <= 0 || id.GID <= 0 {
		errs = append(errs, fmt.Errorf("execution identity must use a fixed non-zero uid/gid, got %d:%d", id.UID, id.GID))
	}
	if !isCleanAbs(id.Home) || id.Home == "/" {
		errs = append(errs, fmt.Errorf("home directory %q must be a clean absolute path", id.Home))
	}

	mount := rt.DataMount.Path
	if !isCleanAbs(mount) {
		errs = append(errs, fmt.Errorf("data mount %q must be a clean absolute path", mount))
	} else if isCleanAbs(id.Home) && !strings.HasPrefix(mount, strings.TrimSuffix(id.Home, "/")+"/") {
		errs = append(errs, fmt.Errorf("data mount %q must live under home %q", mount, id.Home))
	}

	seen := map[int]string{}
	for i, port := range rt.Ports.List() {
		role := [...]string{"p2p", "rpc", "ws"}[i]
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s port %d out of range", role, port))
			continue
		}
		if other, dup := seen[port]; dup {
			errs = append(errs, fmt.Errorf("%s port %d collides with %s port", role, port, other))
		}
		seen[port] = role
	}

	if !isCleanAbs(rt.PruneDir) || rt.PruneDir == "/" {
		errs = append(errs, fmt.Errorf("prune dir %q must be a clean absolute path below /", rt.PruneDir))
	} else {
		for _, keep := range []string{rt.InstallPath, rt.Identity.Home, rt.DataMount.Path} {
			if keep == rt.PruneDir || strings.HasPrefix(keep, rt.PruneDir+"/") {
				errs = append(errs, fmt.Errorf("prune dir %q would remove %q", rt.PruneDir, keep))
			}
		}
	}
	for _, p := range rt.PreservePaths {
		if !isCleanAbs(p) || path.Dir(p) != rt.PruneDir {
			errs = append(errs, fmt.Errorf("preserve path %q must be a direct child of prune dir %q", p, rt.PruneDir))
		}
	}
	for _, p := range rt.StripPaths {
		base := strings.TrimSuffix(strings.TrimSuffix(p, "*"), "/")
		if !isCleanAbs(base) || base == "/" {
			errs = append(errs, fmt.Errorf("strip path %q must be an absolute path below /", p))
			continue
		}
		if protectsRuntime(p, rt) {
			errs = append(errs, fmt.Errorf("strip path %q would remove runtime files", p))
		}
	}
	return errs
}

// IsPinnedImage reports whether ref names an image by digest or by a tag other than latest.
func IsPinnedImage(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.ContainsAny(ref, " \t") {
		return false
	}
	if strings.Contains(ref, "@sha256:") {
		return true
	}
	// The tag follows the last colon after the final path separator.
	name := ref[strings.LastIndex(ref, "/")+1:]
	_, tag, found := strings.Cut(name, ":")
	return found && tag != "" && tag != "latest"
}

func isCleanAbs(p string) bool {
	return p != "" && path.IsAbs(p) && path.Clean(p) == p
}

// essentialPaths must survive stripping: the data mount is created with a
// shell after the strip step.
var essentialPaths = []string{"/bin/sh", "/usr/bin/sh", "/bin/mkdir", "/usr/bin/mkdir"}

// protectsRuntime reports whether stripping p would delete the installed
// executable, the identity home, preserved trust material or the shell.
func protectsRuntime(p string, rt RuntimeContract) bool {
	prefix := strings.TrimSuffix(p, "*")
	keep := append([]string{rt.InstallPath, rt.Identity.Home, rt.Identity.Shell}, rt.PreservePaths...)
	keep = append(keep, essentialPaths...)
	for _, k := range keep {
		if k == "" {
			continue
		}
		if k == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(k, strings.TrimSuffix(prefix, "/")+"/") ||
			(strings.HasSuffix(p, "*") && strings.HasPrefix(k, prefix)) {
			return true
		}
	}
	return false
}
