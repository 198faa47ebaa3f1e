package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// DefaultForbiddenPaths are build-environment leftovers that must never reach a
// runtime image. Paths are relative to the image root and may use globs.
var DefaultForbiddenPaths = []string{
	"build",
	"src",
	"root/.cargo",
	"root/.rustup",
	"usr/local/cargo",
	"usr/local/rustup",
	"usr/local/go",
	"root/go",
	"root/.cache",
	"usr/bin/cargo",
	"usr/bin/rustc",
	"usr/bin/go",
	"usr/bin/gcc*",
	"usr/bin/clang*",
	"var/lib/apt/lists/*",
	"var/cache/apt/archives/*.deb",
	"var/cache/apt/*.bin",
}

// AuditPolicy drives a filesystem audit of an exported image root.
type AuditPolicy struct {
	Forbidden []string
	DataMount string
	DataUID   int
}

// AuditReport summarizes an exported image filesystem.
type AuditReport struct {
	Entries          int      `json:"entries"`
	Forbidden        []string `json:"forbidden,omitempty"`
	DataMountFound   bool     `json:"data_mount_found"`
	DataMountOwner   int      `json:"data_mount_owner"`
	DataMountEntries []string `json:"data_mount_entries,omitempty"`
}

// Audit walks a tar stream of an image root filesystem.
func Audit(r io.Reader, policy AuditPolicy) (AuditReport, error) {
	report := AuditReport{DataMountOwner: -1}
	mount := relative(policy.DataMount)

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read image filesystem: %w", err)
		}

		entry := relative(header.Name)
		if entry == "" {
			continue
		}
		report.Entries++

		for _, pattern := range policy.Forbidden {
			if matchesPathOrAncestor(relative(pattern), entry) {
				report.Forbidden = append(report.Forbidden, entry)
				break
			}
		}

		switch {
		case mount == "":
		case entry == mount:
			report.DataMountFound = header.Typeflag == tar.TypeDir
			report.DataMountOwner = header.Uid
		case strings.HasPrefix(entry, mount+"/"):
			report.DataMountEntries = append(report.DataMountEntries, entry)
		}
	}

	return report, nil
}

// Violations returns an error describing every way the report breaks the policy.
func (r AuditReport) Violations(policy AuditPolicy) error {
	var errs []error
	if len(r.Forbidden) > 0 {
		errs = append(errs, fmt.Errorf("build environment leftovers in image: %s", strings.Join(r.Forbidden, ", ")))
	}
	if policy.DataMount != "" {
		switch {
		case !r.DataMountFound:
			errs = append(errs, fmt.Errorf("data mount %s missing from image", policy.DataMount))
		case r.DataMountOwner != policy.DataUID:
			errs = append(errs, fmt.Errorf("data mount %s owned by uid %d, want %d", policy.DataMount, r.DataMountOwner, policy.DataUID))
		}
		if len(r.DataMountEntries) > 0 {
			errs = append(errs, fmt.Errorf("data mount %s is not empty: %s", policy.DataMount, strings.Join(r.DataMountEntries, ", ")))
		}
	}
	return errors.Join(errs...)
}

func relative(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// matchesPathOrAncestor reports whether pattern matches entry or one of its parent directories.
func matchesPathOrAncestor(pattern, entry string) bool {
	if pattern == "" {
		return false
	}
	parts := strings.Split(entry, "/")
	for i := 1; i <= len(parts); i++ {
		candidate := strings.Join(parts[:i], "/")
		if ok, err := path.Match(pattern, candidate); err == nil && ok {
			return true
		}
	}
	return false
}
