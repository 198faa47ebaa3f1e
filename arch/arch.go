package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture defines the set of CPU architectures accepted by the container engine.
type Architecture string

const (
	AMD64   Architecture = "amd64"
	ARM64   Architecture = "arm64"
	ARMV7   Architecture = "arm/v7"
	I386    Architecture = "386"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		AMD64,
		ARM64,
		ARMV7,
		I386,
		PPC64LE,
		S390X,
		RISCV64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case AMD64, ARM64, ARMV7, I386, PPC64LE, S390X, RISCV64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Platform returns the OCI platform string for the architecture, e.g. linux/amd64.
func (a Architecture) Platform() string {
	return "linux/" + string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// ParsePlatform accepts either a bare architecture or an os/arch[/variant]
// platform string. Only linux platforms are accepted.
func ParsePlatform(value string) (Architecture, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if os, rest, found := strings.Cut(trimmed, "/"); found {
		if os != "linux" {
			return "", fmt.Errorf("unsupported platform os %q in %q", os, value)
		}
		trimmed = rest
	}
	return Parse(trimmed)
}

// Host returns the architecture of the running process.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(AMD64), "x86_64", "x86-64":
		return AMD64
	case string(ARM64), "aarch64", "arm64/v8":
		return ARM64
	case string(ARMV7), "arm", "armv7", "armv7l", "armhf":
		return ARMV7
	case string(I386), "i386", "i686", "x86":
		return I386
	case string(PPC64LE), "ppc64el":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
