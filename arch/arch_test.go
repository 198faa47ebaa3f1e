package arch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"x86_64":  AMD64,
		"AMD64":   AMD64,
		"aarch64": ARM64,
		"armhf":   ARMV7,
		"i686":    I386,
		"ppc64el": PPC64LE,
		"sparc":   "",
	}

	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	got, err := ParsePlatform("linux/arm64")
	if err != nil {
		t.Fatalf("ParsePlatform() error = %v", err)
	}
	if got != ARM64 {
		t.Fatalf("ParsePlatform() = %q, want %q", got, ARM64)
	}
	if got.Platform() != "linux/arm64" {
		t.Fatalf("Platform() = %q", got.Platform())
	}

	if _, err := ParsePlatform("windows/amd64"); err == nil {
		t.Fatalf("ParsePlatform(windows/amd64) error = nil, want error")
	}
	if _, err := ParsePlatform("linux/sparc"); err == nil {
		t.Fatalf("ParsePlatform(linux/sparc) error = nil, want error")
	}
}
