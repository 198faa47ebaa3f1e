package build

import (
	"errors"
	"fmt"
	"testing"
)

func TestBuildErrorIs(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 101")
	err := fmt.Errorf("run: %w", NewError(CompilationFailure, "builder", cause, "cargo build"))

	if !errors.Is(err, ErrCompilation) {
		t.Fatalf("errors.Is(err, ErrCompilation) = false")
	}
	if errors.Is(err, ErrVerification) {
		t.Fatalf("errors.Is(err, ErrVerification) = true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if KindOf(err) != CompilationFailure {
		t.Fatalf("KindOf() = %q", KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Fatalf("KindOf(plain error) = %q, want empty", KindOf(cause))
	}
}

func TestBuildErrorMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  *BuildError
		want string
	}{
		{NewError(PrerequisiteFailure, "toolchain", nil, "apt-get failed"), "prerequisite failure: stage toolchain: apt-get failed"},
		{NewError(ArtifactTransferFailure, "", errors.New("not found"), "copy"), "artifact_transfer failure: copy: not found"},
		{&BuildError{Err: errors.New("boom")}, "boom"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
