package build

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a build attempt failed. Every kind is fatal.
type FailureKind string

const (
	PrerequisiteFailure     FailureKind = "prerequisite"
	CompilationFailure      FailureKind = "compilation"
	ArtifactTransferFailure FailureKind = "artifact_transfer"
	VerificationFailure     FailureKind = "verification"
)

// Sentinels for errors.Is matching on a BuildError's kind.
var (
	ErrPrerequisite     = errors.New("prerequisite failure")
	ErrCompilation      = errors.New("compilation failure")
	ErrArtifactTransfer = errors.New("artifact transfer failure")
	ErrVerification     = errors.New("verification failure")
)

// A BuildError represents an error that occurred during the build process.
type BuildError struct {
	Kind    FailureKind
	Stage   string
	Message string
	Err     error
}

// Error returns the error message.
func (e *BuildError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("stage %s: %s", e.Stage, msg)
	}
	if e.Kind != "" {
		msg = fmt.Sprintf("%s failure: %s", e.Kind, msg)
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's kind.
func (e *BuildError) Is(target error) bool {
	switch target {
	case ErrPrerequisite:
		return e.Kind == PrerequisiteFailure
	case ErrCompilation:
		return e.Kind == CompilationFailure
	case ErrArtifactTransfer:
		return e.Kind == ArtifactTransferFailure
	case ErrVerification:
		return e.Kind == VerificationFailure
	}
	return false
}

// NewError constructs a BuildError of the given kind.
func NewError(kind FailureKind, stage string, err error, format string, args ...any) *BuildError {
	return &BuildError{
		Kind:    kind,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the failure kind of err, or "" if err is not a BuildError.
func KindOf(err error) FailureKind {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr.Kind
	}
	return ""
}
