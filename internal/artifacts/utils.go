package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// ErrUnsupportedScheme is returned when a URI does not point at the local filesystem.
var ErrUnsupportedScheme = errors.New("unsupported URI scheme")

// FileURI returns the file:// URI for an absolute or relative path.
func FileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fileScheme + path
}

// PathFromURI returns the local path referenced by a file:// URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	path := strings.TrimPrefix(uri, fileScheme)
	if path == "" {
		return "", fmt.Errorf("empty path in URI %q", uri)
	}
	return path, nil
}

// ChecksumFile computes the hex encoded sha256 digest and size of a file.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func detectContentType(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case name == "dockerfile" || strings.HasSuffix(name, ".dockerfile"):
		return "text/x-dockerfile"
	case strings.HasSuffix(name, ".tar"):
		return "application/x-tar"
	}

	switch filepath.Ext(name) {
	case ".gz":
		return "application/gzip"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
