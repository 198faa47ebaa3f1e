package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var ConfigDir = "/etc/kiln"
var StorageDir = "/var/kiln/"

// ConfigPath is the default location of the configuration file.
func ConfigPath() string {
	return filepath.Join(ConfigDir, "config.toml")
}

// Verify checks that the host can run builds: the docker binary resolves,
// the configuration file exists and the storage directory is writable.
func Verify(docker string) error {
	var errs []error

	if docker == "" {
		docker = "docker"
	}
	if path, err := exec.LookPath(docker); err != nil {
		errs = append(errs, fmt.Errorf("docker binary %q not found: %w", docker, err))
	} else {
		getLogger().Debug("found docker binary", "path", path)
	}

	if _, err := os.Stat(ConfigPath()); err != nil {
		errs = append(errs, fmt.Errorf("file %s does not exist", ConfigPath()))
	}

	if err := unix.Access(StorageDir, unix.W_OK|unix.X_OK); err != nil {
		errs = append(errs, fmt.Errorf("storage dir %s is not writable: %w", StorageDir, err))
	}
	return errors.Join(errs...)
}

// WriteConfig writes the configuration file unless one already exists.
// It reports whether a file was written.
func WriteConfig(data []byte, overwrite bool) (bool, error) {
	path := ConfigPath()
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			getLogger().Info("keeping existing configuration", "path", path)
			return false, nil
		}
	}

	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.MkdirAll(StorageDir, 0o755); err != nil {
		return false, fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	getLogger().Info("wrote configuration", "path", path)
	return true, nil
}

func ClearConfig() error {
	getLogger().Info("clearing configuration files")

	if err := os.Remove(ConfigPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", ConfigPath(), err)
	}
	return nil
}
