package image

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Contract is the declared runtime posture an image must satisfy.
type Contract struct {
	User       string
	UID        int
	Ports      []int
	DataMount  string
	Entrypoint []string
}

// ExposedPortKeys renders ports the way the engine reports them, e.g. 30333/tcp.
func (c Contract) ExposedPortKeys() []string {
	keys := make([]string, 0, len(c.Ports))
	for _, port := range c.Ports {
		keys = append(keys, strconv.Itoa(port)+"/tcp")
	}
	slices.Sort(keys)
	return keys
}

// CheckContract compares an inspected image configuration against the contract.
func CheckContract(cfg ImageConfig, contract Contract) error {
	var errs []error

	if IsPrivilegedUser(cfg.User) {
		errs = append(errs, fmt.Errorf("image runs as privileged user %q", cfg.User))
	} else if !matchesUser(cfg.User, contract) {
		errs = append(errs, fmt.Errorf("image user %q does not match execution identity %s (%d)", cfg.User, contract.User, contract.UID))
	}

	exposed := append([]string(nil), cfg.ExposedPorts...)
	slices.Sort(exposed)
	if want := contract.ExposedPortKeys(); !slices.Equal(exposed, want) {
		errs = append(errs, fmt.Errorf("exposed ports %v, want exactly %v", exposed, want))
	}

	if !slices.Contains(cfg.Volumes, contract.DataMount) {
		errs = append(errs, fmt.Errorf("data mount %s is not declared as a volume (volumes: %v)", contract.DataMount, cfg.Volumes))
	}

	if !slices.Equal(cfg.Entrypoint, contract.Entrypoint) {
		errs = append(errs, fmt.Errorf("entrypoint %v, want %v", cfg.Entrypoint, contract.Entrypoint))
	}
	if len(cfg.Cmd) != 0 {
		errs = append(errs, fmt.Errorf("image carries implicit arguments %v", cfg.Cmd))
	}

	return errors.Join(errs...)
}

// IsPrivilegedUser reports whether an image user string resolves to root.
// An empty user means the engine default, which is root.
func IsPrivilegedUser(user string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(user), ":")
	return name == "" || name == "root" || name == "0"
}

func matchesUser(user string, contract Contract) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(user), ":")
	return name == contract.User || name == strconv.Itoa(contract.UID)
}
