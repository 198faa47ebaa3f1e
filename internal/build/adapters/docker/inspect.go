package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cochaviz/kiln/internal/image"
)

type inspectedImage struct {
	ID     string `json:"Id"`
	Config struct {
		User         string              `json:"User"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts"`
		Volumes      map[string]struct{} `json:"Volumes"`
		Entrypoint   []string            `json:"Entrypoint"`
		Cmd          []string            `json:"Cmd"`
		WorkingDir   string              `json:"WorkingDir"`
		Labels       map[string]string   `json:"Labels"`
	} `json:"Config"`
}

// parseInspect reads the output of docker image inspect for a single image.
func parseInspect(data []byte) (string, image.ImageConfig, error) {
	var images []inspectedImage
	if err := json.Unmarshal(data, &images); err != nil {
		return "", image.ImageConfig{}, fmt.Errorf("decode image inspect: %w", err)
	}
	if len(images) == 0 {
		return "", image.ImageConfig{}, errors.New("image inspect returned no images")
	}

	inspected := images[0]
	cfg := image.ImageConfig{
		User:         inspected.Config.User,
		ExposedPorts: sortedKeys(inspected.Config.ExposedPorts),
		Volumes:      sortedKeys(inspected.Config.Volumes),
		Entrypoint:   inspected.Config.Entrypoint,
		Cmd:          inspected.Config.Cmd,
		WorkingDir:   inspected.Config.WorkingDir,
		Labels:       inspected.Config.Labels,
	}
	return inspected.ID, cfg, nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
