package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/kiln/internal/image"
)

var _ image.ImageRepository = (*LocalImageRepository)(nil)

// LocalImageRepository persists runtime image records as JSON files under BaseDir.
type LocalImageRepository struct {
	BaseDir string
}

// Save writes the image record to disk using its ID as the filename.
func (rep *LocalImageRepository) Save(_ context.Context, record image.RuntimeImage) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if record.ID == "" {
		return errors.New("image id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, record.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns the image record with the provided ID, or nil if it does not exist.
func (rep *LocalImageRepository) Get(_ context.Context, imageID string) (*image.RuntimeImage, error) {
	if imageID == "" {
		return nil, errors.New("image id is required")
	}
	return rep.load(filepath.Join(rep.BaseDir, imageID+".json"))
}

// LatestForSpec returns the newest image built from the provided spec id.
func (rep *LocalImageRepository) LatestForSpec(ctx context.Context, specID string) (*image.RuntimeImage, error) {
	records, err := rep.List(ctx)
	if err != nil {
		return nil, err
	}

	var latest *image.RuntimeImage
	for i := range records {
		if records[i].SpecificationID != specID {
			continue
		}
		if latest == nil || records[i].CreatedAt.After(latest.CreatedAt) {
			clone := records[i]
			latest = &clone
		}
	}
	return latest, nil
}

// List returns every stored record, newest first.
func (rep *LocalImageRepository) List(_ context.Context) ([]image.RuntimeImage, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []image.RuntimeImage
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		record, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (rep *LocalImageRepository) load(path string) (*image.RuntimeImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record image.RuntimeImage
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
