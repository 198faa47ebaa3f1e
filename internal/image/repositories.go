package image

import "context"

// ImageRepository persists metadata for built runtime images.
type ImageRepository interface {
	Save(ctx context.Context, image RuntimeImage) error
	Get(ctx context.Context, imageID string) (*RuntimeImage, error)
	LatestForSpec(ctx context.Context, specID string) (*RuntimeImage, error)
	List(ctx context.Context) ([]RuntimeImage, error)
}
