package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectScheme = "s3://"

// ObjectStoreConfig configures an S3 compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("object store access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("object store secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// objectClient is the subset of *minio.Client used by the store.
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

var _ ArtifactStore = (*ObjectArtifactStore)(nil)

// ObjectArtifactStore uploads artifacts into an S3 compatible bucket.
type ObjectArtifactStore struct {
	client objectClient
	bucket string
	prefix string
	region string
}

// NewObjectArtifactStore connects to the configured endpoint. The bucket is
// created on first upload when it does not exist yet.
func NewObjectArtifactStore(cfg ObjectStoreConfig) (*ObjectArtifactStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	return newObjectArtifactStore(client, cfg), nil
}

func newObjectArtifactStore(client objectClient, cfg ObjectStoreConfig) *ObjectArtifactStore {
	return &ObjectArtifactStore{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		region: strings.TrimSpace(cfg.Region),
	}
}

func (s *ObjectArtifactStore) StoreArtifact(ctx context.Context, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}

	if err := s.ensureBucket(ctx); err != nil {
		return Artifact{}, err
	}

	checksum, size, err := ChecksumFile(artifactPath)
	if err != nil {
		return Artifact{}, err
	}

	artifactID := uuid.NewString()
	key := s.objectKey(kind, artifactID+filepath.Ext(artifactPath))
	contentType := detectContentType(artifactPath)

	_, err = s.client.FPutObject(ctx, s.bucket, key, artifactPath, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"sha256": checksum,
			"kind":   string(kind),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("upload %s: %w", key, err)
	}

	return Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         objectScheme + s.bucket + "/" + key,
		Checksum:    &checksum,
		ContentType: contentType,
		SizeBytes:   size,
		Metadata:    cloneMetadata(metadata),
	}, nil
}

func (s *ObjectArtifactStore) RemoveArtifact(ctx context.Context, artifact Artifact) error {
	bucket, key, err := parseObjectURI(artifact.URI)
	if err != nil {
		return err
	}
	if bucket != s.bucket {
		return fmt.Errorf("artifact %s belongs to bucket %q, not %q", artifact.ID, bucket, s.bucket)
	}
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// Clear removes every object under the configured prefix.
func (s *ObjectArtifactStore) Clear(ctx context.Context) error {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}

	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return object.Err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", object.Key, err)
		}
	}
	return nil
}

func (s *ObjectArtifactStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *ObjectArtifactStore) objectKey(kind ArtifactKind, name string) string {
	if s.prefix == "" {
		return path.Join(string(kind), name)
	}
	return path.Join(s.prefix, string(kind), name)
}

func parseObjectURI(uri string) (string, string, error) {
	if !strings.HasPrefix(uri, objectScheme) {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, objectScheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object URI %q", uri)
	}
	return bucket, key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
