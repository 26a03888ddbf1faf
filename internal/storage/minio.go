package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Minio struct {
	client *minio.Client
	region string
}

func NewMinio(cfg Config) (*Minio, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.region(),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}
	return &Minio{client: client, region: cfg.region()}, nil
}

func (m *Minio) Name() string { return BackendMinio }

func (m *Minio) EnsureBucket(ctx context.Context, name string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("bucket exists %s: %w", name, err)
	}
	if exists {
		return false, nil
	}
	if err := m.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: m.region}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return false, nil
		}
		return false, fmt.Errorf("make bucket %s: %w", name, err)
	}
	return true, nil
}

func (m *Minio) Probe(ctx context.Context, name string) error {
	exists, err := m.client.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", name, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", name, ErrBucketMissing)
	}
	return nil
}
