package utils

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

// NewFileStoreFromEnv builds the receipt store named by STORAGE_PROVIDER:
// "local" writes under UPLOAD_DIR (default ./uploads), "gcs" writes to GCS_BUCKET.
func NewFileStoreFromEnv(ctx context.Context) (FileStore, error) {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		dir := strings.TrimSpace(os.Getenv("UPLOAD_DIR"))
		if dir == "" {
			dir = "./uploads"
		}
		return NewLocalFileStore(dir)
	case StorageProviderGCS:
		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		client, err := GetGCSClient(ctx)
		if err != nil {
			return nil, err
		}
		return &GCSFileStore{Client: client, Bucket: bucket}, nil
	default:
		return nil, errors.New("unknown STORAGE_PROVIDER " + GetStorageProvider())
	}
}

// FileStore is satisfied by LocalFileStore and GCSFileStore.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
