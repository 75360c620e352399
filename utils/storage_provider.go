package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	StorageProviderGCS    = "gcs"
	StorageProviderLocal  = "local"
	StorageProviderMemory = "memory"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// NewObjectStore builds the store selected by STORAGE_PROVIDER. localDir is
// used by the local provider only.
func NewObjectStore(ctx context.Context, localDir string) (ObjectStore, error) {
	switch provider := GetStorageProvider(); provider {
	case StorageProviderGCS:
		return NewGCSStore(ctx, os.Getenv("GCS_BUCKET"))
	case StorageProviderLocal:
		return NewLocalStore(localDir)
	case StorageProviderMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_PROVIDER %q", provider)
	}
}
