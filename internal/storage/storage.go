// Package storage reads and writes raw document bytes. Documents are
// addressed by a storage reference, the object key within the backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"propwatch/internal/config"
)

var (
	ErrNotFound = errors.New("object not found")
	// ErrInvalidRef marks a reference that can never name an object in the store.
	ErrInvalidRef = errors.New("invalid storage reference")
)

// Store is the object store consumed by submission and extraction.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// CleanKey normalizes a reference to a relative slash-separated key and
// rejects anything that escapes the store root.
func CleanKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	for _, scheme := range []string{"fs://", "s3://", "minio://"} {
		ref = strings.TrimPrefix(ref, scheme)
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	key := path.Clean("/" + strings.ReplaceAll(ref, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes the store", ErrInvalidRef, ref)
		}
	}
	return key, nil
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg *config.Config, workspace string) (Store, error) {
	switch cfg.Storage.Backend {
	case "", "fs":
		return NewFS(cfg.ResolveStorageRoot(workspace))
	case "minio":
		m := cfg.Storage.Minio
		return NewMinio(ctx, MinioOptions{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
			Region:    m.Region,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
