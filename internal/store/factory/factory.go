package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/gatewarden/internal/store"
	"github.com/loykin/gatewarden/internal/store/gcs"
	"github.com/loykin/gatewarden/internal/store/mount"
)

// NewFromDSN opens a durable store based on DSN format.
// Supported formats:
//   - "/data/store" or "file:///data/store" (mounted volume)
//   - "gs://bucket/prefix" (Google Cloud Storage)
func NewFromDSN(ctx context.Context, dsn string) (store.Durable, error) {
	scheme, err := store.Scheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "file":
		return mount.New(strings.TrimPrefix(strings.TrimSpace(dsn), "file://"))
	case "gs", "gcs":
		bucket, prefix, err := gcs.ParseDSN(dsn)
		if err != nil {
			return nil, err
		}
		return gcs.Open(ctx, gcs.Config{Bucket: bucket, Prefix: prefix})
	default:
		return nil, fmt.Errorf("unsupported store DSN scheme %q", scheme)
	}
}
