// Package gcs implements a durable store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	gstore "github.com/loykin/gatewarden/internal/store"
)

// Config captures the parameters required to reach the bucket.
type Config struct {
	Bucket string
	Prefix string
	// ClientOptions are passed to storage.NewClient (credentials, endpoint).
	ClientOptions []option.ClientOption
}

// Store keeps snapshots as objects named <prefix>/<remote>/<relative path>.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// Open creates a storage client and wraps it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := storage.NewClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return New(client, cfg)
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// ParseDSN splits "gs://bucket/some/prefix" into bucket and prefix.
func ParseDSN(dsn string) (string, string, error) {
	rest := strings.TrimSpace(dsn)
	for _, p := range []string{"gs://", "gcs://"} {
		if strings.HasPrefix(strings.ToLower(rest), p) {
			rest = rest[len(p):]
			break
		}
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("gcs DSN %q has no bucket", dsn)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

func (s *Store) Describe() string {
	if s.prefix == "" {
		return "gs://" + s.bucket
	}
	return "gs://" + s.bucket + "/" + s.prefix
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(parts ...string) string {
	return objectKey(s.prefix, parts...)
}

func objectKey(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if prefix != "" {
		all = append(all, prefix)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			all = append(all, p)
		}
	}
	return path.Join(all...)
}

func (s *Store) Available(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: bucket %s does not exist", gstore.ErrUnavailable, s.bucket)
	}
	return err
}

func (s *Store) ReadStamp(ctx context.Context) (string, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(gstore.StampName)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", gstore.ErrNotFound
		}
		return "", err
	}
	defer func() { _ = r.Close() }()
	b, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *Store) WriteStamp(ctx context.Context, value string) error {
	return s.upload(ctx, s.key(gstore.StampName), strings.NewReader(value+"\n"), "text/plain")
}

func (s *Store) Pull(ctx context.Context, remote, localDir string, opts gstore.CopyOptions) error {
	base := s.key(remote) + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: base})
	found := false
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", base, err)
		}
		rel := strings.TrimPrefix(attrs.Name, base)
		if rel == "" || strings.HasSuffix(rel, "/") || skipRel(rel, opts) {
			continue
		}
		found = true
		target := filepath.Join(localDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(localDir)+string(filepath.Separator)) {
			return fmt.Errorf("object %s escapes %s", attrs.Name, localDir)
		}
		if err := s.download(ctx, attrs.Name, target); err != nil {
			return err
		}
	}
	if !found {
		return gstore.ErrNotFound
	}
	return nil
}

func (s *Store) Push(ctx context.Context, localDir, remote string, opts gstore.CopyOptions) error {
	if _, err := os.Stat(localDir); err != nil {
		if os.IsNotExist(err) {
			return gstore.ErrNotFound
		}
		return err
	}
	return gstore.WalkFiles(ctx, localDir, opts, func(rel, abs string, _ fs.FileInfo) error {
		f, err := os.Open(abs) // #nosec G304 -- walking a configured tree
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return s.upload(ctx, s.key(remote, rel), f, "")
	})
}

func (s *Store) upload(ctx context.Context, name string, r io.Reader, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("upload %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", name, err)
	}
	return nil
}

func (s *Store) download(ctx context.Context, name, target string) error {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	return gstore.WriteFileAtomic(target, r, 0o600)
}

// skipRel applies exclusions to every segment of an object's relative path,
// matching the pruning WalkFiles does for directories.
func skipRel(rel string, opts gstore.CopyOptions) bool {
	for _, seg := range strings.Split(rel, "/") {
		if opts.Skip(seg) {
			return true
		}
	}
	return false
}
