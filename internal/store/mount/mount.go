// Package mount implements a durable store on a mounted volume.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/gatewarden/internal/store"
)

// Store keeps snapshots under Root, one sub-directory per synchronized path.
type Store struct {
	Root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("mount root is required")
	}
	return &Store{Root: filepath.Clean(root)}, nil
}

func (s *Store) Describe() string { return "mount:" + s.Root }

func (s *Store) Available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", store.ErrUnavailable, s.Root)
		}
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", store.ErrUnavailable, s.Root)
	}
	// Reading the directory proves the mount answers, not just that the mountpoint exists.
	f, err := os.Open(s.Root)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Store) ReadStamp(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(s.Root, store.StampName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *Store) WriteStamp(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Available(ctx); err != nil {
		return err
	}
	return store.WriteFileAtomic(filepath.Join(s.Root, store.StampName), strings.NewReader(value+"\n"), 0o600)
}

func (s *Store) Pull(ctx context.Context, remote, localDir string, opts store.CopyOptions) error {
	src, err := s.path(remote)
	if err != nil {
		return err
	}
	return store.CopyTree(ctx, src, localDir, opts)
}

func (s *Store) Push(ctx context.Context, localDir, remote string, opts store.CopyOptions) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	dst, err := s.path(remote)
	if err != nil {
		return err
	}
	return store.CopyTree(ctx, localDir, dst, opts)
}

func (s *Store) path(remote string) (string, error) {
	remote = strings.Trim(filepath.ToSlash(remote), "/")
	if remote == "" || strings.Contains(remote, "..") {
		return "", fmt.Errorf("invalid remote name %q", remote)
	}
	return filepath.Join(s.Root, filepath.FromSlash(remote)), nil
}
