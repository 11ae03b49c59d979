package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StampName is the marker object whose presence means "a backup exists".
// Its content is the timestamp of the last successful push.
const StampName = ".last-sync"

var (
	// ErrNotFound is returned when the stamp or a remote tree is absent.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means the store root itself is missing (not mounted, no bucket).
	ErrUnavailable = errors.New("store unavailable")
)

// Durable is the external location holding snapshots of the gateway's
// persistent directories. Implementations must be safe for concurrent use.
type Durable interface {
	// Available reports whether the store root is reachable. It wraps
	// ErrUnavailable when the root is absent.
	Available(ctx context.Context) error
	// ReadStamp returns the remote sync stamp or ErrNotFound.
	ReadStamp(ctx context.Context) (string, error)
	WriteStamp(ctx context.Context, value string) error
	// Pull overlays the remote tree named remote onto localDir.
	Pull(ctx context.Context, remote, localDir string, opts CopyOptions) error
	// Push overlays localDir onto the remote tree named remote.
	Push(ctx context.Context, localDir, remote string, opts CopyOptions) error
	Describe() string
}

// CopyOptions tunes tree copies.
type CopyOptions struct {
	// Exclude holds glob patterns matched against each entry's base name.
	Exclude []string
}

// Skip reports whether an entry with the given base name is excluded.
func (o CopyOptions) Skip(name string) bool {
	if name == StampName {
		return true
	}
	for _, p := range o.Exclude {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// WalkFiles visits every regular file under root that is not excluded,
// passing its slash-separated relative path. Excluded directories are pruned.
func WalkFiles(ctx context.Context, root string, opts CopyOptions, fn func(rel, abs string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == root {
			return nil
		}
		if opts.Skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path, info)
	})
}

// CopyTree overlays src onto dst: files under src overwrite files with the
// same relative path under dst, files only present in dst are left alone.
func CopyTree(ctx context.Context, src, dst string, opts CopyOptions) error {
	st, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if !st.IsDir() {
		return errors.New("copy source is not a directory: " + src)
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	return WalkFiles(ctx, src, opts, func(rel, abs string, info fs.FileInfo) error {
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if !within(dst, target) {
			return errors.New("path escapes destination: " + rel)
		}
		f, err := os.Open(abs) // #nosec G304 -- walking a configured tree
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return WriteFileAtomic(target, f, info.Mode().Perm())
	})
}

// WriteFileAtomic streams r into a temp file next to path and renames it into place.
func WriteFileAtomic(path string, r io.Reader, perm fs.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o600
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	tmpPath = ""
	return nil
}

func within(base, target string) bool {
	cleanBase := filepath.Clean(base)
	cleanTarget := filepath.Clean(target)
	return cleanTarget == cleanBase || strings.HasPrefix(cleanTarget, cleanBase+string(filepath.Separator))
}
