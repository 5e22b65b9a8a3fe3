package zarr

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// PathStore is the minimal abstract hierarchical byte-blob store a Zarr
// array or group is read from and written to. Implementations must provide
// at-least per-path atomicity: a fully written file replaces its
// predecessor, and a reader never observes a partially written file.
type PathStore interface {
	// Read returns the full contents of path, or an error wrapping
	// ErrNotFound if it does not exist.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, creating any parent "directories"
	// implied by the path.
	Write(ctx context.Context, path string, data []byte) error
	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)
	// List enumerates the immediate children beneath prefix (a
	// directory-like path ending in "/").
	List(ctx context.Context, prefix string) ([]string, error)
	// OpenRead opens path for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	// OpenWrite opens path for streaming writes; closing the returned
	// writer commits it.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)
}

// BlobStore implements PathStore atop a gocloud.dev/blob.Bucket, so the
// same Array/Group code works unmodified against a local directory
// (fileblob), in-memory store (memblob), or cloud object storage (s3blob,
// gcsblob) selected purely by the bucket's URL scheme.
type BlobStore struct {
	bucket *blob.Bucket
}

var _ PathStore = (*BlobStore)(nil)

// NewBlobStore wraps an already-opened bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenStore opens a store from a gocloud.dev blob URL such as
// "file:///data/myarray", "mem://", or "s3://bucket/prefix". A bare
// filesystem path (no "://") is treated as "file://" + the absolute path,
// for callers that just want a directory on disk. This package registers
// only the file and mem drivers; any other scheme opens only if its
// gocloud.dev driver is registered elsewhere in the program.
func OpenStore(ctx context.Context, urlOrPath string) (*BlobStore, error) {
	u := urlOrPath
	if !strings.Contains(u, "://") {
		abs, err := filepath.Abs(u)
		if err != nil {
			return nil, fmt.Errorf("zarr: resolve store path %q: %w", urlOrPath, err)
		}
		u = "file://" + filepath.ToSlash(abs)
	}
	bucket, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("zarr: open store %q: %w", urlOrPath, err)
	}
	return &BlobStore{bucket: bucket}, nil
}

// Close releases the underlying bucket's resources.
func (s *BlobStore) Close() error { return s.bucket.Close() }

// Underlying returns the wrapped *blob.Bucket for callers that need
// operations PathStore doesn't expose (e.g. deleting a chunk file to
// simulate a missing chunk in tests).
func (s *BlobStore) Underlying() (*blob.Bucket, bool) { return s.bucket, true }

func (s *BlobStore) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &IOFailureError{Path: path, Cause: err}
	}
	return data, nil
}

func (s *BlobStore) Write(ctx context.Context, path string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, path, data, nil); err != nil {
		return &IOFailureError{Path: path, Cause: err}
	}
	return nil
}

func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, path)
	if err != nil {
		return false, &IOFailureError{Path: path, Cause: err}
	}
	return ok, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &IOFailureError{Path: prefix, Cause: err}
		}
		names = append(names, strings.TrimPrefix(strings.TrimSuffix(obj.Key, "/"), prefix))
	}
	return names, nil
}

func (s *BlobStore) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &IOFailureError{Path: path, Cause: err}
	}
	return r, nil
}

func (s *BlobStore) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	w, err := s.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return nil, &IOFailureError{Path: path, Cause: err}
	}
	return w, nil
}

// MemStore returns a PathStore backed entirely by memory, useful for tests
// and scratch round-trips.
func MemStore(ctx context.Context) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		return nil, err
	}
	return &BlobStore{bucket: bucket}, nil
}
