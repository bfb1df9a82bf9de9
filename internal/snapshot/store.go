package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Load when no bundle is stored under the key
var ErrNotFound = errors.New("snapshot not found")

// Store persists snapshot bundles under string keys
type Store interface {
	// Save writes snaps under key, replacing any previous bundle
	Save(ctx context.Context, key string, snaps []*Snapshot) error
	// Load reads the bundle stored under key
	Load(ctx context.Context, key string) ([]*Snapshot, error)
	// Name identifies the backend in logs
	Name() string
}

// Open returns the store addressed by location and the key within it.
//
//	/path/to/file or file:///path/to/file   local file
//	redis://[:password@]host:port/db?key=k  Redis string key k
//	s3://bucket/path/to/object              S3 object (default AWS credential chain)
func Open(ctx context.Context, location string) (Store, string, error) {
	if !strings.Contains(location, "://") {
		return FileStore{}, location, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, "", fmt.Errorf("invalid snapshot location %q: %w", location, err)
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = filepath.Join(u.Host, u.Path)
		}
		return FileStore{}, path, nil
	case "redis", "rediss":
		q := u.Query()
		key := q.Get("key")
		if key == "" {
			return nil, "", fmt.Errorf("redis snapshot location %q needs a key query parameter", location)
		}
		q.Del("key")
		u.RawQuery = q.Encode()
		store, err := NewRedisStore(ctx, u.String())
		if err != nil {
			return nil, "", err
		}
		return store, key, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, "", fmt.Errorf("s3 snapshot location %q needs a bucket and an object key", location)
		}
		store, err := NewS3Store(ctx, DefaultS3Config(u.Host))
		if err != nil {
			return nil, "", err
		}
		return store, key, nil
	default:
		return nil, "", fmt.Errorf("unsupported snapshot location scheme %q", u.Scheme)
	}
}

// FileStore keeps each bundle in a local file named by its key
type FileStore struct{}

// Save writes the bundle atomically through a temporary file
func (FileStore) Save(_ context.Context, key string, snaps []*Snapshot) error {
	if dir := filepath.Dir(key); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
		}
	}
	tmp := key + ".tmp"
	if err := os.WriteFile(tmp, MarshalBundle(snaps), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, key); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move snapshot file into place: %w", err)
	}
	return nil
}

// Load reads and decodes the bundle in the file named by key
func (FileStore) Load(_ context.Context, key string) ([]*Snapshot, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read snapshot file %s: %w", key, err)
	}
	return UnmarshalBundle(data)
}

// Name returns "file"
func (FileStore) Name() string { return "file" }
