package nulldist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// FileStore keeps one compressed artifact file per key in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the artifact path for key.
func (s *FileStore) Path(key Key) string {
	return filepath.Join(s.dir, key.Filename())
}

func (s *FileStore) Load(ctx context.Context, key Key) (*Distribution, error) {
	path := s.Path(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()
	return Decode(f, key, path)
}

// Save writes to a temporary file and renames it into place so readers never
// observe a partial artifact.
func (s *FileStore) Save(ctx context.Context, d *Distribution) error {
	path := s.Path(d.Key())
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+d.Key().String()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, d); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	if fi, err := os.Stat(path); err == nil {
		log.Printf("[NullDist] Saved %s (%s)", filepath.Base(path), humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}
