package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// ErrKeyExists is returned when saving under a key that already holds an
// artifact. The store is append-only per key; callers are responsible for
// key uniqueness.
var ErrKeyExists = errors.New("artifact key already exists")

// Store persists model artifacts as gzip-compressed JSON files under a
// single directory.
type Store struct {
	dir string
}

// NewStore creates the artifact directory if needed and returns a store
// rooted at it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save validates and persists the model under the given key, returning the
// artifact location. Writing is atomic: the file appears at its final path
// only once fully written. Saving to an existing key fails with ErrKeyExists.
func (s *Store) Save(m *Model, key string) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("refusing to save invalid model: %w", err)
	}

	location := filepath.Join(s.dir, key+".model.gz")
	if _, err := os.Stat(location); err == nil {
		return "", fmt.Errorf("save %q: %w", key, ErrKeyExists)
	}

	data, err := Encode(m)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", fmt.Errorf("compress model: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("flush compressed model: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, location); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalize artifact: %w", err)
	}

	return location, nil
}

// Load reads, decompresses, and validates the artifact at location.
func (s *Store) Load(location string) (*Model, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}

	return Decode(data)
}
