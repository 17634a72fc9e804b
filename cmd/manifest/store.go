package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound       = errors.New("progress file not found")
	ErrCorrupt        = errors.New("progress file is corrupt")
	ErrSourceMismatch = errors.New("progress file belongs to a different source")
	// ErrNewerVersion is returned for a progress file written by a newer
	// release; saving it would drop fields this release does not know.
	ErrNewerVersion = errors.New("progress file was written by a newer release")
)

// FileStore persists a Manifest as a single JSON document. Every Save
// rewrites the whole file through a temp file and rename, so a reader never
// sees a half-written manifest.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// WithClock replaces the clock used for createdAt/updatedAt.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

func (s *FileStore) Path() string {
	return s.path
}

// Read loads the manifest as-is. It returns ErrNotFound when no file exists.
func (s *FileStore) Read() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if m.Version > Version {
		return nil, fmt.Errorf("%w: %s has layout version %d, this release reads up to %d", ErrNewerVersion, s.path, m.Version, Version)
	}
	if m.Entities == nil {
		m.Entities = []EntityRecord{}
	}
	m.Summary = Summarize(m.Entities)
	return &m, nil
}

// Load returns the stored manifest for sourceIdentifier, or a new empty one
// when the file does not exist yet. A corrupt file is an error rather than a
// fresh start since it is the only record of completed work.
func (s *FileStore) Load(sourceIdentifier string) (*Manifest, error) {
	m, err := s.Read()
	if errors.Is(err, ErrNotFound) {
		return New(sourceIdentifier, s.now()), nil
	}
	if err != nil {
		return nil, err
	}
	if m.SourceIdentifier != sourceIdentifier {
		return nil, fmt.Errorf("%w: file has %q, run has %q", ErrSourceMismatch, m.SourceIdentifier, sourceIdentifier)
	}
	return m, nil
}

// Save recomputes the summary, stamps updatedAt and atomically replaces the
// file.
func (s *FileStore) Save(m *Manifest) error {
	m.Version = Version
	m.UpdatedAt = s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	m.Summary = Summarize(m.Entities)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
