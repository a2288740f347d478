// Package chunkstore keeps the bytes of in-progress uploads in per-session
// temporary files.
package chunkstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/errs"
)

// Error is the error class for chunk store failures.
var Error = errs.Class("chunkstore")

// Store creates and manipulates temp files under a single directory.
type Store struct {
	dir string
}

// New ensures dir exists and returns a Store rooted at it.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "driveup-chunks")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Create allocates an empty temp file owned by sessionID and returns its path.
func (s *Store) Create(sessionID string) (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", Error.Wrap(err)
	}
	path := filepath.Join(s.dir, sessionID+"-"+id.String()+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return "", errs.Combine(Error.Wrap(err), os.Remove(path))
	}
	return path, nil
}

// WriteAt writes data at offset. If the write fails the file is truncated
// back to offset so a retry of the same range starts clean.
func (s *Store) WriteAt(path string, offset int64, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, Error.Wrap(f.Truncate(offset)))
		}
		err = errs.Combine(err, Error.Wrap(f.Close()))
	}()

	if _, err := f.WriteAt(data, offset); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(f.Sync())
}

// Open opens the temp file for reading.
func (s *Store) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return f, nil
}

// Size returns the current length of the temp file.
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return info.Size(), nil
}

// Hash returns the lowercase hex SHA-256 of the whole file.
func (s *Store) Hash(path string) (string, error) {
	f, err := s.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove deletes the temp file. Removing a missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Error.Wrap(err)
	}
	return nil
}
