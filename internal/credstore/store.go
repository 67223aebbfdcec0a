// Package credstore keeps materialized session artifacts on local disk, one
// file per phone number.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	filePrefix = "business_"
	fileSuffix = ".session"
)

var (
	ErrInvalidPhone  = errors.New("credstore: invalid phone")
	ErrEmptyArtifact = errors.New("credstore: empty artifact")
	ErrNotFound      = errors.New("credstore: not found")
)

// Store is a directory of artifact files named deterministically from the phone number.
type Store struct {
	dir string
}

// Open prepares dir (mode 0700) and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("credstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Filename returns the artifact file name for phone, e.g. business_15551234567.session.
func Filename(phone string) (string, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if digits == "" {
		return "", ErrInvalidPhone
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	return filePrefix + digits + fileSuffix, nil
}

func (s *Store) path(phone string) (string, error) {
	name, err := Filename(phone)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Put persists artifact for phone, replacing any earlier artifact for the same number.
// The write goes to a temp file that is synced and renamed, so readers never observe
// a partial artifact. requester is accepted for symmetry with the audit trail; the
// file layout is keyed by phone only.
func (s *Store) Put(requester, phone string, artifact []byte) error {
	if len(artifact) == 0 {
		return ErrEmptyArtifact
	}
	dst, err := s.path(phone)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("credstore: temp file for %s: %w", requester, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("credstore: chmod: %w", err)
	}
	if _, err := tmp.Write(artifact); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("credstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("credstore: close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}

// Exists reports whether an artifact is stored for phone.
func (s *Store) Exists(phone string) bool {
	p, err := s.path(phone)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Open reads the artifact for phone. Callers must only hand the bytes to the
// requester who owns the matching in-flight session.
func (s *Store) Open(phone string) ([]byte, error) {
	p, err := s.path(phone)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credstore: read: %w", err)
	}
	return data, nil
}

// CountArtifacts returns the number of stored artifact files.
func (s *Store) CountArtifacts() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("credstore: list: %w", err)
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			n++
		}
	}
	return n, nil
}

// Check verifies the directory is still reachable and writable.
func (s *Store) Check() error {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("credstore: not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
