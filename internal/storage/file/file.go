// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package file is the built-in TemplateStore backend: one file per
// template at <base>/<username>/<driver-id:04x>/<device-type:08x>/<finger
// -hex>, mode 0700 on every directory created and 0600 on the file
// itself (spec.md §3, §6). Permission constants follow the same
// discipline as uplo-tech-uplo/persist/persist.go's
// defaultDirPermissions/defaultFilePermissions.
package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
	"github.com/freedesktop-fprint/fprintd/internal/storage"
)

const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// Store is the filesystem-backed storage.Store.
type Store struct {
	base string
}

// New returns a Store rooted at base (default /var/lib/fprint).
func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) fingerPath(key storage.Key) (string, error) {
	if strings.ContainsAny(key.Username, "/\\") || key.Username == "" || key.Username == "." || key.Username == ".." {
		return "", storage.ErrInvalidUsername
	}
	return filepath.Join(
		s.base,
		key.Username,
		fmt.Sprintf("%04x", key.DriverID),
		fmt.Sprintf("%08x", key.DeviceType),
		string(key.Finger.Code()),
	), nil
}

func (s *Store) deviceDir(username string, driverID uint16, deviceType uint32) (string, error) {
	if strings.ContainsAny(username, "/\\") || username == "" || username == "." || username == ".." {
		return "", storage.ErrInvalidUsername
	}
	return filepath.Join(s.base, username, fmt.Sprintf("%04x", driverID), fmt.Sprintf("%08x", deviceType)), nil
}

// Save writes tmpl to the finger path, creating missing parents with mode
// 0700.
func (s *Store) Save(key storage.Key, tmpl driver.Template) error {
	path, err := s.fingerPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("storage/file: creating parent dirs: %w", err)
	}
	if err := os.WriteFile(path, tmpl, filePermissions); err != nil {
		return fmt.Errorf("storage/file: writing template: %w", err)
	}
	return nil
}

// Load reads the template for key. If adapter is non-nil and rejects the
// stored blob's format, it returns storage.ErrFormatMismatch.
func (s *Store) Load(key storage.Key, adapter driver.Adapter) (driver.Template, error) {
	path, err := s.fingerPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage/file: reading template: %w", err)
	}
	tmpl := driver.Template(data)
	if adapter != nil && !adapter.SupportsTemplate(tmpl) {
		return nil, storage.ErrFormatMismatch
	}
	return tmpl, nil
}

// Delete unlinks the finger path; a missing file is not an error.
func (s *Store) Delete(key storage.Key) error {
	path, err := s.fingerPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage/file: deleting template: %w", err)
	}
	return nil
}

// Discover scans the device-specific directory; entries that are not
// exactly one valid hex finger digit are ignored. A missing directory is
// equivalent to empty, never an error. os.ReadDir already returns entries
// sorted by filename, and finger codes are single hex digits, so the
// result comes back ascending by Finger.Code() with no extra sort.
func (s *Store) Discover(username string, driverID uint16, deviceType uint32) ([]finger.Finger, error) {
	dir, err := s.deviceDir(username, driverID, deviceType)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage/file: reading device dir: %w", err)
	}

	found := make([]finger.Finger, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 1 {
			continue
		}
		f, ok := finger.FromCode(e.Name()[0])
		if !ok {
			continue
		}
		found = append(found, f)
	}
	return found, nil
}
