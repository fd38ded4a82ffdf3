// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package boltstore is an opt-in TemplateStore backend on top of
// go.etcd.io/bbolt, selected via `[storage] type = bolt` in fprintd.conf.
// It demonstrates the plug model of spec.md §4.1 beyond the built-in file
// backend: one bucket per (driver-id, device-type), one key per
// (username, finger).
package boltstore

import (
	"encoding/binary"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
	"github.com/freedesktop-fprint/fprintd/internal/storage"
)

// Store is the bbolt-backed storage.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(driverID uint16, deviceType uint32) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], driverID)
	binary.BigEndian.PutUint32(b[2:6], deviceType)
	return b
}

func entryKey(username string, f finger.Finger) ([]byte, error) {
	if strings.ContainsAny(username, "/\\") || username == "" || username == "." || username == ".." {
		return nil, storage.ErrInvalidUsername
	}
	return []byte(fmt.Sprintf("%s\x00%c", username, f.Code())), nil
}

func (s *Store) Save(key storage.Key, tmpl driver.Template) error {
	ek, err := entryKey(key.Username, key.Finger)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key.DriverID, key.DeviceType))
		if err != nil {
			return fmt.Errorf("boltstore: creating bucket: %w", err)
		}
		return b.Put(ek, tmpl)
	})
}

// Load reads the template for key. If adapter is non-nil and rejects the
// stored blob's format, it returns storage.ErrFormatMismatch.
func (s *Store) Load(key storage.Key, adapter driver.Adapter) (driver.Template, error) {
	ek, err := entryKey(key.Username, key.Finger)
	if err != nil {
		return nil, err
	}
	var tmpl driver.Template
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key.DriverID, key.DeviceType))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get(ek)
		if v == nil {
			return storage.ErrNotFound
		}
		tmpl = append(driver.Template(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if adapter != nil && !adapter.SupportsTemplate(tmpl) {
		return nil, storage.ErrFormatMismatch
	}
	return tmpl, nil
}

func (s *Store) Delete(key storage.Key) error {
	ek, err := entryKey(key.Username, key.Finger)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key.DriverID, key.DeviceType))
		if b == nil {
			return nil
		}
		return b.Delete(ek)
	})
}

// Discover scans the username-prefixed key range for (driverID,
// deviceType). bbolt's cursor walks keys in byte order and finger codes
// are single bytes, so entries come back ascending by Finger.Code()
// without an extra sort, matching storage.Store's ordering contract.
func (s *Store) Discover(username string, driverID uint16, deviceType uint32) ([]finger.Finger, error) {
	if strings.ContainsAny(username, "/\\") || username == "" || username == "." || username == ".." {
		return nil, storage.ErrInvalidUsername
	}
	prefix := []byte(username + "\x00")
	var found []finger.Finger

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(driverID, deviceType))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if len(k) != len(prefix)+1 {
				continue
			}
			f, ok := finger.FromCode(k[len(prefix)])
			if !ok {
				continue
			}
			found = append(found, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
