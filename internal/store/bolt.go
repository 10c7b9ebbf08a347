// Package store provides the fabric's embedded persistence layer: a
// BoltDB-backed durability store for the topology directory and the
// identity manager's certificates, adapted from the teacher's
// internal/store BoltDB wrapper. It is a durability layer, not a
// cache-coherence mechanism -- the in-memory directory and identity
// state remain authoritative while the process is running.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDirectory    = []byte("directory")
	bucketCertificates = []byte("certificates")
)

// Store wraps a BoltDB database for network service persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDirectory, bucketCertificates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDirectoryEntry persists a directory entry under agentID.
func (s *Store) SaveDirectoryEntry(agentID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectory).Put([]byte(agentID), data)
	})
}

// GetDirectoryEntry returns the persisted entry for agentID, or nil if absent.
func (s *Store) GetDirectoryEntry(agentID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDirectory).Get([]byte(agentID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// ListDirectoryEntries returns every persisted directory entry keyed by agent_id.
func (s *Store) ListDirectoryEntries() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectory).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// DeleteDirectoryEntry removes agentID from the directory.
func (s *Store) DeleteDirectoryEntry(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectory).Delete([]byte(agentID))
	})
}

// SaveCertificate persists a certificate under agentID.
func (s *Store) SaveCertificate(agentID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Put([]byte(agentID), data)
	})
}

// GetCertificate returns the persisted certificate for agentID, or nil if absent.
func (s *Store) GetCertificate(agentID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCertificates).Get([]byte(agentID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// ListCertificates returns every persisted certificate keyed by agent_id.
func (s *Store) ListCertificates() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// DeleteCertificate removes agentID's persisted certificate.
func (s *Store) DeleteCertificate(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Delete([]byte(agentID))
	})
}
