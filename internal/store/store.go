// Package store persists cert-info and node-info records in an embedded
// bbolt database. It implements the storage contracts of certhandler and
// nodemanager.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/internal/nodemanager"
)

var (
	certsBucket = []byte("certificates")
	nodesBucket = []byte("nodes")
)

const openTimeout = 5 * time.Second

// Store is a bbolt-backed implementation of the cert-info and node-info
// storages. Certificate records are grouped per cert type; node records are
// keyed by node id.
type Store struct {
	db *bolt.DB
}

var (
	_ certhandler.Storage = (*Store)(nil)
	_ nodemanager.Storage = (*Store)(nil)
)

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{certsBucket, nodesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	return nil
}

// AddCertInfo appends a record to the cert type's list.
func (s *Store) AddCertInfo(certType string, info certhandler.CertInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		infos, err := readCertsInfo(tx, certType)
		if err != nil {
			return err
		}

		for _, existing := range infos {
			if existing.Equal(info) {
				return fmt.Errorf("%w: cert info %s", iamerrors.ErrAlreadyExist, info.CertURL)
			}
		}

		return writeCertsInfo(tx, certType, append(infos, info))
	})
}

// GetCertInfo looks a record up by issuer and serial across all cert types.
func (s *Store) GetCertInfo(issuer, serial []byte) (certhandler.CertInfo, error) {
	var result certhandler.CertInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(certsBucket).Cursor()

		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var infos []certhandler.CertInfo

			if err := json.Unmarshal(value, &infos); err != nil {
				return fmt.Errorf("decoding certs info: %w", err)
			}

			for _, info := range infos {
				if bytes.Equal(info.Issuer, issuer) && bytes.Equal(info.Serial, serial) {
					result = info

					return nil
				}
			}
		}

		return fmt.Errorf("%w: cert info", iamerrors.ErrNotFound)
	})

	return result, err
}

// GetCertsInfo returns all records of a cert type. An unknown type yields an
// empty list.
func (s *Store) GetCertsInfo(certType string) ([]certhandler.CertInfo, error) {
	var infos []certhandler.CertInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error

		infos, err = readCertsInfo(tx, certType)

		return err
	})

	return infos, err
}

// RemoveCertInfo removes the record addressed by certURL from the cert
// type's list.
func (s *Store) RemoveCertInfo(certType, certURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		infos, err := readCertsInfo(tx, certType)
		if err != nil {
			return err
		}

		remaining := infos[:0]

		for _, info := range infos {
			if info.CertURL != certURL {
				remaining = append(remaining, info)
			}
		}

		return writeCertsInfo(tx, certType, remaining)
	})
}

// RemoveAllCertsInfo drops all records of a cert type.
func (s *Store) RemoveAllCertsInfo(certType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(certsBucket).Delete([]byte(certType)); err != nil {
			return fmt.Errorf("removing certs info: %w", err)
		}

		return nil
	})
}

// SetNodeInfo stores a node record.
func (s *Store) SetNodeInfo(info nodemanager.NodeInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("encoding node info: %w", err)
		}

		if err := tx.Bucket(nodesBucket).Put([]byte(info.ID), data); err != nil {
			return fmt.Errorf("storing node info: %w", err)
		}

		return nil
	})
}

// GetNodeInfo reads a node record.
func (s *Store) GetNodeInfo(nodeID string) (nodemanager.NodeInfo, error) {
	var info nodemanager.NodeInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(nodesBucket).Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
		}

		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("decoding node info: %w", err)
		}

		return nil
	})

	return info, err
}

// GetAllNodeIDs lists stored node ids.
func (s *Store) GetAllNodeIDs() ([]string, error) {
	var nodeIDs []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(key, _ []byte) error {
			nodeIDs = append(nodeIDs, string(key))

			return nil
		})
	})

	return nodeIDs, err
}

// RemoveNodeInfo removes a node record.
func (s *Store) RemoveNodeInfo(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)

		if bucket.Get([]byte(nodeID)) == nil {
			return fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
		}

		if err := bucket.Delete([]byte(nodeID)); err != nil {
			return fmt.Errorf("removing node info: %w", err)
		}

		return nil
	})
}

func readCertsInfo(tx *bolt.Tx, certType string) ([]certhandler.CertInfo, error) {
	data := tx.Bucket(certsBucket).Get([]byte(certType))
	if data == nil {
		return nil, nil
	}

	var infos []certhandler.CertInfo

	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("decoding certs info: %w", err)
	}

	return infos, nil
}

func writeCertsInfo(tx *bolt.Tx, certType string, infos []certhandler.CertInfo) error {
	if len(infos) == 0 {
		if err := tx.Bucket(certsBucket).Delete([]byte(certType)); err != nil {
			return fmt.Errorf("removing certs info: %w", err)
		}

		return nil
	}

	data, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("encoding certs info: %w", err)
	}

	if err := tx.Bucket(certsBucket).Put([]byte(certType), data); err != nil {
		return fmt.Errorf("storing certs info: %w", err)
	}

	return nil
}
