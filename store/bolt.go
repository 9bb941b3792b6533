package store

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
)

var statusBucket = []byte("remote_status")

// BoltStatusStore keeps remote statuses in a local bolt file, for nodes that
// run without JetStream. Keys are raw connector ids.
type BoltStatusStore struct {
	db *bolt.DB
}

var _ clpr.StatusPersister = (*BoltStatusStore)(nil)

// OpenBoltStatusStore opens or creates the file at path. The file is locked
// until Close; a second opener waits up to one second and then fails.
func OpenBoltStatusStore(path string) (*BoltStatusStore, error) {
	if path == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "BoltStatusStore", "OpenBoltStatusStore", "check path")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapFatal(err, "BoltStatusStore", "OpenBoltStatusStore", "open "+path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "BoltStatusStore", "OpenBoltStatusStore", "create bucket")
	}
	return &BoltStatusStore{db: db}, nil
}

func (s *BoltStatusStore) Close() error {
	return s.db.Close()
}

// SaveStatus overwrites the stored status of connector id.
func (s *BoltStatusStore) SaveStatus(_ context.Context, id clpr.ConnectorID, status clpr.RemoteStatus) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrUnknownConnector, "BoltStatusStore", "SaveStatus", "check connector id")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return errors.WrapFatal(err, "BoltStatusStore", "SaveStatus", "marshal status")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).Put([]byte(id), data)
	})
	if err != nil {
		return errors.WrapTransient(err, "BoltStatusStore", "SaveStatus", "write status")
	}
	return nil
}

// LoadStatuses returns every stored status. Records that no longer decode
// are skipped.
func (s *BoltStatusStore) LoadStatuses(_ context.Context) (map[clpr.ConnectorID]clpr.RemoteStatus, error) {
	out := make(map[clpr.ConnectorID]clpr.RemoteStatus)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, v []byte) error {
			var status clpr.RemoteStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return nil
			}
			if status.Known {
				out[clpr.ConnectorID(k)] = status
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "BoltStatusStore", "LoadStatuses", "read statuses")
	}
	return out, nil
}
