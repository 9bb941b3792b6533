package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/natsclient"
)

// DefaultStatusBucket is the KV bucket holding remote connector statuses.
const DefaultStatusBucket = "clpr_remote_status"

// kvBackend is the part of *natsclient.KVStore the status store uses.
type kvBackend interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
}

// KVStatusStore keeps one JSON record per remote connector.
type KVStatusStore struct {
	kv kvBackend
}

var _ clpr.StatusPersister = (*KVStatusStore)(nil)

// NewKVStatusStore opens bucket, creating it when missing.
// Each ledger needs its own bucket; an empty bucket name uses
// DefaultStatusBucket.
func NewKVStatusStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStatusStore, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "KVStatusStore", "NewKVStatusStore", "check nats client")
	}
	if bucket == "" {
		bucket = DefaultStatusBucket
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Last status reported by each remote connector",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStatusStore", "NewKVStatusStore", "create KV bucket")
	}
	return &KVStatusStore{kv: client.NewKVStore(kv, 5*time.Second)}, nil
}

// statusKey encodes a connector id into the KV key alphabet.
func statusKey(id clpr.ConnectorID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func connectorFromKey(key string) (clpr.ConnectorID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return clpr.ConnectorID(raw), nil
}

// SaveStatus overwrites the stored status of connector id.
func (s *KVStatusStore) SaveStatus(ctx context.Context, id clpr.ConnectorID, status clpr.RemoteStatus) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrUnknownConnector, "KVStatusStore", "SaveStatus", "check connector id")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return errors.WrapFatal(err, "KVStatusStore", "SaveStatus", "marshal status")
	}
	if _, err := s.kv.Put(ctx, statusKey(id), data); err != nil {
		return errors.WrapTransient(err, "KVStatusStore", "SaveStatus", "put to KV")
	}
	return nil
}

// Status returns the stored status of connector id. Known is false when
// nothing was stored.
func (s *KVStatusStore) Status(ctx context.Context, id clpr.ConnectorID) (clpr.RemoteStatus, error) {
	entry, err := s.kv.Get(ctx, statusKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return clpr.RemoteStatus{}, nil
		}
		return clpr.RemoteStatus{}, errors.WrapTransient(err, "KVStatusStore", "Status", "get from KV")
	}
	var status clpr.RemoteStatus
	if err := json.Unmarshal(entry.Value, &status); err != nil {
		return clpr.RemoteStatus{}, errors.WrapInvalid(err, "KVStatusStore", "Status", "unmarshal status")
	}
	return status, nil
}

// LoadStatuses returns every stored status. Keys deleted between listing
// and reading are skipped.
func (s *KVStatusStore) LoadStatuses(ctx context.Context) (map[clpr.ConnectorID]clpr.RemoteStatus, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStatusStore", "LoadStatuses", "list KV keys")
	}

	out := make(map[clpr.ConnectorID]clpr.RemoteStatus, len(keys))
	for _, key := range keys {
		id, err := connectorFromKey(key)
		if err != nil {
			continue
		}
		status, err := s.Status(ctx, id)
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStatusStore", "LoadStatuses", fmt.Sprintf("get status %s", id))
		}
		if status.Known {
			out[id] = status
		}
	}
	return out, nil
}
