package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
)

func TestBoltStatusStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "status.db")

	s, err := OpenBoltStatusStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveStatus(ctx, "conn/with spaces", sampleStatus(110)))
	require.NoError(t, s.SaveStatus(ctx, "conn-b", sampleStatus(60)))
	require.NoError(t, s.SaveStatus(ctx, "conn-b", sampleStatus(10)))
	require.NoError(t, s.SaveStatus(ctx, "conn-unknown", clpr.RemoteStatus{}))
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStatusStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	all, err := reopened.LoadStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["conn-b"].AvailableBalance.Equal(sampleStatus(10).AvailableBalance))
	assert.True(t, all["conn/with spaces"].Known)
	assert.Equal(t, "tinybar", all["conn/with spaces"].Unit)
}

func TestBoltStatusStore_SkipsUndecodable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBoltStatusStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SaveStatus(ctx, "conn-a", sampleStatus(110)))
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).Put([]byte("garbage"), []byte("{"))
	}))

	all, err := s.LoadStatuses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, clpr.ConnectorID("conn-a"))
}

func TestBoltStatusStore_Errors(t *testing.T) {
	_, err := OpenBoltStatusStore("")
	require.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = OpenBoltStatusStore(filepath.Join(t.TempDir(), "missing-dir", "status.db"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	s, err := OpenBoltStatusStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	err = s.SaveStatus(context.Background(), "", sampleStatus(1))
	require.ErrorIs(t, err, errors.ErrUnknownConnector)
}

func TestBoltStatusStore_WarmStartsMiddleware(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBoltStatusStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SaveStatus(ctx, "remote-conn", sampleStatus(60)))

	mw, err := clpr.NewMiddleware(nopQueue{}, "ledger-a", clpr.WithStatusPersister(s))
	require.NoError(t, err)
	n, err := mw.WarmStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mw.RemoteStatus("remote-conn").Known)
}

type nopQueue struct{}

func (nopQueue) EnqueueMessage(context.Context, clpr.MessageEnvelope) (uint64, error) { return 1, nil }
func (nopQueue) EnqueueResponse(context.Context, clpr.ResponseEnvelope) error        { return nil }
