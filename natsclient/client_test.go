package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		StatusCircuitOpen:    "circuit_open",
		ConnectionStatus(42): "unknown",
	}
	for status, expected := range tests {
		assert.Equal(t, expected, status.String())
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())

	_, err = NewClient("  ")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.True(t, errors.IsFatal(err))
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"zero timeout", WithTimeout(0)},
		{"negative reconnect wait", WithReconnectWait(-time.Second)},
		{"zero threshold", WithCircuitBreakerThreshold(0)},
		{"zero ping", WithPingInterval(0)},
		{"zero backoff", WithMaxBackoff(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tt.opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "clpr.a.message", []byte("x")), errors.ErrNotConnected)
	_, err = client.Request(ctx, "clpr.a.app.x.send", nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = client.PublishToStream(ctx, "clpr.a.message", nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = client.JetStream()
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	assert.True(t, client.Health().IsUnhealthy())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2),
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx := context.Background()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestClient_WaitForConnectionTimesOut(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = client.WaitForConnection(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "secret"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.password)

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(errors.New("wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
