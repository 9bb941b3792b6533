package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
)

type frame struct {
	Type   string          `json:"type"`
	Ledger string          `json:"ledger_id"`
	Data   json.RawMessage `json:"data"`
}

func startHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub("test", opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, want int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestNewHub_Validation(t *testing.T) {
	_, err := NewHub("")
	require.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.True(t, errors.IsFatal(err))

	_, err = NewHub("x", WithBufferSize(0))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewHub("x", WithPingInterval(-time.Second))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewHub("x", WithWriteTimeout(0))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestHub_BroadcastsObserverEvents(t *testing.T) {
	hub, srv := startHub(t)
	first := dial(t, hub, srv, 1)
	second := dial(t, hub, srv, 2)

	ctx := context.Background()
	hub.SendAttempted(ctx, clpr.SendAttemptEvent{
		Ledger: "ledger-a",
		Source: "source",
		Attempt: clpr.SendAttempt{
			ConnectorID: "conn-1",
			Status:      clpr.AttemptAccepted,
		},
		Time: time.Now(),
	})
	hub.ResponseReceived(ctx, clpr.ResponseEvent{Ledger: "ledger-a", AppMessageID: 7, Success: true})

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, EventSendAttempt, f.Type)
		assert.Equal(t, "ledger-a", f.Ledger)
		assert.Contains(t, string(f.Data), `"source_app":"source"`)

		f = readFrame(t, conn)
		assert.Equal(t, EventResponse, f.Type)
		assert.Contains(t, string(f.Data), `"app_message_id":7`)
	}
}

func TestHub_MessageHandledEvent(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, 1)

	hub.MessageHandled(context.Background(), clpr.MessageHandledEvent{
		Ledger: "ledger-b", AppMessageID: 3, SourceLedger: "ledger-a", Status: clpr.StatusSuccess,
	})
	f := readFrame(t, conn)
	assert.Equal(t, EventMessageHandled, f.Type)
	assert.Equal(t, "ledger-b", f.Ledger)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// publishing with no clients is a no-op
	hub.Publish(Event{Type: EventResponse, Ledger: "ledger-a"})
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, 1)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	hub.Close()
}

func TestHub_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	hub, srv := startHub(t, WithMetrics(reg))
	conn := dial(t, hub, srv, 1)

	hub.Publish(Event{Type: EventSendAttempt, Ledger: "ledger-a"})
	readFrame(t, conn)

	assert.Equal(t, float64(1), testutil.ToFloat64(hub.metrics.clients))
	assert.Equal(t, float64(1), testutil.ToFloat64(hub.metrics.events.WithLabelValues(EventSendAttempt)))

	_, err := NewHub("test", WithMetrics(reg))
	require.Error(t, err)
}
