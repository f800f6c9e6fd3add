package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

func newTestServer(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	r, _ := newTestRelay(t)
	router := chi.NewRouter()
	NewWebSocketHandler(r, []string{"*"}).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		r.Shutdown()
		srv.Close()
	})
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Every session is greeted first.
	msg := read(t, conn)
	require.Equal(t, protocol.TypeWelcome, msg.typ)
	return conn
}

type frame struct {
	typ  protocol.Type
	data []byte
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	typ, _, err := protocol.Peek(data)
	require.NoError(t, err)
	return frame{typ: typ, data: data}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_OfferRoutedToConsole(t *testing.T) {
	r, srv := newTestServer(t)

	device := dial(t, srv, "D1")
	console := dial(t, srv, "web-D1")
	bystander := dial(t, srv, "D3")
	waitFor(t, func() bool { return r.Registry().Len() == 3 })

	payload := []byte(`{"type":"offer_received","offer":{"pay":"7.00","distance":"5 mi","timeEstimate":"25 min","storeName":"Wendy's"}}`)
	require.NoError(t, device.Write(context.Background(), websocket.MessageText, payload))

	got := read(t, console)
	assert.Equal(t, payload, got.data)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, _, err := bystander.Read(ctx)
	assert.Error(t, err, "unrelated session must receive nothing")
}

func TestWebSocket_PingPong(t *testing.T) {
	_, srv := newTestServer(t)
	device := dial(t, srv, "D1")

	require.NoError(t, device.Write(context.Background(), websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, protocol.TypePong, read(t, device).typ)
}

func TestWebSocket_DisconnectRecorded(t *testing.T) {
	r, srv := newTestServer(t)
	device := dial(t, srv, "D1")
	waitFor(t, func() bool { return r.Registry().Len() == 1 })

	require.NoError(t, device.Close(websocket.StatusNormalClosure, "bye"))

	waitFor(t, func() bool { return r.Registry().Len() == 0 })
	waitFor(t, func() bool {
		rec, err := r.QueryStatus(context.Background(), "D1")
		return err == nil && rec.Status == domain.StatusDisconnected
	})
}

func TestWebSocket_SupersedingConnection(t *testing.T) {
	r, srv := newTestServer(t)
	first := dial(t, srv, "D1")
	second := dial(t, srv, "D1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	require.NoError(t, r.PushControl(context.Background(), "D1", "toggle", true))
	assert.Equal(t, protocol.TypeToggleService, read(t, second).typ)
	assert.Equal(t, 1, r.Registry().Len())
}

func TestWebSocket_RejectsBadSessionID(t *testing.T) {
	_, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bad%20id"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 400, resp.StatusCode)
	}
}

func TestWebSocket_FailedUpgradeKeepsLiveStatus(t *testing.T) {
	r, srv := newTestServer(t)
	device := dial(t, srv, "D1")

	update, err := protocol.Encode(protocol.StatusUpdate(domain.DeviceActive))
	require.NoError(t, err)
	require.NoError(t, device.Write(context.Background(), websocket.MessageText, update))
	waitFor(t, func() bool {
		rec, err := r.QueryStatus(context.Background(), "D1")
		return err == nil && rec.Status == domain.DeviceActive
	})

	resp, err := http.Get(srv.URL + "/ws/D1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	rec, err := r.QueryStatus(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceActive, rec.Status)
	assert.Equal(t, 1, r.Registry().Len())
}

func TestWebSocket_FailedUpgradeRestoresPreviousStatus(t *testing.T) {
	r, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	waitFor(t, func() bool {
		rec, err := r.QueryStatus(context.Background(), "ghost")
		return err == nil && rec.Status == domain.StatusOffline
	})

	device := dial(t, srv, "D2")
	require.NoError(t, device.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, func() bool {
		rec, err := r.QueryStatus(context.Background(), "D2")
		return err == nil && rec.Status == domain.StatusDisconnected
	})

	resp, err = http.Get(srv.URL + "/ws/D2")
	require.NoError(t, err)
	resp.Body.Close()

	waitFor(t, func() bool {
		rec, err := r.QueryStatus(context.Background(), "D2")
		return err == nil && rec.Status == domain.StatusDisconnected
	})
}

func TestWebSocket_RejectsBareConsolePrefix(t *testing.T) {
	r, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/" + domain.ConsolePrefix)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rec, err := r.QueryStatus(context.Background(), domain.ConsolePrefix)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, rec.Status)
}
