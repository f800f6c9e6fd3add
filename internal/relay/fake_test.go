package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dasher-automate/internal/protocol"
	"github.com/ashureev/dasher-automate/internal/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	code   websocket.StatusCode
	reason string
	frames chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 256)}
}

func (f *fakeTransport) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.frames <- p
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// next returns the next frame that is not a welcome.
func (f *fakeTransport) next(t *testing.T) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.frames:
			typ, _, err := protocol.Peek(data)
			require.NoError(t, err)
			if typ == protocol.TypeWelcome {
				continue
			}
			return data
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

// quiet asserts no non-welcome frame arrives within d.
func (f *fakeTransport) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-f.frames:
			typ, _, _ := protocol.Peek(data)
			if typ == protocol.TypeWelcome {
				continue
			}
			t.Fatalf("unexpected frame: %s", data)
		case <-deadline:
			return
		}
	}
}

func decode(t *testing.T, data []byte) protocol.Message {
	t.Helper()
	var m protocol.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func newTestRelay(t *testing.T) (*Relay, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo, Options{}), repo
}
