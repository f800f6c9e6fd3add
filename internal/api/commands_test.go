package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/relay"
	"github.com/ashureev/dasher-automate/internal/store"
)

type pushedControl struct {
	deviceID string
	action   string
	enabled  bool
}

type fakeCommander struct {
	mu        sync.Mutex
	connected map[string]bool
	statuses  map[string]domain.StatusRecord
	rules     []domain.RuleSet
	controls  []pushedControl
	statusErr error
}

func newFakeCommander(connected ...string) *fakeCommander {
	f := &fakeCommander{connected: map[string]bool{}, statuses: map[string]domain.StatusRecord{}}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

func (f *fakeCommander) PushRules(_ context.Context, deviceID string, rules domain.RuleSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := rules.Validate(); err != nil {
		return err
	}
	if !f.connected[deviceID] {
		return relay.ErrNotConnected
	}
	f.rules = append(f.rules, rules)
	return nil
}

func (f *fakeCommander) PushControl(_ context.Context, deviceID, action string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[deviceID] {
		return relay.ErrNotConnected
	}
	f.controls = append(f.controls, pushedControl{deviceID, action, enabled})
	return nil
}

func (f *fakeCommander) QueryStatus(_ context.Context, deviceID string) (domain.StatusRecord, error) {
	if f.statusErr != nil {
		return domain.StatusRecord{}, f.statusErr
	}
	if rec, ok := f.statuses[deviceID]; ok {
		return rec, nil
	}
	return domain.StatusRecord{SessionID: deviceID, Status: domain.StatusOffline}, nil
}

func (f *fakeCommander) LiveSessions() []domain.StatusRecord {
	var out []domain.StatusRecord
	for id := range f.connected {
		out = append(out, domain.StatusRecord{SessionID: id, Status: domain.StatusConnected})
	}
	return out
}

func newRouter(c Commander) http.Handler {
	r := chi.NewRouter()
	NewCommandHandler(c).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got), w.Body.String())
	return w, got
}

func TestGetStatus(t *testing.T) {
	fc := newFakeCommander()
	seen := time.UnixMilli(1_700_000_000_000)
	fc.statuses["D1"] = domain.StatusRecord{SessionID: "D1", Status: "ACTIVE", LastSeenAt: seen}
	h := newRouter(fc)

	w, got := do(t, h, http.MethodGet, "/api/status/D1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "D1", got["deviceId"])
	assert.Equal(t, "ACTIVE", got["status"])
	assert.NotZero(t, got["timestamp"])
	assert.EqualValues(t, seen.UnixMilli(), got["lastSeenAt"])

	w, got = do(t, h, http.MethodGet, "/api/status/unknown", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", got["status"])
}

func TestGetStatus_StoreErrorReportsOffline(t *testing.T) {
	fc := newFakeCommander()
	fc.statusErr = errors.New("disk on fire")

	w, got := do(t, newRouter(fc), http.MethodGet, "/api/status/D1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", got["status"])
}

func TestPushRules(t *testing.T) {
	fc := newFakeCommander("D1")
	h := newRouter(fc)

	w, got := do(t, h, http.MethodPost, "/api/rules/D1", `{"rules":{"minPay":7,"maxDistance":8,"minPayPerMile":1.25,"blacklistedStores":["wendy"]}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, got["success"])

	require.Len(t, fc.rules, 1)
	assert.Equal(t, "1.25", fc.rules[0].MinPayPerMile.String())
	assert.Equal(t, []string{"wendy"}, fc.rules[0].BlacklistedStores)
}

func TestPushRules_DeviceNotConnected(t *testing.T) {
	h := newRouter(newFakeCommander())

	w, got := do(t, h, http.MethodPost, "/api/rules/D2", `{"rules":{"minPay":7}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Device not connected", got["error"])
}

func TestPushRules_BadBodies(t *testing.T) {
	h := newRouter(newFakeCommander("D1"))

	for _, body := range []string{`{`, `{}`, `{"rules":{"minPay":-1}}`, `{"rules":{"minPay":"abc"}}`} {
		w, got := do(t, h, http.MethodPost, "/api/rules/D1", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.NotEmpty(t, got["error"], body)
	}
}

func TestPushControl(t *testing.T) {
	fc := newFakeCommander("D1")
	h := newRouter(fc)

	w, _ := do(t, h, http.MethodPost, "/api/control/D1", `{"action":"toggle","enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/control/D9", `{"action":"toggle","enabled":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/control/D1", `{"action":"toggle"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/control/D1", `{"enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Len(t, fc.controls, 1)
	assert.Equal(t, pushedControl{"D1", "toggle", false}, fc.controls[0])
}

func TestListSessions(t *testing.T) {
	w, got := do(t, newRouter(newFakeCommander("D1")), http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, got["sessions"], 1)
}

func TestCommands_AgainstRelay(t *testing.T) {
	repo, err := store.NewSQLite(store.MemoryPath)
	require.NoError(t, err)
	defer repo.Close()

	h := newRouter(relay.New(repo, relay.Options{}))

	w, got := do(t, h, http.MethodPost, "/api/rules/D2", `{"rules":{"minPay":6.5}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Device not connected", got["error"])

	w, got = do(t, h, http.MethodGet, "/api/status/D2", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", got["status"])
}
