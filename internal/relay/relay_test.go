package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

func TestRelay_ForwardsOfferToPairedConsoleOnly(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	deviceWS := newFakeTransport()
	consoleWS := newFakeTransport()
	otherWS := newFakeTransport()

	device := r.OnConnect(ctx, "D1", deviceWS)
	r.OnConnect(ctx, "web-D1", consoleWS)
	r.OnConnect(ctx, "web-D2", otherWS)

	frame := []byte(`{"type":"offer_received","offer":{"pay":"7.00","distance":"5 mi","storeName":"Wendy's"},"timestamp":42}`)
	r.OnMessage(ctx, device, frame)

	assert.Equal(t, frame, consoleWS.next(t), "payload forwarded verbatim")
	otherWS.quiet(t, 100*time.Millisecond)
	deviceWS.quiet(t, 50*time.Millisecond)
}

func TestRelay_StatusUpdateRecordedAndForwarded(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	consoleWS := newFakeTransport()
	device := r.OnConnect(ctx, "D1", newFakeTransport())
	r.OnConnect(ctx, "web-D1", consoleWS)

	frame := []byte(`{"type":"status_update","status":"ACTIVE"}`)
	r.OnMessage(ctx, device, frame)

	assert.Equal(t, frame, consoleWS.next(t))

	rec, err := r.QueryStatus(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", rec.Status)
}

func TestRelay_PingAnsweredNotForwarded(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	deviceWS := newFakeTransport()
	consoleWS := newFakeTransport()
	device := r.OnConnect(ctx, "D1", deviceWS)
	console := r.OnConnect(ctx, "web-D1", consoleWS)

	r.OnMessage(ctx, device, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, decode(t, deviceWS.next(t)).Type)
	consoleWS.quiet(t, 50*time.Millisecond)

	r.OnMessage(ctx, console, []byte(`{"type":"ping"}`))
	pong := decode(t, consoleWS.next(t))
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)
}

func TestRelay_DropsUnknownAndInvalid(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	consoleWS := newFakeTransport()
	device := r.OnConnect(ctx, "D1", newFakeTransport())
	console := r.OnConnect(ctx, "web-D1", consoleWS)

	r.OnMessage(ctx, device, []byte(`{"type":"reboot"}`))
	r.OnMessage(ctx, device, []byte(`{"type":"update_rules","rules":{}}`))
	r.OnMessage(ctx, device, []byte(`garbage`))
	consoleWS.quiet(t, 100*time.Millisecond)

	// Consoles cannot inject device-origin events.
	deviceWS := newFakeTransport()
	r.OnConnect(ctx, "D1", deviceWS)
	r.OnMessage(ctx, console, []byte(`{"type":"action_taken","action":"ACCEPTED"}`))
	deviceWS.quiet(t, 100*time.Millisecond)
}

func TestRelay_PushRules(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	deviceWS := newFakeTransport()
	r.OnConnect(ctx, "D1", deviceWS)

	rules := domain.DefaultRuleSet()
	rules.MinPay = decimal.NewFromInt(8)
	rules.BlacklistedStores = []string{"wendy"}
	require.NoError(t, r.PushRules(ctx, "D1", rules))

	msg := decode(t, deviceWS.next(t))
	assert.Equal(t, protocol.TypeUpdateRules, msg.Type)
	require.NotNil(t, msg.Rules)
	assert.True(t, msg.Rules.MinPay.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, []string{"wendy"}, msg.Rules.BlacklistedStores)
}

func TestRelay_PushRulesNotConnected(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	err := r.PushRules(ctx, "D2", domain.DefaultRuleSet())
	assert.ErrorIs(t, err, ErrNotConnected)

	// Nothing is queued for later: a device connecting afterwards gets no rules.
	deviceWS := newFakeTransport()
	r.OnConnect(ctx, "D2", deviceWS)
	deviceWS.quiet(t, 100*time.Millisecond)
}

func TestRelay_PushRulesRejectsInvalid(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()
	r.OnConnect(ctx, "D1", newFakeTransport())

	rules := domain.DefaultRuleSet()
	rules.MaxDistance = decimal.NewFromInt(-1)
	assert.ErrorIs(t, r.PushRules(ctx, "D1", rules), domain.ErrInvalidRules)
}

func TestRelay_PushControl(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	deviceWS := newFakeTransport()
	r.OnConnect(ctx, "D1", deviceWS)

	require.NoError(t, r.PushControl(ctx, "D1", "toggle", false))
	msg := decode(t, deviceWS.next(t))
	assert.Equal(t, protocol.TypeToggleService, msg.Type)
	require.NotNil(t, msg.Enabled)
	assert.False(t, *msg.Enabled)

	require.NoError(t, r.PushControl(ctx, "D1", "pause", true))
	msg = decode(t, deviceWS.next(t))
	assert.Equal(t, protocol.TypeControl, msg.Type)
	assert.Equal(t, "pause", msg.Action)

	assert.ErrorIs(t, r.PushControl(ctx, "web-D1", "toggle", true), ErrNotConnected)
}

func TestRelay_PushOrdering(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	deviceWS := newFakeTransport()
	r.OnConnect(ctx, "D1", deviceWS)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.PushControl(ctx, "D1", fmt.Sprintf("step-%d", i), i%2 == 0))
	}
	for i := 0; i < 20; i++ {
		msg := decode(t, deviceWS.next(t))
		assert.Equal(t, fmt.Sprintf("step-%d", i), msg.Action)
	}
}

func TestRelay_StatusLifecycle(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	rec, err := r.QueryStatus(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, rec.Status)

	conn := r.OnConnect(ctx, "D1", newFakeTransport())
	rec, err = r.QueryStatus(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, rec.Status)

	r.OnDisconnect(ctx, conn)
	rec, err = r.QueryStatus(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisconnected, rec.Status)

	assert.ErrorIs(t, r.PushRules(ctx, "D1", domain.DefaultRuleSet()), ErrNotConnected)
}

func TestRelay_SupersededDisconnectKeepsStatus(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	first := r.OnConnect(ctx, "D1", newFakeTransport())
	secondWS := newFakeTransport()
	r.OnConnect(ctx, "D1", secondWS)

	// The old read loop notices its closed socket after the new one registered.
	r.OnDisconnect(ctx, first)

	rec, err := r.QueryStatus(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, rec.Status)

	require.NoError(t, r.PushControl(ctx, "D1", "toggle", true))
	assert.Equal(t, protocol.TypeToggleService, decode(t, secondWS.next(t)).Type)
}

func TestRelay_WelcomeOnConnect(t *testing.T) {
	r, _ := newTestRelay(t)
	ws := newFakeTransport()
	r.OnConnect(context.Background(), "D1", ws)

	select {
	case data := <-ws.frames:
		assert.Equal(t, protocol.TypeWelcome, decode(t, data).Type)
	case <-time.After(time.Second):
		t.Fatal("no welcome")
	}
}

func TestRelay_SweepClosesIdle(t *testing.T) {
	_, repo := newTestRelay(t)
	now := time.Now()
	r := New(repo, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	idleWS := newFakeTransport()
	idle := r.OnConnect(ctx, "D1", idleWS)
	now = now.Add(10 * time.Minute)
	active := r.OnConnect(ctx, "D2", newFakeTransport())
	r.OnMessage(ctx, active, []byte(`{"type":"ping"}`))

	closed := r.Sweep(ctx, 5*time.Minute)
	assert.Equal(t, 1, closed)
	assert.False(t, idle.Live())
	assert.True(t, active.Live())
	<-idle.Done()
	assert.Equal(t, "idle timeout", idleWS.reason)
}

func TestRelay_SweepWithoutIdleTimeoutOnlyPrunes(t *testing.T) {
	_, repo := newTestRelay(t)
	now := time.Now()
	r := New(repo, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	conn := r.OnConnect(ctx, "D1", newFakeTransport())
	gone := r.OnConnect(ctx, "D2", newFakeTransport())
	r.OnDisconnect(ctx, gone)

	now = now.Add(30 * 24 * time.Hour)
	assert.Zero(t, r.Sweep(ctx, 0))
	assert.True(t, conn.Live())

	rec, err := repo.GetStatus(ctx, "D2")
	require.NoError(t, err)
	assert.Nil(t, rec, "old disconnected records are pruned")
}
