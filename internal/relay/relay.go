// Package relay routes messages between device sessions and their paired
// console sessions, and injects commands into device connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/metrics"
	"github.com/ashureev/dasher-automate/internal/protocol"
	"github.com/ashureev/dasher-automate/internal/store"
)

// ErrNotConnected is returned when a command targets a device with no live
// connection. Commands are never queued for later delivery.
var ErrNotConnected = errors.New("device not connected")

const (
	storeTimeout     = 5 * time.Second
	statusRetention  = 7 * 24 * time.Hour
	defaultQueueSize = 64
)

// Options tunes a Relay.
type Options struct {
	SendQueueSize int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Relay owns the session registry and the routing rules.
type Relay struct {
	registry  *Registry
	repo      store.Repository
	logger    *slog.Logger
	queueSize int
	now       func() time.Time
}

// New creates a relay backed by repo for status records.
func New(repo store.Repository, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultQueueSize
	}
	return &Relay{
		registry:  NewRegistry(),
		repo:      repo,
		logger:    opts.Logger,
		queueSize: opts.SendQueueSize,
		now:       opts.Now,
	}
}

// Registry exposes the live-session registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Handshake remembers what MarkConnecting replaced so a failed upgrade can
// put it back.
type Handshake struct {
	sessionID string
	prev      *domain.StatusRecord
	marked    bool
}

// MarkConnecting records that a session is mid-handshake. A session that
// already has a live connection keeps its recorded status.
func (r *Relay) MarkConnecting(ctx context.Context, sessionID string) Handshake {
	h := Handshake{sessionID: sessionID}
	if _, live := r.registry.Get(sessionID); live {
		return h
	}

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	prev, err := r.repo.GetStatus(readCtx, sessionID)
	cancel()
	if err != nil {
		r.logger.Warn("Failed to read session status", "session_id", sessionID, "error", err)
		return h
	}

	h.prev = prev
	h.marked = true
	r.setStatus(ctx, sessionID, domain.StatusConnecting)
	return h
}

// MarkFailed undoes MarkConnecting for a handshake that never completed:
// the previous record is restored, or removed if there was none.
func (r *Relay) MarkFailed(ctx context.Context, h Handshake) {
	if !h.marked {
		return
	}
	if _, live := r.registry.Get(h.sessionID); live {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	var err error
	if h.prev == nil {
		err = r.repo.DeleteStatus(ctx, h.sessionID)
	} else {
		err = r.repo.UpsertStatus(ctx, *h.prev)
	}
	if err != nil {
		r.logger.Warn("Failed to restore session status", "session_id", h.sessionID, "error", err)
	}
}

// OnConnect registers ws as the live connection for sessionID, superseding
// any previous one, and greets the peer.
func (r *Relay) OnConnect(ctx context.Context, sessionID string, ws transport) *Conn {
	conn := newConn(sessionID, ws, r.queueSize, r.logger)
	r.registry.Register(sessionID, conn, r.now())
	metrics.LiveSessions.Set(float64(r.registry.Len()))

	r.setStatus(ctx, sessionID, domain.StatusConnected)
	r.logger.Info("Session connected", "session_id", sessionID, "conn_id", conn.ID(), "console", domain.IsConsoleSession(sessionID))

	if err := r.send(conn, protocol.Welcome()); err != nil {
		r.logger.Warn("Failed to send welcome", "session_id", sessionID, "error", err)
	}
	return conn
}

// OnMessage handles one inbound frame from conn. Frames from one connection
// are handled strictly one after another by its read loop.
func (r *Relay) OnMessage(ctx context.Context, conn *Conn, data []byte) {
	sessionID := conn.SessionID()
	r.registry.Touch(sessionID, conn, r.now())

	typ, status, err := protocol.Peek(data)
	if err != nil {
		r.logger.Debug("Dropping unparsable message", "session_id", sessionID, "error", err)
		metrics.MessagesRouted.WithLabelValues("invalid", "dropped").Inc()
		return
	}

	if domain.IsConsoleSession(sessionID) {
		r.onConsoleMessage(ctx, conn, typ)
		return
	}

	switch typ {
	case protocol.TypeStatusUpdate, protocol.TypeDeviceConnected:
		if status == "" {
			status = domain.StatusConnected
		}
		r.setStatus(ctx, sessionID, status)
		r.forward(sessionID, typ, data)
	case protocol.TypeOfferReceived, protocol.TypeActionTaken:
		r.forward(sessionID, typ, data)
	case protocol.TypePing:
		r.touchStatus(ctx, sessionID)
		r.answerPing(conn)
	case protocol.TypePong, protocol.TypeUpdateRules, protocol.TypeToggleService, protocol.TypeControl, protocol.TypeWelcome:
		r.logger.Debug("Dropping message not routed from devices", "session_id", sessionID, "type", typ)
		metrics.MessagesRouted.WithLabelValues(string(typ), "dropped").Inc()
	}
}

func (r *Relay) onConsoleMessage(ctx context.Context, conn *Conn, typ protocol.Type) {
	if typ == protocol.TypePing {
		r.touchStatus(ctx, conn.SessionID())
		r.answerPing(conn)
		return
	}
	r.logger.Debug("Dropping console message", "session_id", conn.SessionID(), "type", typ)
	metrics.MessagesRouted.WithLabelValues(string(typ), "dropped").Inc()
}

func (r *Relay) answerPing(conn *Conn) {
	if err := r.send(conn, protocol.Pong()); err != nil {
		r.logger.Debug("Failed to send pong", "session_id", conn.SessionID(), "error", err)
		return
	}
	metrics.MessagesRouted.WithLabelValues(string(protocol.TypePing), "answered").Inc()
}

// forward hands the raw frame to the console paired with deviceID.
func (r *Relay) forward(deviceID string, typ protocol.Type, data []byte) {
	target := domain.ConsoleSessionID(deviceID)
	peer, ok := r.registry.Get(target)
	if !ok {
		metrics.MessagesRouted.WithLabelValues(string(typ), "no_peer").Inc()
		return
	}
	if err := peer.Conn.Send(data); err != nil {
		r.logger.Warn("Failed to forward message to console", "device_id", deviceID, "type", typ, "error", err)
		metrics.MessagesRouted.WithLabelValues(string(typ), "dropped").Inc()
		return
	}
	metrics.MessagesRouted.WithLabelValues(string(typ), "forwarded").Inc()
}

// OnDisconnect drops conn from the registry. The status record flips to
// disconnected only if conn was still the live handle.
func (r *Relay) OnDisconnect(ctx context.Context, conn *Conn) {
	sessionID := conn.SessionID()
	if r.registry.Unregister(sessionID, conn) {
		r.setStatus(ctx, sessionID, domain.StatusDisconnected)
		r.logger.Info("Session disconnected", "session_id", sessionID, "conn_id", conn.ID())
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
	metrics.LiveSessions.Set(float64(r.registry.Len()))
}

// PushRules sends an update_rules command to a connected device.
func (r *Relay) PushRules(ctx context.Context, deviceID string, rules domain.RuleSet) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	return r.command(ctx, deviceID, "rules", protocol.UpdateRules(rules))
}

// PushControl sends a control command. The "toggle" action maps to
// toggle_service; anything else travels as a generic control message.
func (r *Relay) PushControl(ctx context.Context, deviceID, action string, enabled bool) error {
	if action == "toggle" {
		return r.command(ctx, deviceID, "toggle", protocol.ToggleService(enabled))
	}
	return r.command(ctx, deviceID, "control", protocol.Control(action, enabled))
}

func (r *Relay) command(_ context.Context, deviceID, kind string, msg protocol.Message) error {
	if domain.IsConsoleSession(deviceID) {
		metrics.Commands.WithLabelValues(kind, "not_connected").Inc()
		return ErrNotConnected
	}
	sess, ok := r.registry.Get(deviceID)
	if !ok || !sess.Conn.Live() {
		metrics.Commands.WithLabelValues(kind, "not_connected").Inc()
		return ErrNotConnected
	}

	if err := r.send(sess.Conn, msg); err != nil {
		if errors.Is(err, ErrConnClosed) {
			metrics.Commands.WithLabelValues(kind, "not_connected").Inc()
			return ErrNotConnected
		}
		metrics.Commands.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("push %s to %s: %w", kind, deviceID, err)
	}

	metrics.Commands.WithLabelValues(kind, "sent").Inc()
	r.logger.Info("Command pushed", "device_id", deviceID, "kind", kind)
	return nil
}

// QueryStatus returns the last known status of deviceID, or an offline
// record when the device was never seen.
func (r *Relay) QueryStatus(ctx context.Context, deviceID string) (domain.StatusRecord, error) {
	rec, err := r.repo.GetStatus(ctx, deviceID)
	if err != nil {
		return domain.StatusRecord{}, fmt.Errorf("query status: %w", err)
	}
	if rec == nil {
		return domain.StatusRecord{SessionID: deviceID, Status: domain.StatusOffline}, nil
	}
	return *rec, nil
}

// Shutdown closes every live connection.
func (r *Relay) Shutdown() {
	r.registry.CloseAll("server shutting down")
}

func (r *Relay) send(conn *Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

func (r *Relay) setStatus(ctx context.Context, sessionID, status string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	rec := domain.StatusRecord{SessionID: sessionID, Status: status, LastSeenAt: r.now()}
	if err := r.repo.UpsertStatus(ctx, rec); err != nil {
		r.logger.Warn("Failed to record session status", "session_id", sessionID, "status", status, "error", err)
	}
}

func (r *Relay) touchStatus(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := r.repo.TouchStatus(ctx, sessionID, r.now()); err != nil {
		r.logger.Debug("Failed to refresh last seen", "session_id", sessionID, "error", err)
	}
}

// LiveSessions lists sessions with a live connection.
func (r *Relay) LiveSessions() []domain.StatusRecord {
	snap := r.registry.Snapshot()
	out := make([]domain.StatusRecord, 0, len(snap))
	for _, s := range snap {
		out = append(out, domain.StatusRecord{SessionID: s.ID, Status: domain.StatusConnected, LastSeenAt: s.LastSeenAt})
	}
	return out
}
