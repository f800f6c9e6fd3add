// Package link maintains a device's persistent connection to the relay and
// applies the control messages it receives to the device's local state.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/looplab/fsm"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/metrics"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultSendQueueSize     = 32
	defaultPingInterval      = 30 * time.Second
	writeTimeout             = 10 * time.Second
	maxFrameBytes            = 64 << 10
)

// Socket is the connection the link reads and writes. *websocket.Conn
// satisfies it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Socket to url.
type Dialer func(ctx context.Context, url string) (Socket, error)

// WebSocketDialer dials with coder/websocket.
func WebSocketDialer(ctx context.Context, u string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// Config configures a Link.
type Config struct {
	RelayURL          string
	DeviceID          string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	SendQueueSize     int
	// PingInterval paces keepalive pings so the relay's idle sweep never
	// mistakes a quiet device for a dead one.
	PingInterval time.Duration
	Dialer            Dialer
	Logger            *slog.Logger
}

// Link is the device side of the protocol. It owns the active rule set and
// the device status; both are safe to read from any goroutine.
type Link struct {
	cfg     Config
	logger  *slog.Logger
	machine *fsm.FSM

	rules  atomic.Pointer[domain.RuleSet]
	status atomic.Pointer[string]
	// writeMu serializes rule mutations; readers go through the atomics.
	writeMu sync.Mutex

	outMu  sync.Mutex
	outbox chan []byte

	listenersMu sync.RWMutex
	listeners   []func(domain.RuleSet)

	connectedOnce sync.Once
	connected     chan struct{}
}

// New creates a link that starts from initial rules.
func New(cfg Config, initial domain.RuleSet) (*Link, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.RelayURL == "" {
		return nil, errors.New("relay url is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Link{
		cfg:       cfg,
		logger:    cfg.Logger,
		machine:   newMachine(cfg.Logger, cfg.DeviceID),
		connected: make(chan struct{}),
	}
	rules := initial.Clone()
	l.rules.Store(&rules)
	l.status.Store(ptr(statusFor(rules.Enabled)))
	return l, nil
}

func ptr(s string) *string { return &s }

func statusFor(enabled bool) string {
	if enabled {
		return domain.DeviceActive
	}
	return domain.DeviceInactive
}

// DeviceID returns the id this link connects as.
func (l *Link) DeviceID() string { return l.cfg.DeviceID }

// Rules returns the active rule set. The returned value is a private copy.
func (l *Link) Rules() domain.RuleSet {
	return l.rules.Load().Clone()
}

// Enabled reports whether automatic handling is on.
func (l *Link) Enabled() bool {
	return l.rules.Load().Enabled
}

// Status returns the device status reported to the relay.
func (l *Link) Status() string {
	return *l.status.Load()
}

// OnRulesChanged registers fn to run after every rule or enabled change.
func (l *Link) OnRulesChanged(fn func(domain.RuleSet)) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// SetRules replaces the whole rule set.
func (l *Link) SetRules(rules domain.RuleSet) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	l.writeMu.Lock()
	prev := l.rules.Load()
	next := rules.Clone()
	l.rules.Store(&next)
	if prev.Enabled != next.Enabled {
		l.publishStatus(statusFor(next.Enabled))
	}
	l.writeMu.Unlock()

	l.logger.Info("Rules replaced",
		"device_id", l.cfg.DeviceID,
		"min_pay", next.MinPay.String(),
		"max_distance", next.MaxDistance.String(),
		"min_pay_per_mile", next.MinPayPerMile.String(),
		"blacklist", len(next.BlacklistedStores),
		"enabled", next.Enabled)
	l.changed(next)
	return nil
}

// SetEnabled replaces only the enabled flag.
func (l *Link) SetEnabled(enabled bool) {
	l.writeMu.Lock()
	prev := l.rules.Load()
	next := prev.Clone()
	next.Enabled = enabled
	l.rules.Store(&next)
	if prev.Enabled != enabled {
		l.publishStatus(statusFor(enabled))
	}
	l.writeMu.Unlock()

	l.logger.Info("Service toggled", "device_id", l.cfg.DeviceID, "enabled", enabled)
	l.changed(next)
}

func (l *Link) changed(rules domain.RuleSet) {
	l.listenersMu.RLock()
	listeners := append([]func(domain.RuleSet){}, l.listeners...)
	l.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(rules.Clone())
	}
}

// SetStatus records a new device status and reports it to the relay.
func (l *Link) SetStatus(status string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.publishStatus(status)
}

// publishStatus must hold writeMu so stored and emitted statuses agree on
// order.
func (l *Link) publishStatus(status string) {
	l.status.Store(ptr(status))
	l.Emit(protocol.StatusUpdate(status))
}

// Emit sends m to the relay without blocking. When disconnected or when the
// queue is full the message is dropped and logged; it is never retried.
func (l *Link) Emit(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		l.logger.Warn("Failed to encode outbound message", "type", m.Type, "error", err)
		return
	}

	l.outMu.Lock()
	out := l.outbox
	l.outMu.Unlock()

	if out == nil {
		l.logger.Debug("Dropping outbound message, link not connected", "device_id", l.cfg.DeviceID, "type", m.Type)
		return
	}
	select {
	case out <- data:
	default:
		l.logger.Warn("Dropping outbound message, send queue full", "device_id", l.cfg.DeviceID, "type", m.Type)
	}
}

func (l *Link) setOutbox(out chan []byte) {
	l.outMu.Lock()
	l.outbox = out
	l.outMu.Unlock()
}

// WaitConnected blocks until the link has connected at least once.
func (l *Link) WaitConnected(ctx context.Context) error {
	select {
	case <-l.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run keeps the link connected until ctx is cancelled, reconnecting after
// every close. It returns ctx.Err().
func (l *Link) Run(ctx context.Context) error {
	for {
		l.transition(ctx, eventDial)
		err := l.session(ctx)
		l.transition(ctx, eventClose)

		if ctx.Err() != nil {
			l.logger.Info("Device link stopped", "device_id", l.cfg.DeviceID)
			return ctx.Err()
		}
		l.logger.Warn("Device link closed, reconnecting",
			"device_id", l.cfg.DeviceID,
			"error", err,
			"retry_in", l.cfg.ReconnectInterval)

		timer := time.NewTimer(l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("Device link stopped", "device_id", l.cfg.DeviceID)
			return ctx.Err()
		case <-timer.C:
			metrics.LinkReconnects.Inc()
		}
	}
}

// session runs one connection from dial to close.
func (l *Link) session(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, l.cfg.DialTimeout)
	sock, err := l.cfg.Dialer(dialCtx, l.endpoint())
	cancelDial()
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, l.cfg.SendQueueSize)
	l.setOutbox(out)
	l.transition(ctx, eventOpen)
	l.connectedOnce.Do(func() { close(l.connected) })
	l.logger.Info("Device link connected", "device_id", l.cfg.DeviceID, "relay", l.cfg.RelayURL)

	// Queued before the writer starts, so it is always the first frame.
	l.Emit(protocol.DeviceConnected(l.Status()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(connCtx, sock, out)
	}()

	// Cancelling a read closes the socket, so reads run detached and the
	// socket is closed explicitly instead.
	readErr := make(chan error, 1)
	go func() { readErr <- l.readLoop(context.WithoutCancel(ctx), sock) }()

	stopWriter := func() {
		l.setOutbox(nil)
		cancel()
		<-writerDone
	}

	select {
	case err = <-readErr:
		stopWriter()
		l.closeSocket(sock, "link closed")
	case <-ctx.Done():
		stopWriter()
		l.sayGoodbye(sock)
		l.closeSocket(sock, "device stopping")
		err = <-readErr
	}
	return err
}

func (l *Link) closeSocket(sock Socket, reason string) {
	if err := sock.Close(websocket.StatusNormalClosure, reason); err != nil {
		l.logger.Debug("Failed to close relay socket", "device_id", l.cfg.DeviceID, "error", err)
	}
}

// sayGoodbye reports STOPPED on a graceful shutdown.
func (l *Link) sayGoodbye(sock Socket) {
	data, err := protocol.Encode(protocol.StatusUpdate(domain.DeviceStopped))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
		l.logger.Debug("Failed to report stop", "device_id", l.cfg.DeviceID, "error", err)
	}
}

func (l *Link) writeLoop(ctx context.Context, sock Socket, out <-chan []byte) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case data = <-out:
		case <-ticker.C:
			ping, err := protocol.Encode(protocol.Ping())
			if err != nil {
				continue
			}
			data = ping
		}

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := sock.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Relay write failed", "device_id", l.cfg.DeviceID, "error", err)
				_ = sock.Close(websocket.StatusInternalError, "write failed")
			}
			return
		}
	}
}

func (l *Link) readLoop(ctx context.Context, sock Socket) error {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("read relay: %w", err)
		}
		l.handle(data)
	}
}

// handle applies one inbound frame.
func (l *Link) handle(data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			l.logger.Debug("Ignoring unknown message type", "device_id", l.cfg.DeviceID, "error", err)
		} else {
			l.logger.Warn("Dropping malformed message", "device_id", l.cfg.DeviceID, "error", err)
		}
		return
	}

	switch m.Type {
	case protocol.TypeUpdateRules:
		if m.Rules == nil {
			l.logger.Warn("Dropping update_rules without rules", "device_id", l.cfg.DeviceID)
			return
		}
		if err := l.SetRules(*m.Rules); err != nil {
			l.logger.Warn("Rejected pushed rules", "device_id", l.cfg.DeviceID, "error", err)
		}
	case protocol.TypeToggleService:
		if m.Enabled == nil {
			l.logger.Warn("Dropping toggle_service without enabled", "device_id", l.cfg.DeviceID)
			return
		}
		l.SetEnabled(*m.Enabled)
	case protocol.TypeControl:
		l.logger.Info("Control received", "device_id", l.cfg.DeviceID, "action", m.Action)
		if m.Enabled != nil {
			l.SetEnabled(*m.Enabled)
		}
	case protocol.TypePing:
		l.Emit(protocol.Pong())
	case protocol.TypeWelcome, protocol.TypePong:
		l.logger.Debug("Relay message", "device_id", l.cfg.DeviceID, "type", m.Type, "message", m.Message)
	case protocol.TypeDeviceConnected, protocol.TypeStatusUpdate, protocol.TypeOfferReceived, protocol.TypeActionTaken:
		l.logger.Debug("Ignoring device-origin message from relay", "device_id", l.cfg.DeviceID, "type", m.Type)
	}
}

func (l *Link) endpoint() string {
	base := strings.TrimSuffix(l.cfg.RelayURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(l.cfg.DeviceID)
}
