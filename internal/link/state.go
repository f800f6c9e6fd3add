package link

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Link states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	eventDial  = "dial"
	eventOpen  = "open"
	eventClose = "close"
)

// newMachine builds the connection state machine. There is no terminal
// state; close always leads back to disconnected.
func newMachine(logger *slog.Logger, deviceID string) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventOpen, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventClose, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Device link state changed", "device_id", deviceID, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// transition fires event even after ctx is cancelled, so shutdown still
// lands in disconnected.
func (l *Link) transition(ctx context.Context, event string) {
	if err := l.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		l.logger.Debug("Ignored link transition", "device_id", l.cfg.DeviceID, "event", event, "state", l.machine.Current(), "error", err)
	}
}

// State returns the current connection state.
func (l *Link) State() string {
	return l.machine.Current()
}
