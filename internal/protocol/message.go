// Package protocol defines the JSON message set exchanged between devices,
// consoles and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/dasher-automate/internal/domain"
)

// Type tags a message. The set is closed; ParseType rejects anything else.
type Type string

const (
	// Device -> relay.
	TypeDeviceConnected Type = "device_connected"
	TypeStatusUpdate    Type = "status_update"
	TypeOfferReceived   Type = "offer_received"
	TypeActionTaken     Type = "action_taken"

	// Either direction.
	TypePing Type = "ping"
	TypePong Type = "pong"

	// Relay -> device.
	TypeUpdateRules   Type = "update_rules"
	TypeToggleService Type = "toggle_service"
	TypeControl       Type = "control"

	// Relay -> either, on connect.
	TypeWelcome Type = "welcome"
)

var knownTypes = map[Type]struct{}{
	TypeDeviceConnected: {},
	TypeStatusUpdate:    {},
	TypeOfferReceived:   {},
	TypeActionTaken:     {},
	TypePing:            {},
	TypePong:            {},
	TypeUpdateRules:     {},
	TypeToggleService:   {},
	TypeControl:         {},
	TypeWelcome:         {},
}

// ErrUnknownType is returned for a type tag outside the closed set.
var ErrUnknownType = errors.New("unknown message type")

// ParseType validates a raw tag.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// DeviceOrigin reports whether t is produced by a device and forwarded to
// its console.
func (t Type) DeviceOrigin() bool {
	switch t {
	case TypeDeviceConnected, TypeStatusUpdate, TypeOfferReceived, TypeActionTaken:
		return true
	default:
		return false
	}
}

// Message is the wire envelope. Payload fields sit at the top level next to
// the type tag; only the ones relevant to Type are set.
type Message struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Action    string `json:"action,omitempty"`

	Offer   *domain.Offer   `json:"offer,omitempty"`
	Verdict *domain.Verdict `json:"verdict,omitempty"`
	Rules   *domain.RuleSet `json:"rules,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// Now returns the wire timestamp for the current instant, in Unix
// milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Encode serializes m, stamping it with the current time when unset.
func Encode(m Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a full message and validates its type.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if _, err := ParseType(string(m.Type)); err != nil {
		return Message{}, err
	}
	return m, nil
}

type header struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// Peek reads only the type tag and status of a message. The relay uses it to
// route payloads it forwards verbatim without decoding the rest.
func Peek(data []byte) (Type, string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", "", fmt.Errorf("decode message header: %w", err)
	}
	t, err := ParseType(h.Type)
	if err != nil {
		return "", "", err
	}
	return t, h.Status, nil
}
