package domain

import (
	"strings"
	"time"
)

// ConsolePrefix marks a session id as the console view bound to a device.
const ConsolePrefix = "web-"

// Connection lifecycle statuses recorded by the relay. Devices may also
// report free-form statuses such as "ACTIVE" through status_update.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusOffline      = "offline"
)

// StatusRecord is the last known state of a session.
type StatusRecord struct {
	SessionID  string    `json:"sessionId"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// ConsoleSessionID returns the console session id paired with deviceID.
func ConsoleSessionID(deviceID string) string {
	return ConsolePrefix + deviceID
}

// IsConsoleSession reports whether sessionID names a console view.
func IsConsoleSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, ConsolePrefix) && len(sessionID) > len(ConsolePrefix)
}

// DeviceIDOf returns the device a session belongs to. For device sessions
// that is the id itself.
func DeviceIDOf(sessionID string) string {
	if IsConsoleSession(sessionID) {
		return strings.TrimPrefix(sessionID, ConsolePrefix)
	}
	return sessionID
}

// Device-reported service statuses.
const (
	DeviceActive   = "ACTIVE"
	DeviceInactive = "INACTIVE"
	DeviceStopped  = "STOPPED"
)
