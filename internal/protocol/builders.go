package protocol

import "github.com/ashureev/dasher-automate/internal/domain"

// Pong answers a ping.
func Pong() Message {
	return Message{Type: TypePong, Timestamp: Now()}
}

// Ping probes liveness.
func Ping() Message {
	return Message{Type: TypePing, Timestamp: Now()}
}

// Welcome greets a freshly registered session.
func Welcome() Message {
	return Message{Type: TypeWelcome, Message: "Connected to Dasher Automate server", Timestamp: Now()}
}

// DeviceConnected announces a device with its current status.
func DeviceConnected(status string) Message {
	return Message{Type: TypeDeviceConnected, Status: status, Timestamp: Now()}
}

// StatusUpdate reports a device status change.
func StatusUpdate(status string) Message {
	return Message{Type: TypeStatusUpdate, Status: status, Timestamp: Now()}
}

// OfferReceived reports a freshly scraped offer.
func OfferReceived(offer domain.Offer) Message {
	return Message{Type: TypeOfferReceived, Offer: &offer, Timestamp: Now()}
}

// ActionTaken reports the action performed on an offer.
func ActionTaken(verdict domain.Verdict, offer domain.Offer) Message {
	return Message{Type: TypeActionTaken, Action: verdict.Action(), Verdict: &verdict, Offer: &offer, Timestamp: Now()}
}

// UpdateRules replaces the device rule set.
func UpdateRules(rules domain.RuleSet) Message {
	return Message{Type: TypeUpdateRules, Rules: &rules, Timestamp: Now()}
}

// ToggleService flips automatic handling on or off.
func ToggleService(enabled bool) Message {
	return Message{Type: TypeToggleService, Enabled: &enabled, Timestamp: Now()}
}

// Control carries a generic control action.
func Control(action string, enabled bool) Message {
	return Message{Type: TypeControl, Action: action, Enabled: &enabled, Timestamp: Now()}
}
