// ABOUTME: Typed signaling events emitted during pairing and authentication
// ABOUTME: Events carry a JSON-compatible payload so every transport can forward them unchanged

package signaling

import (
	"slices"
	"time"
)

// EventType discriminates signaling events.
type EventType string

const (
	EventPairingRequest     EventType = "pairing_request"
	EventPairingComplete    EventType = "pairing_complete"
	EventPairingFailed      EventType = "pairing_failed"
	EventPairingRevoked     EventType = "pairing_revoked"
	EventSessionEstablished EventType = "session_established"
)

// Event is one signaling message. Data holds only JSON-compatible values
// (string, float64, bool, nil, []any, map[string]any).
type Event struct {
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id"` // device that emitted the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// RemoteDevice describes the other side of a pairing in event payloads.
type RemoteDevice struct {
	DeviceID    string
	DeviceType  string
	DisplayName string
}

func (r RemoteDevice) toMap() map[string]any {
	return map[string]any{
		"device_id":    r.DeviceID,
		"device_type":  r.DeviceType,
		"display_name": r.DisplayName,
	}
}

// PairingRequest asks the local UI to display the verification code.
func PairingRequest(token string, remote RemoteDevice, code string, attempt int) Event {
	return Event{
		Type: EventPairingRequest,
		Data: map[string]any{
			"token":             token,
			"remote_device":     remote.toMap(),
			"verification_code": code,
			"attempt":           float64(attempt),
		},
	}
}

// PairingComplete announces a finalized pair.
func PairingComplete(token, pairID, accountID, peerID string) Event {
	return Event{
		Type: EventPairingComplete,
		Data: map[string]any{
			"token":      token,
			"pair_id":    pairID,
			"account_id": accountID,
			"peer_id":    peerID,
		},
	}
}

// PairingFailed announces that a pending pairing was abandoned.
func PairingFailed(token, reason string) Event {
	return Event{
		Type: EventPairingFailed,
		Data: map[string]any{
			"token":  token,
			"reason": reason,
		},
	}
}

// PairingRevoked announces that a pair was deleted.
func PairingRevoked(pairID, peerID string) Event {
	return Event{
		Type: EventPairingRevoked,
		Data: map[string]any{
			"pair_id": pairID,
			"peer_id": peerID,
		},
	}
}

// SessionEstablished announces an authenticated session. Direction is
// "inbound" when a peer authenticated to us and "outbound" when we
// authenticated to a peer.
func SessionEstablished(sessionID, pairID, accountID, peerID, direction string) Event {
	return Event{
		Type: EventSessionEstablished,
		Data: map[string]any{
			"session_id": sessionID,
			"pair_id":    pairID,
			"account_id": accountID,
			"peer_id":    peerID,
			"direction":  direction,
		},
	}
}

// localOnlyFields are shown on this device's own display and never leave it.
var localOnlyFields = []string{"verification_code"}

// Redacted returns a copy of the event without local-only fields. Transports
// that reach beyond loopback forward the redacted form.
func (e Event) Redacted() Event {
	if e.Data == nil {
		return e
	}
	out := e
	out.Data = make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if !slices.Contains(localOnlyFields, k) {
			out.Data[k] = v
		}
	}
	return out
}

// Field reads a string field from the payload.
func (e Event) Field(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
