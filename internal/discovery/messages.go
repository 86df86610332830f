// ABOUTME: Discovery wire messages: device announcements and auth invites
// ABOUTME: A JSON tagged union decoded strictly, so malformed datagrams never reach the listener logic

package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxDatagramSize bounds the datagrams the listener reads.
const MaxDatagramSize = 2048

// MessageType discriminates discovery datagrams.
type MessageType string

const (
	TypeAnnounce MessageType = "device_announce"
	TypeInvite   MessageType = "auth_invite"
)

// ErrMalformed is returned for datagrams that are not a valid discovery message.
var ErrMalformed = errors.New("malformed discovery message")

// Message is either *Announce or *Invite.
type Message interface {
	messageType() MessageType
	validate() error
}

// Announce is broadcast periodically by every device.
type Announce struct {
	Type       MessageType `json:"type"`
	DeviceID   string      `json:"device_id"`
	DeviceType string      `json:"device_type"`
	Timestamp  int64       `json:"timestamp"` // unix seconds
}

func (a *Announce) messageType() MessageType { return TypeAnnounce }

func (a *Announce) validate() error {
	if a.DeviceID == "" {
		return fmt.Errorf("%w: announce without device_id", ErrMalformed)
	}
	if a.Timestamp <= 0 {
		return fmt.Errorf("%w: announce without timestamp", ErrMalformed)
	}
	return nil
}

// Invite is sent back to an announcing device that is already paired with
// the sender. It carries the sender's auth endpoint and is signed with the
// sender's device key, so a receiver can check it against the key recorded
// at pairing before following the endpoint.
type Invite struct {
	Type         MessageType `json:"type"`
	DeviceID     string      `json:"device_id"`
	TargetID     string      `json:"target_id"` // the announcing device
	PairID       string      `json:"pair_id"`
	AccountID    string      `json:"account_id"`
	AuthEndpoint string      `json:"auth_endpoint"`
	Timestamp    int64       `json:"timestamp"` // unix seconds
	Signature    string      `json:"signature"` // base64 SSH wire signature over SignedBytes
}

func (i *Invite) messageType() MessageType { return TypeInvite }

func (i *Invite) validate() error {
	switch {
	case i.DeviceID == "":
		return fmt.Errorf("%w: invite without device_id", ErrMalformed)
	case i.TargetID == "":
		return fmt.Errorf("%w: invite without target_id", ErrMalformed)
	case i.PairID == "":
		return fmt.Errorf("%w: invite without pair_id", ErrMalformed)
	case i.AccountID == "":
		return fmt.Errorf("%w: invite without account_id", ErrMalformed)
	case i.AuthEndpoint == "":
		return fmt.Errorf("%w: invite without auth_endpoint", ErrMalformed)
	case i.Timestamp <= 0:
		return fmt.Errorf("%w: invite without timestamp", ErrMalformed)
	case i.Signature == "":
		return fmt.Errorf("%w: unsigned invite", ErrMalformed)
	}
	return nil
}

// SignedBytes returns the bytes the invite signature covers.
func (i *Invite) SignedBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		TypeInvite, i.DeviceID, i.TargetID, i.PairID, i.AccountID, i.AuthEndpoint, i.Timestamp))
}

// Encode serializes m with its type tag set.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Announce:
		v.Type = TypeAnnounce
	case *Invite:
		v.Type = TypeInvite
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a datagram. Unknown types, unknown fields, trailing data and
// missing required fields are all rejected.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch envelope.Type {
	case TypeAnnounce:
		m = &Announce{}
	case TypeInvite:
		m = &Invite{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, envelope.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
