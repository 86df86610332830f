// ABOUTME: Out-of-band pairing payload carried from the issuing device to the redeemer
// ABOUTME: JSON is canonical; TETHER1:<base64url CBOR> is the compact QR-friendly form

package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// PayloadVersion is the only payload version this build understands.
	PayloadVersion = 1

	// CompactPrefix marks the compact payload encoding.
	CompactPrefix = "TETHER1:"
)

// ErrInvalidPayload is returned when a payload cannot be decoded or is
// missing required fields.
var ErrInvalidPayload = errors.New("invalid pairing payload")

// Payload is everything a second device needs to start pairing.
type Payload struct {
	Version        int       `json:"version" cbor:"1,keyasint"`
	DeviceID       string    `json:"device_id" cbor:"2,keyasint"`
	DeviceType     string    `json:"device_type" cbor:"3,keyasint"`
	DeviceName     string    `json:"device_name" cbor:"4,keyasint"`
	PublicKey      string    `json:"public_key" cbor:"5,keyasint"`
	PairingToken   string    `json:"pairing_token" cbor:"6,keyasint"`
	RedeemEndpoint string    `json:"redeem_endpoint" cbor:"7,keyasint"`
	ExpiresAt      time.Time `json:"expires_at" cbor:"8,keyasint"`
}

var (
	payloadEncMode cbor.EncMode
	payloadDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeUnix,
	}
	payloadEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create payload CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	payloadDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create payload CBOR decoder mode: %v", err))
	}
}

// JSON returns the canonical JSON encoding.
func (p *Payload) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Compact returns the TETHER1: encoding. Expiry is kept at second precision.
func (p *Payload) Compact() (string, error) {
	data, err := payloadEncMode.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return CompactPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodePayload parses either encoding and validates the result.
func DecodePayload(s string) (*Payload, error) {
	s = strings.TrimSpace(s)

	var p Payload
	switch {
	case strings.HasPrefix(s, CompactPrefix):
		data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, CompactPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := payloadDecMode.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case strings.HasPrefix(s, "{"):
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized encoding", ErrInvalidPayload)
	}

	p.ExpiresAt = p.ExpiresAt.UTC()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every field a redeemer relies on is present.
func (p *Payload) Validate() error {
	switch {
	case p.Version != PayloadVersion:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	case p.DeviceID == "":
		return fmt.Errorf("%w: missing device_id", ErrInvalidPayload)
	case p.PairingToken == "":
		return fmt.Errorf("%w: missing pairing_token", ErrInvalidPayload)
	case p.RedeemEndpoint == "":
		return fmt.Errorf("%w: missing redeem_endpoint", ErrInvalidPayload)
	case p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expires_at", ErrInvalidPayload)
	}
	return nil
}
