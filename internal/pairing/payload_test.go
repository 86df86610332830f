package pairing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() *Payload {
	return &Payload{
		Version:        PayloadVersion,
		DeviceID:       "0f1e2d3c4b5a69788796a5b4c3d2e1f0",
		DeviceType:     "desktop",
		DeviceName:     "desk",
		PublicKey:      "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl",
		PairingToken:   "dGhpcy1pcy1hLXRlc3QtdG9rZW4tb2YtMzItYnl0ZXM",
		RedeemEndpoint: "http://192.168.1.20:7447/api/pair/redeem",
		ExpiresAt:      time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestPayload_JSONRoundTrip(t *testing.T) {
	p := testPayload()

	s, err := p.JSON()
	require.NoError(t, err)
	assert.Contains(t, s, `"pairing_token"`)
	assert.Contains(t, s, `"redeem_endpoint"`)

	got, err := DecodePayload(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPayload_CompactRoundTrip(t *testing.T) {
	p := testPayload()

	s, err := p.Compact()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, CompactPrefix))

	js, err := p.JSON()
	require.NoError(t, err)
	assert.Less(t, len(s), len(js), "compact form should be shorter than JSON")

	got, err := DecodePayload("  " + s + "\n")
	require.NoError(t, err)
	assert.Equal(t, p.DeviceID, got.DeviceID)
	assert.Equal(t, p.PairingToken, got.PairingToken)
	assert.Equal(t, p.RedeemEndpoint, got.RedeemEndpoint)
	assert.Equal(t, p.PublicKey, got.PublicKey)
	assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, time.UTC, got.ExpiresAt.Location())
}

func TestPayload_CompactIsDeterministic(t *testing.T) {
	a, err := testPayload().Compact()
	require.NoError(t, err)
	b, err := testPayload().Compact()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodePayload_Invalid(t *testing.T) {
	missingToken := testPayload()
	missingToken.PairingToken = ""
	missingTokenJSON, err := missingToken.JSON()
	require.NoError(t, err)

	future := testPayload()
	future.Version = 2
	futureCompact, err := future.Compact()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "hello"},
		{"bad json", "{not json"},
		{"bad base64", CompactPrefix + "!!!"},
		{"bad cbor", CompactPrefix + "AAEC"},
		{"missing token", missingTokenJSON},
		{"unsupported version", futureCompact},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.input)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}
