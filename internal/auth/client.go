// ABOUTME: Calling side of authentication: sign a challenge and post it to a peer
// ABOUTME: Used when a paired device invites this one to authenticate

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/signaling"
)

// Signer produces signed challenges for the local device.
type Signer interface {
	SignChallenge(audience string, now time.Time) (*identity.Challenge, error)
}

// Client authenticates the local device to paired peers.
type Client struct {
	signer   Signer
	events   signaling.Publisher
	httpOpts []client.Option
	logger   *slog.Logger
}

// NewClient creates an authentication client.
func NewClient(signer Signer, events signaling.Publisher, opts ...client.Option) *Client {
	return &Client{
		signer:   signer,
		events:   events,
		httpOpts: opts,
		logger:   slog.Default().With("component", "auth"),
	}
}

// Authenticate signs a fresh challenge addressed to peerID and posts it to
// endpoint (that peer's POST /api/auth URL). The returned session carries the
// peer's bearer token.
func (c *Client) Authenticate(ctx context.Context, endpoint, peerID string) (*Session, error) {
	challenge, err := c.signer.SignChallenge(peerID, time.Now())
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := client.New("", c.httpOpts...).Post(ctx, endpoint, challenge, &sess); err != nil {
		switch client.Code(err) {
		case client.CodeNotPaired, client.CodePairingNotFound:
			return nil, ErrNotPaired
		case client.CodeBadSignature:
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil, fmt.Errorf("authenticating to %s: %w", endpoint, err)
	}
	if sess.GrantedBy != peerID {
		return nil, fmt.Errorf("%w: session granted by %q, expected %q", ErrBadSignature, sess.GrantedBy, peerID)
	}

	if c.events != nil {
		c.events.Publish(signaling.SessionEstablished(sess.ID, sess.PairID, sess.AccountID, sess.GrantedBy, "outbound"))
	}
	c.logger.Info("authenticated to peer", "endpoint", endpoint, "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	return &sess, nil
}
