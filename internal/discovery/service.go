// ABOUTME: LAN discovery over UDP: periodic announcements and auth invites for paired peers
// ABOUTME: Discovery can only resume an existing pairing, never start a new one

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/tether/internal/dedupe"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/store"
)

const (
	DefaultPort          = 47474
	DefaultListenAddr    = ":47474"
	DefaultBroadcastAddr = "255.255.255.255:47474"
	DefaultInterval      = 5 * time.Second

	throttleCacheSize = 1024

	// inviteMaxAge bounds how old (or how far ahead) an invite timestamp may be.
	inviteMaxAge = time.Minute
)

// Store is the persistence discovery reads: pairs to decide who to invite,
// and device keys to check the invites we receive.
type Store interface {
	GetPairByDevices(ctx context.Context, a, b string) (*store.DevicePair, error)
	GetDevice(ctx context.Context, id string) (*store.Device, error)
}

// Signer signs outgoing invites with the local device key.
type Signer interface {
	Sign(data []byte) (string, error)
}

// InviteHandler acts on an accepted invite, typically by authenticating to
// the inviting device. It returns when the resulting session expires; invites
// for the same pair are ignored until then.
type InviteHandler func(ctx context.Context, inv *Invite) (expiresAt time.Time, err error)

// Config configures a discovery Service.
type Config struct {
	DeviceID      string
	DeviceType    string
	AuthEndpoint  string // our own POST /api/auth URL, sent in invites
	ListenAddr    string
	BroadcastAddr string
	Interval      time.Duration
}

// Service runs the announcer and the listener on one UDP socket, so invites
// sent in reply to our announcements arrive on the socket we read from.
type Service struct {
	cfg      Config
	store    Store
	signer   Signer
	onInvite InviteHandler
	now      func() time.Time
	logger   *slog.Logger

	invited  *dedupe.Window // peers we sent an invite to recently
	retrying *dedupe.Window // pairs whose invite handler failed recently

	mu       sync.Mutex
	conn     net.PacketConn
	sessions map[string]time.Time // pair id -> session expiry
}

// New creates a discovery service. Without a signer the service announces
// but sends no invites. onInvite may be nil, in which case invites are
// verified and logged but not acted on.
func New(cfg Config, st Store, signer Signer, onInvite InviteHandler) *Service {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = DefaultBroadcastAddr
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		signer:   signer,
		onInvite: onInvite,
		now:      time.Now,
		logger:   slog.Default().With("component", "discovery"),
		invited:  dedupe.New(cfg.Interval, throttleCacheSize),
		retrying: dedupe.New(cfg.Interval, throttleCacheSize),
		sessions: make(map[string]time.Time),
	}
}

// Listen binds the UDP socket. Run calls it when it has not been called.
func (s *Service) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, err := net.ListenPacket("udp4", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("discovery listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn
	return nil
}

// LocalAddr returns the bound socket address, or nil before Listen.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Run announces every interval and handles incoming datagrams until ctx is
// cancelled. The socket is closed on return.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Info("discovery started",
		"listen", s.LocalAddr().String(),
		"broadcast", s.cfg.BroadcastAddr,
		"interval", s.cfg.Interval,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.announceLoop(ctx)
	}()

	// Closing the socket unblocks ReadFrom.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.conn.Close()
	})
	defer stop()

	err := s.readLoop(ctx)
	wg.Wait()

	if ctx.Err() != nil {
		s.logger.Info("discovery stopped")
		return nil
	}
	return err
}

func (s *Service) announceLoop(ctx context.Context) {
	if err := s.Announce(); err != nil {
		s.logger.Debug("announce failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.logger.Debug("announce failed", "error", err)
			}
		}
	}
}

// Announce sends one device_announce to the broadcast address.
func (s *Service) Announce() error {
	data, err := Encode(&Announce{
		DeviceID:   s.cfg.DeviceID,
		DeviceType: s.cfg.DeviceType,
		Timestamp:  s.now().Unix(),
	})
	if err != nil {
		return err
	}

	dst, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		return fmt.Errorf("resolving broadcast address: %w", err)
	}
	return s.send(data, dst)
}

func (s *Service) send(data []byte, to net.Addr) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("discovery socket not open")
	}
	_, err := conn.WriteTo(data, to)
	return err
}

func (s *Service) readLoop(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			s.logger.Debug("ignoring datagram", "from", from.String(), "error", err)
			continue
		}
		s.handle(ctx, msg, from)
	}
}

func (s *Service) handle(ctx context.Context, msg Message, from net.Addr) {
	switch m := msg.(type) {
	case *Announce:
		s.handleAnnounce(ctx, m, from)
	case *Invite:
		// Handlers do network I/O; keep reading meanwhile.
		go s.handleInvite(ctx, m, from)
	}
}

// handleAnnounce replies with an invite only when the announcer is already
// paired with us.
func (s *Service) handleAnnounce(ctx context.Context, a *Announce, from net.Addr) {
	if a.DeviceID == s.cfg.DeviceID || s.signer == nil {
		return
	}

	pair, err := s.store.GetPairByDevices(ctx, s.cfg.DeviceID, a.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("pair lookup failed", "device_id", a.DeviceID, "error", err)
		return
	}

	if !s.invited.Observe(a.DeviceID) {
		return
	}

	inv := &Invite{
		Type:         TypeInvite,
		DeviceID:     s.cfg.DeviceID,
		TargetID:     a.DeviceID,
		PairID:       pair.ID,
		AccountID:    pair.AccountID,
		AuthEndpoint: s.cfg.AuthEndpoint,
		Timestamp:    s.now().Unix(),
	}
	if inv.Signature, err = s.signer.Sign(inv.SignedBytes()); err != nil {
		s.logger.Error("signing invite", "error", err)
		return
	}
	data, err := Encode(inv)
	if err != nil {
		s.logger.Error("encoding invite", "error", err)
		return
	}
	if err := s.send(data, from); err != nil {
		s.logger.Warn("sending invite failed", "to", from.String(), "error", err)
		return
	}
	s.logger.Debug("sent auth invite", "device_id", a.DeviceID, "pair_id", pair.ID, "to", from.String())
}

// handleInvite accepts an invite only from a device we are paired with, only
// when it names our record of that pair and only when it is addressed to us,
// fresh and signed with the key recorded for that device at pairing.
func (s *Service) handleInvite(ctx context.Context, inv *Invite, from net.Addr) {
	if inv.DeviceID == s.cfg.DeviceID {
		return
	}
	if inv.TargetID != s.cfg.DeviceID {
		s.logger.Debug("ignoring invite for another device", "target_id", inv.TargetID, "from", from.String())
		return
	}

	pair, err := s.store.GetPairByDevices(ctx, s.cfg.DeviceID, inv.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("ignoring invite from unpaired device", "device_id", inv.DeviceID, "from", from.String())
		return
	}
	if err != nil {
		s.logger.Warn("pair lookup failed", "device_id", inv.DeviceID, "error", err)
		return
	}
	if pair.ID != inv.PairID || pair.AccountID != inv.AccountID {
		s.logger.Warn("ignoring invite with mismatched pair",
			"device_id", inv.DeviceID,
			"pair_id", inv.PairID,
			"account_id", inv.AccountID,
		)
		return
	}

	if err := s.verifyInvite(ctx, inv); err != nil {
		s.logger.Warn("ignoring invite", "device_id", inv.DeviceID, "from", from.String(), "reason", err)
		return
	}

	if s.onInvite == nil || s.hasSession(pair.ID) {
		return
	}
	if !s.retrying.Observe(pair.ID) {
		return
	}

	expiresAt, err := s.onInvite(ctx, inv)
	if err != nil {
		s.logger.Warn("invite handler failed", "pair_id", pair.ID, "endpoint", inv.AuthEndpoint, "error", err)
		return
	}

	s.mu.Lock()
	s.sessions[pair.ID] = expiresAt
	s.mu.Unlock()
	s.logger.Info("resumed pairing", "pair_id", pair.ID, "peer_id", inv.DeviceID, "session_expires_at", expiresAt)
}

func (s *Service) verifyInvite(ctx context.Context, inv *Invite) error {
	age := s.now().Sub(time.Unix(inv.Timestamp, 0))
	if age > inviteMaxAge || age < -inviteMaxAge {
		return fmt.Errorf("stale invite (age %v)", age.Truncate(time.Second))
	}

	device, err := s.store.GetDevice(ctx, inv.DeviceID)
	if err != nil {
		return fmt.Errorf("loading device key: %w", err)
	}
	return identity.Verify(device.PublicKey, inv.SignedBytes(), inv.Signature)
}

func (s *Service) hasSession(pairID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.sessions[pairID]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.sessions, pairID)
		return false
	}
	return true
}

// Forget drops the cached session for a pair so the next invite is acted on.
// Called when a pair is revoked.
func (s *Service) Forget(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, pairID)
}
