// ABOUTME: HTTP API handlers for pairing, authentication, bindings and events
// ABOUTME: Admin routes accept loopback callers only; peer routes are open or bearer-authenticated

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/pairing"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 * 1024

// TokenResponse is the JSON response for POST /api/pair/token.
type TokenResponse struct {
	Payload *pairing.Payload `json:"payload"`
	Compact string           `json:"compact"`
}

// ConfirmRequest is the JSON request body for POST /api/pair/confirm.
type ConfirmRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// JoinRequest is the JSON request body for POST /api/pair/join. Payload is
// either the JSON payload or its compact form.
type JoinRequest struct {
	Payload string `json:"payload"`
}

// PairResponse describes one paired device.
type PairResponse struct {
	PairID       string    `json:"pair_id"`
	AccountID    string    `json:"account_id"`
	PeerDeviceID string    `json:"peer_device_id"`
	PeerType     string    `json:"peer_type,omitempty"`
	PeerName     string    `json:"peer_name,omitempty"`
	PairedAt     time.Time `json:"paired_at"`
}

// ListPairsResponse is the JSON response for GET /api/pairs.
type ListPairsResponse struct {
	Pairs []PairResponse `json:"pairs"`
}

// RevokeResponse is the JSON response for DELETE /api/pairs/{pair_id}.
type RevokeResponse struct {
	PairID       string `json:"pair_id"`
	PeerDeviceID string `json:"peer_device_id"`
}

// PeerAuthRequest is the JSON request body for POST /api/auth/peer.
// DeviceID names the paired device behind Endpoint; the signed challenge is
// addressed to it.
type PeerAuthRequest struct {
	DeviceID string `json:"device_id"`
	Endpoint string `json:"endpoint"`
}

// BindingResponse is one service binding.
type BindingResponse struct {
	ServiceName      string            `json:"service_name"`
	ServiceAccountID string            `json:"service_account_id"`
	ServiceData      map[string]string `json:"service_data,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ListBindingsResponse is the JSON response for GET /api/accounts/{account_id}/bindings.
type ListBindingsResponse struct {
	AccountID string            `json:"account_id"`
	Bindings  []BindingResponse `json:"bindings"`
}

// AuditEntryResponse is one audit log entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// AuditResponse is the JSON response for GET /api/audit.
type AuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

// registerRoutes wires every route onto mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	local := auth.LocalOnly
	session := auth.HTTPAuthMiddleware(s.sessions)
	localOrSession := auth.LocalOrSession(s.sessions)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/identity", s.handleIdentity)

	// Pairing
	mux.Handle("POST /api/pair/token", local(http.HandlerFunc(s.handleIssueToken)))
	mux.HandleFunc("POST "+pairing.RedeemPath, s.handleRedeem)
	mux.HandleFunc("GET "+pairing.StatusPath, s.handleStatus)
	mux.Handle("POST /api/pair/confirm", local(http.HandlerFunc(s.handleConfirm)))
	mux.Handle("POST /api/pair/join", local(http.HandlerFunc(s.handleJoin)))
	mux.Handle("GET /api/pairs", local(http.HandlerFunc(s.handleListPairs)))
	mux.Handle("DELETE /api/pairs/{pair_id}", local(http.HandlerFunc(s.handleRevoke)))

	// Authentication
	mux.HandleFunc("POST /api/auth", s.handleAuthenticate)
	mux.Handle("POST /api/auth/peer", local(http.HandlerFunc(s.handleAuthenticatePeer)))
	mux.Handle("GET /api/session", session(http.HandlerFunc(s.handleSession)))

	// Accounts
	mux.Handle("GET /api/accounts/{account_id}/bindings", localOrSession(http.HandlerFunc(s.handleBindings)))

	// Signaling and audit
	mux.Handle("GET /api/events", local(signaling.SSEHandler(s.events)))
	mux.Handle("GET /api/audit", local(http.HandlerFunc(s.handleAudit)))
}

// decodeBody reads a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", pairing.ErrInvalidRequest, err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.identity.Identity())
}

// handleIssueToken handles POST /api/pair/token.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	payload, err := s.tokens.IssueToken(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	compact, err := payload.Compact()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TokenResponse{Payload: payload, Compact: compact})
}

// handleRedeem handles POST /api/pair/redeem from the joining device.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req pairing.RedeemRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.coordinator.Redeem(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatus handles GET /api/pair/status?token=.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeErrorCode(w, http.StatusBadRequest, client.CodeInvalidRequest, "token query parameter is required")
		return
	}

	st, err := s.coordinator.Status(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleConfirm handles POST /api/pair/confirm.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" || req.Code == "" {
		writeErrorCode(w, http.StatusBadRequest, client.CodeInvalidRequest, "token and code are required")
		return
	}

	res, err := s.coordinator.Confirm(r.Context(), req.Token, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleJoin handles POST /api/pair/join. It blocks until the issuing device
// confirms, the token expires or the caller disconnects.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	payload, err := pairing.DecodePayload(req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.joiner.Join(r.Context(), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListPairs handles GET /api/pairs.
func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	localID := s.identity.DeviceID()

	pairs, err := s.store.ListPairs(ctx, localID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byID := make(map[string]*store.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	resp := ListPairsResponse{Pairs: make([]PairResponse, 0, len(pairs))}
	for _, p := range pairs {
		peerID := p.Peer(localID)
		pr := PairResponse{
			PairID:       p.ID,
			AccountID:    p.AccountID,
			PeerDeviceID: peerID,
			PairedAt:     p.PairedAt,
		}
		if d, ok := byID[peerID]; ok {
			pr.PeerType = d.Type
			pr.PeerName = d.DisplayName
		}
		resp.Pairs = append(resp.Pairs, pr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke handles DELETE /api/pairs/{pair_id}. Sessions of the pair go
// with it; service bindings stay because the account may be re-derived.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pairID := r.PathValue("pair_id")
	localID := s.identity.DeviceID()

	pair, err := s.store.GetPair(ctx, pairID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !pair.Contains(localID) {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	if err := s.store.DeletePair(ctx, pairID); err != nil {
		s.writeError(w, r, err)
		return
	}

	peerID := pair.Peer(localID)
	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      localID,
		Action:     store.AuditPairRevoked,
		TargetType: "pair",
		TargetID:   pairID,
		Detail:     map[string]any{"peer_device_id": peerID},
	}); err != nil {
		s.logger.Warn("failed to write audit entry", "error", err)
	}
	if s.discovery != nil {
		s.discovery.Forget(pairID)
	}
	s.events.Publish(signaling.PairingRevoked(pairID, peerID))

	s.logger.Info("pairing revoked", "pair_id", pairID, "peer_device_id", peerID)
	writeJSON(w, http.StatusOK, RevokeResponse{PairID: pairID, PeerDeviceID: peerID})
}

// handleAuthenticate handles POST /api/auth from a paired device.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var c identity.Challenge
	if err := decodeBody(w, r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.Authenticate(r.Context(), &c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleAuthenticatePeer handles POST /api/auth/peer: the local device signs
// a challenge and authenticates to the given peer endpoint.
func (s *Server) handleAuthenticatePeer(w http.ResponseWriter, r *http.Request) {
	var req PeerAuthRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Endpoint == "" || req.DeviceID == "" {
		writeErrorCode(w, http.StatusBadRequest, client.CodeInvalidRequest, "device_id and endpoint are required")
		return
	}

	if _, err := s.store.GetPairByDevices(r.Context(), s.identity.DeviceID(), req.DeviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = auth.ErrNotPaired
		}
		s.writeError(w, r, err)
		return
	}

	sess, err := s.authClient.Authenticate(r.Context(), req.Endpoint, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSession handles GET /api/session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.FromContext(r.Context()))
}

// handleBindings handles GET /api/accounts/{account_id}/bindings. A session
// may only read the bindings of its own account.
func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")

	if !auth.IsLocal(r.Context()) {
		sess := auth.FromContext(r.Context())
		if sess == nil || sess.AccountID != accountID {
			writeErrorCode(w, http.StatusForbidden, client.CodeForbidden, "session does not belong to this account")
			return
		}
	}

	bindings, err := s.store.ListServiceBindings(r.Context(), accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := ListBindingsResponse{AccountID: accountID, Bindings: make([]BindingResponse, 0, len(bindings))}
	for _, b := range bindings {
		resp.Bindings = append(resp.Bindings, BindingResponse{
			ServiceName:      b.ServiceName,
			ServiceAccountID: b.ServiceAccountID,
			ServiceData:      b.ServiceData,
			CreatedAt:        b.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAudit handles GET /api/audit?limit=&action=.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var f store.AuditFilter
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorCode(w, http.StatusBadRequest, client.CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}

	entries, err := s.store.ListAuditLog(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := AuditResponse{Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
