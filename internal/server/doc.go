// Package server orchestrates the components of one tether node.
//
// # Overview
//
// Server owns the store, the device identity, the signaling broadcaster and
// every service built on them: token issuing, the pairing coordinator and
// joiner, the session manager, LAN discovery and mDNS advertisement. Run
// starts the HTTP API, the optional gRPC signaling server and the background
// loops, then blocks until its context is cancelled.
//
// # HTTP API
//
// Loopback only (the local CLI):
//
//	POST   /api/pair/token                 issue a pairing token and payload
//	POST   /api/pair/confirm               confirm the verification code
//	POST   /api/pair/join                  redeem another device's payload
//	GET    /api/pairs                      list paired devices
//	DELETE /api/pairs/{pair_id}            revoke a pair and its sessions
//	POST   /api/auth/peer                  authenticate to a paired device
//	GET    /api/events                     signaling events (SSE)
//	GET    /api/audit                      audit log
//
// Open to peers:
//
//	GET    /health
//	GET    /api/identity
//	POST   /api/pair/redeem                redeem a token issued here
//	GET    /api/pair/status?token=         poll a redeemed token
//	POST   /api/auth                       exchange a signed challenge for a session
//
// Bearer session (or loopback for bindings):
//
//	GET    /api/session
//	GET    /api/accounts/{account_id}/bindings
//
// Errors are JSON bodies of the form {"error": "...", "code": "..."}; the
// codes are listed in package client.
//
// # Listeners
//
// With tailscale.enabled the node joins the tailnet through tsnet and serves
// HTTP on :80 and gRPC on :50051 of its tailnet address. Otherwise it listens
// on server.http_addr and, when set, server.grpc_addr.
//
// # Shutdown
//
// Cancelling Run stops discovery, the sweepers and the MQTT bridge, then
// shuts the servers down with a 5 second budget and closes the store.
package server
