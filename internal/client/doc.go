// Package client is the HTTP client for the tether API.
//
// The CLI uses it against the local node's admin routes; the pairing joiner
// and the auth client use it against peer devices. Every non-2xx response is
// returned as *APIError, and Code extracts the machine-readable error code
// (CodeTokenNotFound, CodeNotPaired, ...) so callers can branch on it.
//
// StreamEvents reads the node's server-sent signaling stream.
package client
