// Package identity provides the local device identity.
//
// The device id is the first 16 bytes of SHA-256 over the primary MAC
// address, CPU model, host name, OS and architecture, hex encoded. Each device
// holds a long-lived Ed25519 key in OpenSSH format; its public half is
// exchanged during pairing and later used to verify signed challenges.
package identity
