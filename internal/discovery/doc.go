// Package discovery lets paired devices find each other again on a LAN.
//
// Every device broadcasts a device_announce datagram on UDP port 47474 every
// few seconds. A device that hears an announcement from a peer it is already
// paired with replies with an auth_invite naming the pair and its own auth
// endpoint, signed with its device key. The announcer checks that signature
// against the key it recorded at pairing, then authenticates at the endpoint
// with a challenge addressed to the inviting device.
// Announcements from unknown devices get no reply at all, so discovery can
// resume an existing pairing but never create one.
//
// The HTTP API can additionally be advertised over mDNS as _tether._tcp.
package discovery
