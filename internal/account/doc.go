// Package account derives the shared identity of a device pair.
//
//	pair_id    = hex(SHA-256(low + ":" + high))[:32]
//	account_id = "acct_" + hex(HMAC-SHA-256(salt, low + ":" + high))[:24]
//
// low and high are the two device ids in lexicographic order. Service
// bindings for forum, payments and games are derived from account_id alone.
package account
