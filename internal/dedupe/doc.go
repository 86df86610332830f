// Package dedupe provides a bounded, time-based window for suppressing keys
// seen recently: replayed signature nonces and repeated discovery invites.
package dedupe
