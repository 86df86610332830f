// Package config handles configuration loading for tether.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TETHER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tether/tether.yaml
//  3. ~/.config/tether/tether.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${TETHER_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pairing:
//	  token_ttl: "5m"
//	  sweep_interval: "30s"
//	auth:
//	  session_ttl: "24h"
//	discovery:
//	  interval: "5s"
//
// # Account Salt
//
// account.salt is mixed into every derived account id. Both devices of a pair
// must agree on it.
package config
