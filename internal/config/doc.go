// ABOUTME: Package documentation for config
// ABOUTME: Explains the YAML layout and expansion rules

// Package config loads parleyd configuration from YAML.
//
// # Layout
//
// A config file has three sections:
//
//	database:
//	  path: parley.db
//	conversations:
//	  cleanup_interval: 5m
//	  idle_timeout: 24h
//	  negotiation_timeout: 30s
//	logging:
//	  level: info
//	  format: text
//
// Every field is optional except database.path, which has a default but must
// not resolve to empty. Missing fields take the values from Default.
//
// # Expansion
//
// ${VAR_NAME} references anywhere in the file are replaced with the value of
// the named environment variable before parsing; unset variables become empty
// strings. Duration fields accept Go duration syntax ("90s", "5m", "24h").
package config
