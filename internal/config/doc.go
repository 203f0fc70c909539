// Package config loads the beacon node configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML or TOML file chosen
// by extension, then BEACON_* environment variables. The result is validated once and is
// never mutated at runtime; in particular the control loop timing is fixed for the life
// of the process.
package config
