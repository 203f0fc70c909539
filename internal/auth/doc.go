// Package auth protects the local ops API with HS256 bearer tokens.
//
// Tokens carry a subject and a list of scopes. The ops API is read-only, so the only
// scopes are read (status) and telemetry (the peer stream). MQTT commands are not
// authenticated here.
package auth
