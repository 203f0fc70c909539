// Package audit implements the command audit trail of the beacon node.
//
// Every inbound command (applied, acknowledged, dropped or rejected) and every mode
// transition is appended as one JSON line to audit.jsonl. The file is size-rotated.
package audit
