// Package adapter defines the radio subsystem contract used by the mode controller.
//
// A radio adapter wraps a vendor BLE stack: it advertises, runs bounded scan windows and
// reports every discovered peer through a discovery handler. The adapter is initialised
// (controller enabled, privacy and transmit power configured) before the control loop
// starts; the loop only drives advertising and scanning.
//
// Any adapter call failure leaves the stack in an unknown state. Adapters return the raw
// stack error; callers wrap it with Fatal, which normalises it to one of the
// BUSY, UNAVAILABLE, INVALID_RANGE or INTERNAL codes and marks it unrecoverable.
package adapter
