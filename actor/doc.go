// Package actor runs message handlers on their own goroutines. A Runner
// owns one actor instance at a time: it builds the mailbox, registers
// the address with the broker, drives the lifecycle state machine and
// delivers envelopes to the instance's Receive callback. Handler errors
// are resolved to directives; panics are recovered and treated as
// errors.
package actor
