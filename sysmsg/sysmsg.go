// Package sysmsg defines control payloads the runtime itself produces or
// interprets. They travel through regular mailboxes as envelope payloads:
// the execution loop consumes a PoisonPill itself and hands a Timeout to
// the actor like ordinary mail.
package sysmsg

import "time"

// SystemMessage marks a payload as runtime-internal.
type SystemMessage interface {
	systemMessage()
}

// PoisonPill asks an actor to stop gracefully after it has handled every
// message queued ahead of the pill. Unlike a direct stop it respects
// mailbox order.
type PoisonPill struct{}

func (PoisonPill) Type() string   { return "sysmsg.poison_pill" }
func (PoisonPill) systemMessage() {}

// Timeout is delivered to an actor whose receive timeout elapsed without
// any traffic arriving.
type Timeout struct {
	// Elapsed is the configured receive timeout that ran out.
	Elapsed time.Duration
}

func (Timeout) Type() string   { return "sysmsg.timeout" }
func (Timeout) systemMessage() {}

// IsSystem reports whether payload is a runtime-internal message.
func IsSystem(payload any) bool {
	_, ok := payload.(SystemMessage)
	return ok
}
