package message

import (
	"fmt"

	"github.com/rs/xid"
)

// Address identifies an actor for routing. Addresses are comparable and
// usable as map keys. Every address carries a generated unique id, so two
// addresses created with the same name are still distinct.
type Address struct {
	id   string
	name string
}

// NewAddress returns a named address with a fresh unique id.
func NewAddress(name string) Address {
	return Address{id: xid.New().String(), name: name}
}

// Anonymous returns an unnamed address with a fresh unique id.
func Anonymous() Address {
	return Address{id: xid.New().String()}
}

// ID returns the generated unique id of the address.
func (a Address) ID() string { return a.id }

// Name returns the address name; empty for anonymous addresses.
func (a Address) Name() string { return a.name }

// IsZero reports whether a is the zero Address, i.e. refers to nothing.
func (a Address) IsZero() bool { return a.id == "" }

func (a Address) String() string {
	switch {
	case a.IsZero():
		return "<none>"
	case a.name == "":
		return fmt.Sprintf("anon@%s", a.id)
	default:
		return fmt.Sprintf("%s@%s", a.name, a.id)
	}
}
