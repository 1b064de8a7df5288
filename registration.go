package binser

import (
	"reflect"
)

// NameID is the sentinel id of a registration that has no pre-assigned
// numeric id.  Such "named" types are identified on the wire by a
// session-scoped name id plus, once per session, their canonical name.
const NameID = -1

// A Registration binds a runtime type to either a small non-negative numeric
// id or the NameID sentinel, along with the codec used to encode values of
// the type.  A Registration is immutable once created; re-registering a type
// replaces its Registration entirely.
type Registration struct {
	typ       reflect.Type
	id        int
	codec     Codec
	name      string
	asciiName bool
}

func NewRegistration(typ reflect.Type, id int, codec Codec) *Registration {
	name := TypeName(typ)
	return &Registration{
		typ:       typ,
		id:        id,
		codec:     codec,
		name:      name,
		asciiName: isASCII(name),
	}
}

func (r *Registration) Type() reflect.Type { return r.typ }

func (r *Registration) ID() int { return r.id }

// Named reports whether this registration has no numeric id and is
// transmitted by name.
func (r *Registration) Named() bool { return r.id == NameID }

func (r *Registration) Codec() Codec { return r.codec }

// TypeName returns the canonical name the type is transmitted under.
func (r *Registration) TypeName() string { return r.name }

// ASCIIName reports whether the name is written on the ASCII fast path.
func (r *Registration) ASCIIName() bool { return r.asciiName }

// TypeName returns the canonical wire name for a type: the import path and
// type name for defined types, reflect's notation otherwise.  Pointer types
// are named after their element with a leading asterisk.
func TypeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + TypeName(t.Elem())
	}
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + t.Name()
	}
	return t.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// counterpart returns the pointer type for a value type and the element type
// for a pointer type, so that a registration is reachable under both keys.
func counterpart(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return reflect.PointerTo(t)
}
