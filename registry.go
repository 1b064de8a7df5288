package binser

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrConflictingRegistration indicates an attempt to register a name or type
// that is already bound differently in the process-wide registry.
var ErrConflictingRegistration = errors.New("binser: conflicting name registration")

// A TypeLookup resolves a canonical type name decoded from a stream to a
// runtime type.  Engines consult their configured lookups in order and fall
// back to the process-wide registry.
type TypeLookup func(name string) (reflect.Type, bool)

// The process-wide registry maps canonical names to runtime types.  Go has
// no way to materialize a type from its name alone, so any type that may
// arrive by name from a peer must be made findable here (or through an
// engine's TypeLookup) before decoding.
type nameRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

var registry = &nameRegistry{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// Register records the type of v in the process-wide registry under its
// canonical name.  Registration is idempotent; registering a second type
// under the same name is an error.
func Register(v any) error {
	t := reflect.TypeOf(v)
	if t == nil {
		return errors.New("binser: nil value")
	}
	return RegisterName(TypeName(t), v)
}

// RegisterName is like Register but binds an explicit name, which must then
// match the name the writer transmits.
func RegisterName(name string, v any) error {
	if name == "" {
		return errors.New("binser: empty name")
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return errors.New("binser: nil value")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if prev, ok := registry.byName[name]; ok {
		if prev == t {
			return nil
		}
		return fmt.Errorf("%w: name %q already bound to %s", ErrConflictingRegistration, name, prev)
	}
	if prev, ok := registry.byType[t]; ok && prev != name {
		return fmt.Errorf("%w: type %s already bound to name %q", ErrConflictingRegistration, t, prev)
	}
	registry.byName[name] = t
	registry.byType[t] = name
	return nil
}

// LookupName returns the type registered under name, if any.  Builtin
// primitive types resolve without registration.
func LookupName(name string) (reflect.Type, bool) {
	registry.mu.RLock()
	t, ok := registry.byName[name]
	registry.mu.RUnlock()
	if ok {
		return t, true
	}
	t, ok = builtinTypes[name]
	return t, ok
}

var builtinTypes = map[string]reflect.Type{
	"bool":           reflect.TypeOf(false),
	"string":         reflect.TypeOf(""),
	"int":            reflect.TypeOf(int(0)),
	"int8":           reflect.TypeOf(int8(0)),
	"int16":          reflect.TypeOf(int16(0)),
	"int32":          reflect.TypeOf(int32(0)),
	"int64":          reflect.TypeOf(int64(0)),
	"uint":           reflect.TypeOf(uint(0)),
	"uint8":          reflect.TypeOf(uint8(0)),
	"uint16":         reflect.TypeOf(uint16(0)),
	"uint32":         reflect.TypeOf(uint32(0)),
	"uint64":         reflect.TypeOf(uint64(0)),
	"float32":        reflect.TypeOf(float32(0)),
	"float64":        reflect.TypeOf(float64(0)),
	"[]uint8":        reflect.TypeOf([]byte(nil)),
	"[]interface {}": reflect.TypeOf([]any(nil)),
}
