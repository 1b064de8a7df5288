// Package binser implements a compact binary object serialization format.
// Values are framed by a type reference that resolves to a registration
// binding the runtime type to a codec, so repeated occurrences of a type
// cost a couple of bytes rather than a full type name.
package binser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/binser-dev/binser/bcode"
	"github.com/binser-dev/binser/frameio"
)

// ErrNotRegistered is returned in strict mode when a value's type has no
// registration.
var ErrNotRegistered = errors.New("binser: type not registered")

// An Engine owns a TypeResolver and the policy around it: whether
// unregistered types may be transmitted by name, which lookup authorities
// resolve names on read, and how streams are framed.
//
// An Engine and its encoders and decoders are not safe for concurrent use.
// To scale across goroutines, pool engine instances rather than sharing one.
type Engine struct {
	resolver TypeResolver
	strict   bool
	compress bool
	lookups  []TypeLookup
	logger   *zap.Logger
}

type Option func(*Engine)

// WithResolver substitutes a custom TypeResolver.
func WithResolver(r TypeResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithStrictTypes requires every transmitted type to be registered in
// advance; implicit naming is disabled and unregistered types fail with
// ErrNotRegistered.
func WithStrictTypes() Option {
	return func(e *Engine) { e.strict = true }
}

// WithTypeLookup appends a name lookup authority consulted, in order of
// registration, before the process-wide registry.
func WithTypeLookup(fn TypeLookup) Option {
	return func(e *Engine) { e.lookups = append(e.lookups, fn) }
}

// WithLogger installs a logger for debug tracing of type registration and
// stream type references.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCompression wraps encoder and decoder streams in lz4-compressed
// frames.  Both sides of a stream must agree on this setting.
func WithCompression() Option {
	return func(e *Engine) { e.compress = true }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewResolver()
	}
	e.resolver.SetEngine(e)
	return e
}

// A RegOption adjusts a registration being built by Register or
// RegisterNamed.
type RegOption func(*Registration)

// WithCodec overrides the default codec for the registration.
func WithCodec(c Codec) RegOption {
	return func(r *Registration) { r.codec = c }
}

// WithTextName forces the general-text encoding for the type name even when
// the name is plain ASCII.
func WithTextName() RegOption {
	return func(r *Registration) { r.asciiName = false }
}

// Register binds the type of v to the given numeric id.  Ids should be
// small: the resolver's id table is allocated out to the highest id ever
// registered.
func (e *Engine) Register(v any, id int, opts ...RegOption) (*Registration, error) {
	if id < 0 {
		return nil, fmt.Errorf("binser: negative type id %d", id)
	}
	return e.register(reflect.TypeOf(v), id, opts)
}

// RegisterNamed binds the type of v as a named type, transmitted by its
// canonical name rather than a numeric id.
func (e *Engine) RegisterNamed(v any, opts ...RegOption) (*Registration, error) {
	return e.register(reflect.TypeOf(v), NameID, opts)
}

func (e *Engine) register(t reflect.Type, id int, opts []RegOption) (*Registration, error) {
	if t == nil {
		return nil, errors.New("binser: cannot register nil value")
	}
	reg := NewRegistration(t, id, e.DefaultCodec(t))
	for _, opt := range opts {
		opt(reg)
	}
	return e.resolver.Register(reg)
}

// Unregister removes the registration with the given numeric id, returning
// it, or nil if absent.
func (e *Engine) Unregister(id int) *Registration {
	return e.resolver.Unregister(id)
}

// RegistrationFor resolves the registration for a concrete type.  Outside
// strict mode, an unregistered type is registered implicitly as a named
// type.
func (e *Engine) RegistrationFor(t reflect.Type) (*Registration, error) {
	if reg := e.resolver.RegistrationOf(t); reg != nil {
		return reg, nil
	}
	if e.strict {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, TypeName(t))
	}
	return e.resolver.RegisterImplicit(t)
}

// Resolver returns the engine's TypeResolver.
func (e *Engine) Resolver() TypeResolver { return e.resolver }

// StrictTypes reports whether strict registration is in force.
func (e *Engine) StrictTypes() bool { return e.strict }

// DefaultCodec returns the codec used for types registered without an
// explicit codec.
func (e *Engine) DefaultCodec(t reflect.Type) Codec { return defaultCodec }

// Reset ends the current session; see TypeResolver.Reset.
func (e *Engine) Reset() { e.resolver.Reset() }

func (e *Engine) lookupTypeName(name string) (reflect.Type, bool) {
	for _, fn := range e.lookups {
		if t, ok := fn(name); ok {
			return t, ok
		}
	}
	if t, ok := LookupName(name); ok {
		return t, ok
	}
	// A pointer name resolves through its element so that registering T is
	// enough to decode *T.
	if strings.HasPrefix(name, "*") {
		if t, ok := e.lookupTypeName(name[1:]); ok {
			return reflect.PointerTo(t), true
		}
	}
	return nil, false
}

// An Encoder writes a stream of values.  It represents one session: types
// named implicitly are interned for the life of the encoder and the interning
// state is released on Close.
type Encoder struct {
	engine *Engine
	w      *bcode.Writer
	frames *frameio.Writer
}

func (e *Engine) NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{engine: e}
	if e.compress {
		enc.frames = frameio.NewWriter(w, frameio.WriterOpts{Compress: true})
		enc.w = bcode.NewWriter(enc.frames)
	} else {
		enc.w = bcode.NewWriter(w)
	}
	return enc
}

// Encode writes one value: its type reference followed by its encoding.
// A nil value, or a nil pointer, writes just the nil type token.
func (enc *Encoder) Encode(v any) error {
	if v == nil {
		_, err := enc.WriteType(nil)
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		_, err := enc.WriteType(nil)
		return err
	}
	reg, err := enc.WriteType(rv.Type())
	if err != nil {
		return err
	}
	return enc.encodeAs(reg, rv)
}

// encodeAs encodes v with reg's codec, bridging the pointer/value
// counterpart relation: a *T value whose type resolved to T's registration
// is dereferenced, and a T value resolved to *T's registration is wrapped.
func (enc *Encoder) encodeAs(reg *Registration, v reflect.Value) error {
	if v.Type() != reg.Type() {
		switch {
		case v.Kind() == reflect.Pointer && v.Type().Elem() == reg.Type():
			v = v.Elem()
		case reg.Type().Kind() == reflect.Pointer && reg.Type().Elem() == v.Type():
			p := reflect.New(v.Type())
			p.Elem().Set(v)
			v = p
		default:
			return fmt.Errorf("binser: cannot encode %s as %s", v.Type(), reg.Type())
		}
	}
	return reg.Codec().Encode(enc, v)
}

// WriteType writes a type reference for t; codecs use it for interface-typed
// values nested inside a larger value.
func (enc *Encoder) WriteType(t reflect.Type) (*Registration, error) {
	return enc.engine.resolver.WriteType(enc.w, t)
}

// Writer returns the underlying stream writer for codec implementations.
func (enc *Encoder) Writer() *bcode.Writer { return enc.w }

func (enc *Encoder) Flush() error {
	if err := enc.w.Flush(); err != nil {
		return err
	}
	if enc.frames != nil {
		return enc.frames.Flush()
	}
	return nil
}

// Close flushes the stream and ends the session.  It does not close the
// underlying writer.
func (enc *Encoder) Close() error {
	err := enc.w.Flush()
	if enc.frames != nil {
		err = multierr.Append(err, enc.frames.Close())
	}
	enc.engine.Reset()
	return err
}

// A Decoder reads a stream of values written by an Encoder configured the
// same way.  Like an Encoder, it represents one session.
type Decoder struct {
	engine *Engine
	r      *bcode.Reader
}

func (e *Engine) NewDecoder(r io.Reader) *Decoder {
	if e.compress {
		r = frameio.NewReader(r)
	}
	return &Decoder{engine: e, r: bcode.NewReader(r)}
}

// Decode reads one value.  It returns nil for the nil type token and io.EOF
// at a clean end of stream.
func (dec *Decoder) Decode() (any, error) {
	reg, err := dec.engine.resolver.ReadType(dec.r)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, nil
	}
	v := reflect.New(reg.Type()).Elem()
	if err := reg.Codec().Decode(dec, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// ReadType reads a type reference; codecs use it for interface-typed values
// nested inside a larger value.
func (dec *Decoder) ReadType() (*Registration, error) {
	return dec.engine.resolver.ReadType(dec.r)
}

// Reader returns the underlying stream reader for codec implementations.
func (dec *Decoder) Reader() *bcode.Reader { return dec.r }

// Close ends the session.  It does not close the underlying reader.
func (dec *Decoder) Close() error {
	dec.engine.Reset()
	return nil
}

// Marshal encodes a single value to a byte slice using a one-shot session.
func (e *Engine) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := e.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single value from a byte slice using a one-shot
// session.
func (e *Engine) Unmarshal(b []byte) (any, error) {
	dec := e.NewDecoder(bytes.NewReader(b))
	v, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return v, dec.Close()
}
