package binser

import (
	"errors"
	"fmt"
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/binser-dev/binser/bcode"
)

var (
	// ErrNilRegistration is returned by Register for a nil registration.
	ErrNilRegistration = errors.New("binser: nil registration")
	// ErrUnknownTypeID indicates the stream referenced a numeric id with no
	// registration; the reader is under-registered relative to the writer or
	// the stream is corrupt.
	ErrUnknownTypeID = errors.New("binser: unregistered type id")
	// ErrUnknownTypeName indicates a decoded type name that no lookup
	// authority could resolve in this process.
	ErrUnknownTypeName = errors.New("binser: unknown type name")
)

// Wire tokens for type references.  A nil type is token 0, a named type is
// token 1, and a numeric id n is written as n+2 to make room for the first
// two.
const (
	tokenNil  = 0
	tokenName = 1
	// tokenOffset is the shift applied to numeric ids on the wire.
	tokenOffset = 2
)

// nameCacheSize bounds the durable name-to-type cache, which persists across
// session resets.  Eviction only costs a repeated lookup.
const nameCacheSize = 4096

// A TypeResolver maps runtime types to the compact identifiers written into
// a stream and reverses that mapping on read.  Implementations are not safe
// for concurrent use; an engine and its resolver belong to one goroutine at
// a time.
type TypeResolver interface {
	Register(reg *Registration) (*Registration, error)
	RegisterImplicit(t reflect.Type) (*Registration, error)
	Unregister(id int) *Registration
	RegistrationOf(t reflect.Type) *Registration
	RegistrationByID(id int) *Registration
	WriteType(w *bcode.Writer, t reflect.Type) (*Registration, error)
	ReadType(r *bcode.Reader) (*Registration, error)
	Reset()
	SetEngine(e *Engine)
}

// Resolver is the default TypeResolver.  Registrations with numeric ids live
// in a dense table indexed directly by id, so lookups on the read path are a
// bounds check and a load.  The table is reallocated when a registration
// exceeds its capacity, so very large ids should be avoided: capacity is at
// least the highest id ever registered.  Named types are interned per
// session: the first occurrence carries the canonical name, later
// occurrences carry only a small sequential name id.
type Resolver struct {
	engine *Engine
	logger *zap.Logger

	// Durable registration state.
	byType map[reflect.Type]*Registration
	byID   []*Registration

	// Session-scoped name interning, cleared by Reset.
	typeToNameID map[reflect.Type]int
	nameIDToType []reflect.Type
	nextNameID   int

	// Durable name resolutions, shared across sessions.
	nameToType *lru.Cache[string, reflect.Type]

	// Single-slot memos.  Purely an optimization; both are invalidated on
	// any mutation of the tables they shadow.
	memoID    int
	memoIDReg *Registration
	memoType  reflect.Type
	memoReg   *Registration
}

var _ TypeResolver = (*Resolver)(nil)

func NewResolver() *Resolver {
	nameToType, err := lru.New[string, reflect.Type](nameCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{
		logger:       zap.NewNop(),
		byType:       make(map[reflect.Type]*Registration),
		typeToNameID: make(map[reflect.Type]int),
		nameToType:   nameToType,
		memoID:       -1,
	}
}

// SetEngine binds the owning engine, which supplies implicit registration
// policy, default codecs, and name lookup authorities.
func (r *Resolver) SetEngine(e *Engine) {
	r.engine = e
	r.logger = e.logger
}

func (r *Resolver) invalidate() {
	r.memoID = -1
	r.memoIDReg = nil
	r.memoType = nil
	r.memoReg = nil
}

// Register stores reg under its type and, when the type has a pointer or
// value counterpart, under that key too.  Registrations with numeric ids
// also enter the dense id table.  The registration is returned unchanged.
func (r *Resolver) Register(reg *Registration) (*Registration, error) {
	if reg == nil {
		return nil, ErrNilRegistration
	}
	r.invalidate()
	if !reg.Named() {
		r.enterID(reg.ID(), reg)
	}
	r.byType[reg.Type()] = reg
	if c := counterpart(reg.Type()); c != reg.Type() {
		r.byType[c] = reg
	}
	r.logger.Debug("register type", zap.Int("id", reg.ID()), zap.Stringer("type", reg.Type()))
	return reg, nil
}

// RegisterImplicit registers t as a named type with the engine's default
// codec.  It is called on the write path when a type with no registration is
// encountered outside strict mode.
func (r *Resolver) RegisterImplicit(t reflect.Type) (*Registration, error) {
	return r.Register(NewRegistration(t, NameID, r.engine.DefaultCodec(t)))
}

// Unregister removes the registration with the given numeric id along with
// both of its type keys.  It returns the removed registration, or nil if the
// id was not registered.
func (r *Resolver) Unregister(id int) *Registration {
	if id < 0 || id >= len(r.byID) {
		return nil
	}
	reg := r.byID[id]
	if reg == nil {
		return nil
	}
	r.byID[id] = nil
	delete(r.byType, reg.Type())
	if c := counterpart(reg.Type()); c != reg.Type() {
		delete(r.byType, c)
	}
	r.invalidate()
	return reg
}

// RegistrationOf returns the registration whose type is exactly t, or nil.
// No type hierarchy is walked; resolving a concrete type for an interface
// value is the engine's job.
func (r *Resolver) RegistrationOf(t reflect.Type) *Registration {
	if t == r.memoType {
		return r.memoReg
	}
	reg := r.byType[t]
	if reg != nil {
		r.memoType = t
		r.memoReg = reg
	}
	return reg
}

// RegistrationByID returns the registration with the given numeric id, or
// nil if the id is out of range or unregistered.
func (r *Resolver) RegistrationByID(id int) *Registration {
	if id < 0 || id >= len(r.byID) {
		return nil
	}
	return r.byID[id]
}

// enterID grows the dense table by reconstruction: registration is rare and
// typically happens at startup, so the realloc cost is kept off the per-value
// read path.
func (r *Resolver) enterID(id int, reg *Registration) {
	if id >= cap(r.byID) {
		grown := make([]*Registration, id+1, 2*(id+1))
		copy(grown, r.byID)
		r.byID = grown
	} else if id >= len(r.byID) {
		r.byID = r.byID[:id+1]
	}
	r.byID[id] = reg
}

func (r *Resolver) enterNameID(id int, t reflect.Type) {
	if id >= cap(r.nameIDToType) {
		grown := make([]reflect.Type, id+1, 2*(id+1))
		copy(grown, r.nameIDToType)
		r.nameIDToType = grown
	} else if id >= len(r.nameIDToType) {
		r.nameIDToType = r.nameIDToType[:id+1]
	}
	r.nameIDToType[id] = t
}

// WriteType writes a reference to t to the stream and returns the resolved
// registration so the caller can encode the value with its codec.  A nil
// type writes the nil token and returns a nil registration.
func (r *Resolver) WriteType(w *bcode.Writer, t reflect.Type) (*Registration, error) {
	if t == nil {
		return nil, w.WriteByte(tokenNil)
	}
	if r.engine == nil {
		return nil, errors.New("binser: resolver has no owning engine")
	}
	reg, err := r.engine.RegistrationFor(t)
	if err != nil {
		return nil, err
	}
	if reg.Named() {
		return reg, r.writeName(w, t, reg)
	}
	r.logger.Debug("write type id", zap.Int("id", reg.ID()), zap.Int64("pos", w.Position()))
	return reg, w.WriteUvarint(uint64(reg.ID()+tokenOffset))
}

// writeName writes the name token and the session-scoped name id, plus the
// canonical type name the first time the type is seen in this session.
func (r *Resolver) writeName(w *bcode.Writer, t reflect.Type, reg *Registration) error {
	if err := w.WriteByte(tokenName); err != nil {
		return err
	}
	if nameID, ok := r.typeToNameID[t]; ok {
		r.logger.Debug("write type name reference", zap.Int("nameID", nameID), zap.Int64("pos", w.Position()))
		return w.WriteUvarint(uint64(nameID))
	}
	nameID := r.nextNameID
	r.nextNameID++
	r.typeToNameID[t] = nameID
	if err := w.WriteUvarint(uint64(nameID)); err != nil {
		return err
	}
	r.logger.Debug("write type name", zap.String("name", reg.TypeName()), zap.Int("nameID", nameID), zap.Int64("pos", w.Position()))
	if reg.ASCIIName() {
		return w.WriteASCII(reg.TypeName())
	}
	return w.WriteString(reg.TypeName())
}

// ReadType reads one type reference from the stream.  It returns a nil
// registration for the nil token, otherwise the registration the reference
// resolves to.  An unknown id or name is fatal.
func (r *Resolver) ReadType(rd *bcode.Reader) (*Registration, error) {
	token, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	switch token {
	case tokenNil:
		return nil, nil
	case tokenName:
		return r.readName(rd)
	}
	id := int(token - tokenOffset)
	if id == r.memoID {
		return r.memoIDReg, nil
	}
	reg := r.RegistrationByID(id)
	if reg == nil {
		return nil, fmt.Errorf("%w %d at stream position %d", ErrUnknownTypeID, id, rd.Position())
	}
	r.logger.Debug("read type id", zap.Int("id", id), zap.Int64("pos", rd.Position()))
	r.memoID = id
	r.memoIDReg = reg
	return reg, nil
}

// readName reads a session-scoped name id and, on its first occurrence, the
// canonical type name, which is resolved first through the durable name
// cache, then through the engine's lookup authorities.
func (r *Resolver) readName(rd *bcode.Reader) (*Registration, error) {
	if r.engine == nil {
		return nil, errors.New("binser: resolver has no owning engine")
	}
	nameID64, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	nameID := int(nameID64)
	if nameID < len(r.nameIDToType) {
		if t := r.nameIDToType[nameID]; t != nil {
			return r.engine.RegistrationFor(t)
		}
	}
	name, err := rd.ReadString()
	if err != nil {
		return nil, err
	}
	t, ok := r.nameToType.Get(name)
	if !ok {
		t, ok = r.engine.lookupTypeName(name)
		if !ok {
			return nil, fmt.Errorf("%w %q at stream position %d", ErrUnknownTypeName, name, rd.Position())
		}
		r.nameToType.Add(name, t)
	}
	r.enterNameID(nameID, t)
	r.logger.Debug("read type name", zap.String("name", name), zap.Int("nameID", nameID), zap.Int64("pos", rd.Position()))
	return r.engine.RegistrationFor(t)
}

// Reset ends the current session: name ids restart at zero and the session
// interning tables are cleared.  Registrations, the dense id table, and the
// durable name cache are unaffected.  Under strict registration no implicit
// naming can have occurred, so Reset is a no-op.
func (r *Resolver) Reset() {
	if r.engine != nil && r.engine.StrictTypes() {
		return
	}
	r.typeToNameID = make(map[reflect.Type]int)
	r.nameIDToType = nil
	r.nextNameID = 0
}
