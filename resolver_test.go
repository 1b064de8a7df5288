package binser

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binser-dev/binser/bcode"
)

type typeA struct{ N int }
type typeB struct{ S string }
type typeC struct{ F float64 }

func lookupTestTypes(name string) (reflect.Type, bool) {
	for _, t := range []reflect.Type{
		reflect.TypeOf(typeA{}),
		reflect.TypeOf(typeB{}),
		reflect.TypeOf(typeC{}),
	} {
		if TypeName(t) == name {
			return t, true
		}
	}
	return nil, false
}

func newTestEngine(opts ...Option) (*Engine, *Resolver) {
	e := NewEngine(append([]Option{WithTypeLookup(lookupTestTypes)}, opts...)...)
	return e, e.Resolver().(*Resolver)
}

func TestRegisterAndResolve(t *testing.T) {
	e, r := newTestEngine()
	reg, err := e.Register(typeA{}, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, reg.ID())
	assert.False(t, reg.Named())
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(typeA{})))
	assert.Same(t, reg, r.RegistrationByID(5))
	assert.Nil(t, r.RegistrationByID(4))

	// Re-registration replaces the descriptor entirely.
	reg2, err := e.Register(typeA{}, 6)
	require.NoError(t, err)
	assert.NotSame(t, reg, reg2)
	assert.Same(t, reg2, r.RegistrationOf(reflect.TypeOf(typeA{})))
	assert.Same(t, reg2, r.RegistrationByID(6))
}

func TestRegisterNil(t *testing.T) {
	_, r := newTestEngine()
	_, err := r.Register(nil)
	assert.ErrorIs(t, err, ErrNilRegistration)
}

func TestPointerCounterpart(t *testing.T) {
	e, r := newTestEngine()
	reg, err := e.Register(typeA{}, 1)
	require.NoError(t, err)

	// Both the value type and its pointer type resolve to the identical
	// descriptor.
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(typeA{})))
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(&typeA{})))

	// Unregister removes both keys atomically.
	assert.Same(t, reg, r.Unregister(1))
	assert.Nil(t, r.RegistrationOf(reflect.TypeOf(typeA{})))
	assert.Nil(t, r.RegistrationOf(reflect.TypeOf(&typeA{})))
	assert.Nil(t, r.RegistrationByID(1))

	// Unregistering an absent id is a no-op.
	assert.Nil(t, r.Unregister(1))
	assert.Nil(t, r.Unregister(99))
}

func TestDenseTableGrowth(t *testing.T) {
	e, r := newTestEngine()
	regA, err := e.Register(typeA{}, 0)
	require.NoError(t, err)
	regB, err := e.Register(typeB{}, 10)
	require.NoError(t, err)
	regC, err := e.Register(typeC{}, 500)
	require.NoError(t, err)
	assert.Same(t, regA, r.RegistrationByID(0))
	assert.Same(t, regB, r.RegistrationByID(10))
	assert.Same(t, regC, r.RegistrationByID(500))
	assert.Nil(t, r.RegistrationByID(11))
	assert.Nil(t, r.RegistrationByID(1000))
	assert.Nil(t, r.RegistrationByID(-1))
}

func TestWriteTypeDirectID(t *testing.T) {
	e, r := newTestEngine()
	reg, err := e.Register(typeA{}, 5)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	for i := 0; i < 3; i++ {
		got, err := r.WriteType(w, reflect.TypeOf(typeA{}))
		require.NoError(t, err)
		assert.Same(t, reg, got)
	}
	require.NoError(t, w.Flush())
	// Each reference is the identical one-byte token id+2.
	assert.Equal(t, []byte{7, 7, 7}, buf.Bytes())

	rd := bcode.NewReader(&buf)
	for i := 0; i < 3; i++ {
		got, err := r.ReadType(rd)
		require.NoError(t, err)
		assert.Same(t, reg, got)
	}
	// The second and third reads were memo hits.
	assert.Equal(t, 5, r.memoID)
	assert.Same(t, reg, r.memoIDReg)
}

func TestWriteTypeNil(t *testing.T) {
	_, r := newTestEngine()
	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	reg, err := r.WriteType(w, nil)
	require.NoError(t, err)
	assert.Nil(t, reg)
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte{0}, buf.Bytes())

	got, err := r.ReadType(bcode.NewReader(&buf))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnknownTypeID(t *testing.T) {
	_, r := newTestEngine()
	// Token 9 references id 7, which was never registered.
	rd := bcode.NewReader(bytes.NewReader([]byte{9}))
	_, err := r.ReadType(rd)
	assert.ErrorIs(t, err, ErrUnknownTypeID)
	assert.ErrorContains(t, err, "7")
}

func TestNamedInterning(t *testing.T) {
	_, r := newTestEngine()
	nameB := TypeName(reflect.TypeOf(typeB{}))
	nameC := TypeName(reflect.TypeOf(typeC{}))

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	for _, typ := range []any{typeB{}, typeB{}, typeC{}} {
		reg, err := r.WriteType(w, reflect.TypeOf(typ))
		require.NoError(t, err)
		assert.True(t, reg.Named())
	}
	require.NoError(t, w.Flush())

	// B carries name-id 0 and its name once; the second B is only the name
	// token and name-id; C gets name-id 1 and its own name.
	var want []byte
	want = append(want, 1)
	want = bcode.AppendUvarint(want, 0)
	want = bcode.AppendUvarint(want, uint64(len(nameB))<<1|1)
	want = append(want, nameB...)
	want = append(want, 1)
	want = bcode.AppendUvarint(want, 0)
	want = append(want, 1)
	want = bcode.AppendUvarint(want, 1)
	want = bcode.AppendUvarint(want, uint64(len(nameC))<<1|1)
	want = append(want, nameC...)
	assert.Equal(t, want, buf.Bytes())

	rd := bcode.NewReader(bytes.NewReader(buf.Bytes()))
	regB, err := r.ReadType(rd)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(typeB{}), regB.Type())
	regB2, err := r.ReadType(rd)
	require.NoError(t, err)
	assert.Same(t, regB, regB2)
	regC, err := r.ReadType(rd)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(typeC{}), regC.Type())
}

func TestNameCostAmortization(t *testing.T) {
	_, r := newTestEngine()
	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err := r.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	first := buf.Len()

	const n = 50
	for i := 1; i < n; i++ {
		_, err := r.WriteType(w, reflect.TypeOf(typeB{}))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	// Every occurrence after the first costs exactly two bytes: the name
	// token and the name-id.
	assert.Equal(t, first+(n-1)*2, buf.Len())
}

func TestResetScoping(t *testing.T) {
	e, r := newTestEngine()
	_, err := e.Register(typeA{}, 5)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err = r.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	firstLen := buf.Len()

	// Populate the read-side session cache too.
	_, err = r.ReadType(bcode.NewReader(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)

	r.Reset()

	// A previously seen named type re-emits its full name with a fresh
	// name-id assignment.
	buf.Reset()
	_, err = r.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, firstLen, buf.Len())
	assert.Equal(t, byte(1), buf.Bytes()[0])
	assert.Equal(t, byte(0), buf.Bytes()[1])

	// The fresh stream decodes from scratch on the read side as well.
	reg, err := r.ReadType(bcode.NewReader(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(typeB{}), reg.Type())

	// Numeric-id registrations survive reset unchanged.
	assert.NotNil(t, r.RegistrationByID(5))
}

func TestStrictModeResetNoop(t *testing.T) {
	e, r := newTestEngine(WithStrictTypes())
	_, err := e.RegisterNamed(typeB{})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err = r.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	firstLen := buf.Len()

	r.Reset()

	// Reset was a no-op, so the next write is still a two-byte reference.
	buf.Reset()
	_, err = r.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, buf.Len())
	assert.Less(t, buf.Len(), firstLen)
}

func TestStrictModeUnregistered(t *testing.T) {
	_, r := newTestEngine(WithStrictTypes())
	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err := r.WriteType(w, reflect.TypeOf(typeA{}))
	assert.ErrorIs(t, err, ErrNotRegistered)
	require.NoError(t, w.Flush())
	// Nothing was written for the failed reference.
	assert.Zero(t, buf.Len())
}

func TestUnknownTypeName(t *testing.T) {
	// The writing engine knows the type; the reading engine has no lookup
	// authority that can resolve it.
	_, wr := newTestEngine()
	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err := wr.WriteType(w, reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	reader := NewEngine()
	_, err = reader.Resolver().ReadType(bcode.NewReader(&buf))
	assert.ErrorIs(t, err, ErrUnknownTypeName)
	assert.NotErrorIs(t, err, ErrUnknownTypeID)
}

func TestLookupMemoization(t *testing.T) {
	e, r := newTestEngine()
	reg, err := e.Register(typeA{}, 1)
	require.NoError(t, err)

	// Cold miss populates the memo.
	assert.Nil(t, r.memoType)
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(typeA{})))
	assert.Equal(t, reflect.TypeOf(typeA{}), r.memoType)

	// Cached hit.
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(typeA{})))

	// Any registration invalidates both memos.
	_, err = e.Register(typeB{}, 2)
	require.NoError(t, err)
	assert.Nil(t, r.memoType)
	assert.Equal(t, -1, r.memoID)
	assert.Same(t, reg, r.RegistrationOf(reflect.TypeOf(typeA{})))

	// So does unregistration.
	r.Unregister(2)
	assert.Nil(t, r.memoType)
	assert.Equal(t, -1, r.memoID)
}

func TestReadTypeMemoInvalidation(t *testing.T) {
	e, r := newTestEngine()
	_, err := e.Register(typeA{}, 5)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	for i := 0; i < 2; i++ {
		_, err := r.WriteType(w, reflect.TypeOf(typeA{}))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	rd := bcode.NewReader(bytes.NewReader(buf.Bytes()))
	_, err = r.ReadType(rd)
	require.NoError(t, err)
	assert.Equal(t, 5, r.memoID)

	// A mutation between reads forces the cold path; the result must be
	// identical.
	reg2, err := e.Register(typeB{}, 6)
	require.NoError(t, err)
	_ = reg2
	assert.Equal(t, -1, r.memoID)
	got, err := r.ReadType(rd)
	require.NoError(t, err)
	assert.Same(t, r.RegistrationByID(5), got)
}

func TestRoundTripRegistration(t *testing.T) {
	e, r := newTestEngine()
	reg, err := e.Register(typeA{}, 3)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bcode.NewWriter(&buf)
	_, err = r.WriteType(w, reflect.TypeOf(&typeA{}))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	got, err := r.ReadType(bcode.NewReader(&buf))
	require.NoError(t, err)
	assert.Same(t, reg, got)
	assert.Same(t, reg.Codec(), got.Codec())
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "github.com/binser-dev/binser.typeA", TypeName(reflect.TypeOf(typeA{})))
	assert.Equal(t, "*github.com/binser-dev/binser.typeA", TypeName(reflect.TypeOf(&typeA{})))
	assert.Equal(t, "int", TypeName(reflect.TypeOf(0)))
	assert.Equal(t, "map[string]int", TypeName(reflect.TypeOf(map[string]int{})))
}

func TestNegativeIDRejected(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.Register(typeA{}, -3)
	assert.Error(t, err)
}

func TestErrorTaxonomyDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrUnknownTypeID, ErrUnknownTypeName))
	assert.False(t, errors.Is(ErrUnknownTypeName, ErrUnknownTypeID))
}
