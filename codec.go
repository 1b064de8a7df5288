package binser

import (
	"fmt"
	"reflect"

	"github.com/x448/float16"
	"golang.org/x/exp/slices"
)

// A Codec encodes and decodes the fields of values of a registered type.
// The type reference framing a value is the resolver's job; a codec only
// sees the value itself.
type Codec interface {
	Encode(enc *Encoder, v reflect.Value) error
	Decode(dec *Decoder, v reflect.Value) error
}

// defaultCodec walks values with reflection.  It handles booleans, integers
// (zigzag varints), floats, strings, byte slices, slices, arrays, maps,
// pointers, structs (exported fields in declaration order), and interface
// fields, which carry a nested type reference.
var defaultCodec Codec = &valueCodec{}

type valueCodec struct{}

func (c *valueCodec) Encode(enc *Encoder, v reflect.Value) error {
	w := enc.Writer()
	switch v.Kind() {
	case reflect.Bool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		return w.WriteByte(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return w.WriteVarint(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return w.WriteUvarint(v.Uint())
	case reflect.Float32:
		return w.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		return w.WriteFloat64(v.Float())
	case reflect.String:
		return w.WriteString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return w.WriteBytes(v.Bytes())
		}
		// Tag is length+1; zero marks a nil slice.
		if v.IsNil() {
			return w.WriteUvarint(0)
		}
		if err := w.WriteUvarint(uint64(v.Len()) + 1); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := c.Encode(enc, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := c.Encode(enc, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.IsNil() {
			return w.WriteUvarint(0)
		}
		if err := w.WriteUvarint(uint64(v.Len()) + 1); err != nil {
			return err
		}
		keys := v.MapKeys()
		// Sort keys so encoding is deterministic.
		slices.SortFunc(keys, lessValue)
		for _, key := range keys {
			if err := c.Encode(enc, key); err != nil {
				return err
			}
			if err := c.Encode(enc, v.MapIndex(key)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer:
		if v.IsNil() {
			return w.WriteByte(0)
		}
		if err := w.WriteByte(1); err != nil {
			return err
		}
		return c.Encode(enc, v.Elem())
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := c.Encode(enc, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Interface:
		if v.IsNil() {
			_, err := enc.WriteType(nil)
			return err
		}
		elem := v.Elem()
		if elem.Kind() == reflect.Pointer && elem.IsNil() {
			_, err := enc.WriteType(nil)
			return err
		}
		reg, err := enc.WriteType(elem.Type())
		if err != nil {
			return err
		}
		return enc.encodeAs(reg, elem)
	default:
		return fmt.Errorf("binser: unsupported kind %s", v.Kind())
	}
}

func (c *valueCodec) Decode(dec *Decoder, v reflect.Value) error {
	r := dec.Reader()
	switch v.Kind() {
	case reflect.Bool:
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		v.SetBool(b != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := r.ReadVarint()
		if err != nil {
			return err
		}
		if v.OverflowInt(i) {
			return fmt.Errorf("binser: value %d overflows %s", i, v.Type())
		}
		v.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		if v.OverflowUint(u) {
			return fmt.Errorf("binser: value %d overflows %s", u, v.Type())
		}
		v.SetUint(u)
		return nil
	case reflect.Float32:
		f, err := r.ReadFloat32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(f))
		return nil
	case reflect.Float64:
		f, err := r.ReadFloat64()
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	case reflect.String:
		s, err := r.ReadString()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.ReadBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		tag, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		if tag == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		n := int(tag - 1)
		slice := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := c.Decode(dec, slice.Index(i)); err != nil {
				return err
			}
		}
		v.Set(slice)
		return nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := c.Decode(dec, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		tag, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		if tag == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		n := int(tag - 1)
		m := reflect.MakeMapWithSize(v.Type(), n)
		for i := 0; i < n; i++ {
			key := reflect.New(v.Type().Key()).Elem()
			if err := c.Decode(dec, key); err != nil {
				return err
			}
			val := reflect.New(v.Type().Elem()).Elem()
			if err := c.Decode(dec, val); err != nil {
				return err
			}
			m.SetMapIndex(key, val)
		}
		v.Set(m)
		return nil
	case reflect.Pointer:
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		elem := reflect.New(v.Type().Elem())
		if err := c.Decode(dec, elem.Elem()); err != nil {
			return err
		}
		v.Set(elem)
		return nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := c.Decode(dec, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Interface:
		reg, err := dec.ReadType()
		if err != nil {
			return err
		}
		if reg == nil {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		elem := reflect.New(reg.Type()).Elem()
		if err := reg.Codec().Decode(dec, elem); err != nil {
			return err
		}
		switch {
		case reg.Type().AssignableTo(v.Type()):
			v.Set(elem)
		case reflect.PointerTo(reg.Type()).AssignableTo(v.Type()):
			// The interface is implemented on the pointer receiver.
			v.Set(elem.Addr())
		default:
			return fmt.Errorf("binser: %s is not assignable to %s", reg.Type(), v.Type())
		}
		return nil
	default:
		return fmt.Errorf("binser: unsupported kind %s", v.Kind())
	}
}

// lessValue orders map keys of a common primitive kind.  Keys of other kinds
// are left in map order.
func lessValue(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() < b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return a.Uint() < b.Uint()
	case reflect.Float32, reflect.Float64:
		return a.Float() < b.Float()
	case reflect.String:
		return a.String() < b.String()
	}
	return false
}

// Float16Codec stores a float32 value as an IEEE 754 half-precision float,
// halving its wire size at the cost of precision.  Register it per type with
// WithCodec.
type Float16Codec struct{}

func (Float16Codec) Encode(enc *Encoder, v reflect.Value) error {
	if v.Kind() != reflect.Float32 {
		return fmt.Errorf("binser: Float16Codec requires float32, got %s", v.Type())
	}
	bits := float16.Fromfloat32(float32(v.Float())).Bits()
	w := enc.Writer()
	if err := w.WriteByte(byte(bits)); err != nil {
		return err
	}
	return w.WriteByte(byte(bits >> 8))
}

func (Float16Codec) Decode(dec *Decoder, v reflect.Value) error {
	if v.Kind() != reflect.Float32 {
		return fmt.Errorf("binser: Float16Codec requires float32, got %s", v.Type())
	}
	r := dec.Reader()
	lo, err := r.ReadByte()
	if err != nil {
		return err
	}
	hi, err := r.ReadByte()
	if err != nil {
		return err
	}
	v.SetFloat(float64(float16.Frombits(uint16(hi)<<8 | uint16(lo)).Float32()))
	return nil
}
