// Package bitfield provides functionality to pack and unpack struct fields into integers.
// This is a simplified version based on golang.org/x/text/internal/gen/bitfield
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means 64.
	NumBits uint
}

type field struct {
	index  int
	name   string
	offset uint
	bits   uint
}

// layout returns the tagged fields of t in packing order, least significant
// bits first.
func layout(t reflect.Type) ([]field, uint, error) {
	var fields []field
	var bitOffset uint

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue // Skip fields without bitfield tag
		}

		// Parse tag: "methodName,bits" or just ",bits"
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			var methodName string
			if _, err := fmt.Sscanf(tag, "%s,%d", &methodName, &bits); err != nil {
				return nil, 0, fmt.Errorf("invalid bitfield tag %q on field %s", tag, f.Name)
			}
		}
		if bits == 0 {
			continue
		}
		if bits > 64 {
			return nil, 0, fmt.Errorf("field %s wants %d bits", f.Name, bits)
		}

		fields = append(fields, field{index: i, name: f.Name, offset: bitOffset, bits: bits})
		bitOffset += bits
	}
	return fields, bitOffset, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<bits - 1
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted.
// Returns the packed value as uint64 and any error encountered.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	numBits := uint(64)
	if c != nil && c.NumBits > 0 {
		numBits = c.NumBits
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("Pack: expected struct, got %v", v.Kind())
	}

	fields, total, err := layout(v.Type())
	if err != nil {
		return 0, fmt.Errorf("Pack: %w", err)
	}
	if total > numBits {
		return 0, fmt.Errorf("Pack: total bits %d exceeds NumBits %d", total, numBits)
	}

	for _, f := range fields {
		fieldValue := v.Field(f.index)
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("Pack: negative value %d for field %s", val, f.name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("Pack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}

		if fieldBits > mask(f.bits) {
			return 0, fmt.Errorf("Pack: value %d exceeds %d bits for field %s", fieldBits, f.bits, f.name)
		}
		packed |= fieldBits << f.offset
	}

	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct whose
// layout matches the one used to pack the value.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("Unpack: expected pointer to struct, got %T", x)
	}
	v = v.Elem()

	fields, _, err := layout(v.Type())
	if err != nil {
		return fmt.Errorf("Unpack: %w", err)
	}

	for _, f := range fields {
		bits := (packed >> f.offset) & mask(f.bits)
		fieldValue := v.Field(f.index)

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if fieldValue.OverflowUint(bits) {
				return fmt.Errorf("Unpack: value %d overflows field %s", bits, f.name)
			}
			fieldValue.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if fieldValue.OverflowInt(int64(bits)) {
				return fmt.Errorf("Unpack: value %d overflows field %s", bits, f.name)
			}
			fieldValue.SetInt(int64(bits))
		default:
			return fmt.Errorf("Unpack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}
	}
	return nil
}
