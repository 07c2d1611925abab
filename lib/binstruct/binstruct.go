// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binstruct encodes fixed-layout little-endian structures.
//
// A struct is laid out by `bin:"off=OFFSET, siz=SIZE"` tags on each
// field, and must end with a binstruct.End field tagged with the
// total size.  Both numbers are checked against the field types the
// first time a struct type is used, so a layout mistake panics
// immediately rather than corrupting data.  A `bin:"-"` field is
// ignored.
//
// Unsigned integers, arrays, and structs are supported directly.  A
// type may instead implement Marshaler and Unmarshaler; it must also
// implement StaticSizer to be used as a field.
package binstruct

import (
	"encoding"
	"fmt"
	"reflect"
)

type (
	Marshaler = encoding.BinaryMarshaler

	// Unmarshaler is like encoding.BinaryUnmarshaler, but
	// reports how many bytes it consumed, so that trailing data
	// may follow.
	Unmarshaler interface {
		UnmarshalBinary([]byte) (int, error)
	}

	StaticSizer interface {
		BinaryStaticSize() int
	}
)

// End marks the end of a struct layout.
type End struct{}

// TypeError is a misuse of the package: an unsupported type, or a
// struct whose tags disagree with its fields.  It is raised as a
// panic.
type TypeError struct {
	Type reflect.Type
	Err  error
}

func (e *TypeError) Error() string { return fmt.Sprintf("binstruct: %v: %v", e.Type, e.Err) }
func (e *TypeError) Unwrap() error { return e.Err }

// DataError is a failure to encode or decode a particular value.
type DataError struct {
	Type   reflect.Type
	Method string
	Err    error
}

func (e *DataError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("binstruct: %v: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("binstruct: (%v).%v: %v", e.Type, e.Method, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// NeedNBytes returns an error if dat is shorter than n.
func NeedNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %d bytes, only have %d", n, len(dat))
	}
	return nil
}

// StaticSize returns the encoded size of obj's type.  It panics if
// the type does not have a fixed size.
func StaticSize(obj any) int {
	return codecFor(reflect.TypeOf(obj)).size
}

// Marshal encodes obj, which is either a Marshaler or a supported
// fixed-size value (or a pointer to one).
func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			return dat, &DataError{Type: reflect.TypeOf(obj), Method: "MarshalBinary", Err: err}
		}
		return dat, nil
	}
	val := reflect.ValueOf(obj)
	for val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	c := codecFor(val.Type())
	dat := make([]byte, c.size)
	if err := c.put(dat, val); err != nil {
		return nil, err
	}
	return dat, nil
}

// Unmarshal decodes the start of dat into dstPtr, returning how many
// bytes were consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		n, err := unmar.UnmarshalBinary(dat)
		if err != nil {
			return n, &DataError{Type: reflect.TypeOf(dstPtr), Method: "UnmarshalBinary", Err: err}
		}
		return n, nil
	}
	ptr := reflect.ValueOf(dstPtr)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		panic(&TypeError{Type: reflect.TypeOf(dstPtr), Err: fmt.Errorf("not a non-nil pointer")})
	}
	dst := ptr.Elem()
	c := codecFor(dst.Type())
	if err := NeedNBytes(dat, c.size); err != nil {
		return 0, &DataError{Type: dst.Type(), Err: err}
	}
	if err := c.get(dat[:c.size], dst); err != nil {
		return 0, err
	}
	return c.size, nil
}
