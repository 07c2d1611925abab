// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"git.lukeshu.com/go/typedsync"
)

// codec encodes one type into exactly size bytes.
type codec struct {
	size int
	put  func(dst []byte, val reflect.Value) error
	get  func(src []byte, dst reflect.Value) error
}

var (
	endType         = reflect.TypeOf(End{})
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	staticSizerType = reflect.TypeOf((*StaticSizer)(nil)).Elem()
)

// codecs is shared by log writers and the recovery scanner, which run
// concurrently.
var codecs typedsync.Map[reflect.Type, *codec]

func codecFor(typ reflect.Type) *codec {
	if c, ok := codecs.Load(typ); ok {
		return c
	}
	c, err := newCodec(typ)
	if err != nil {
		panic(&TypeError{Type: typ, Err: err})
	}
	c, _ = codecs.LoadOrStore(typ, c)
	return c
}

func newCodec(typ reflect.Type) (*codec, error) {
	if typ.Implements(marshalerType) || reflect.PointerTo(typ).Implements(unmarshalerType) {
		return newInterfaceCodec(typ)
	}
	switch typ.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintCodec(typ), nil
	case reflect.Array:
		return newArrayCodec(typ)
	case reflect.Struct:
		return newStructCodec(typ)
	default:
		return nil, fmt.Errorf("kind %v is not a fixed-size kind", typ.Kind())
	}
}

func newInterfaceCodec(typ reflect.Type) (*codec, error) {
	if !typ.Implements(marshalerType) || !reflect.PointerTo(typ).Implements(unmarshalerType) {
		return nil, fmt.Errorf("implements only one of Marshaler and Unmarshaler")
	}
	if !typ.Implements(staticSizerType) {
		return nil, fmt.Errorf("implements Marshaler and Unmarshaler, but not StaticSizer")
	}
	size := reflect.Zero(typ).Interface().(StaticSizer).BinaryStaticSize() //nolint:forcetypeassert // checked above
	return &codec{
		size: size,
		put: func(dst []byte, val reflect.Value) error {
			dat, err := Marshal(val.Interface())
			if err != nil {
				return err
			}
			if len(dat) != size {
				return &DataError{Type: typ, Method: "MarshalBinary", Err: fmt.Errorf("produced %d bytes, want %d", len(dat), size)}
			}
			copy(dst, dat)
			return nil
		},
		get: func(src []byte, dst reflect.Value) error {
			n, err := Unmarshal(src, dst.Addr().Interface())
			if err != nil {
				return err
			}
			if n != size {
				return &DataError{Type: typ, Method: "UnmarshalBinary", Err: fmt.Errorf("consumed %d bytes, want %d", n, size)}
			}
			return nil
		},
	}, nil
}

func newUintCodec(typ reflect.Type) *codec {
	size := int(typ.Size())
	return &codec{
		size: size,
		put: func(dst []byte, val reflect.Value) error {
			n := val.Uint()
			switch size {
			case 1:
				dst[0] = byte(n)
			case 2:
				binary.LittleEndian.PutUint16(dst, uint16(n))
			case 4:
				binary.LittleEndian.PutUint32(dst, uint32(n))
			default:
				binary.LittleEndian.PutUint64(dst, n)
			}
			return nil
		},
		get: func(src []byte, dst reflect.Value) error {
			switch size {
			case 1:
				dst.SetUint(uint64(src[0]))
			case 2:
				dst.SetUint(uint64(binary.LittleEndian.Uint16(src)))
			case 4:
				dst.SetUint(uint64(binary.LittleEndian.Uint32(src)))
			default:
				dst.SetUint(binary.LittleEndian.Uint64(src))
			}
			return nil
		},
	}
}

func newArrayCodec(typ reflect.Type) (*codec, error) {
	elem, err := newCodec(typ.Elem())
	if err != nil {
		return nil, fmt.Errorf("element: %w", err)
	}
	n := typ.Len()
	return &codec{
		size: elem.size * n,
		put: func(dst []byte, val reflect.Value) error {
			for i := 0; i < n; i++ {
				if err := elem.put(dst[i*elem.size:(i+1)*elem.size], val.Index(i)); err != nil {
					return fmt.Errorf("[%d]: %w", i, err)
				}
			}
			return nil
		},
		get: func(src []byte, dst reflect.Value) error {
			for i := 0; i < n; i++ {
				if err := elem.get(src[i*elem.size:(i+1)*elem.size], dst.Index(i)); err != nil {
					return fmt.Errorf("[%d]: %w", i, err)
				}
			}
			return nil
		},
	}, nil
}

type fieldLayout struct {
	index int
	name  string
	off   int
	codec *codec
}

// parseTag parses `off=N, siz=N`.  A tag of "-" gives skip.
func parseTag(str string) (off, siz int, skip bool, err error) {
	if strings.TrimSpace(str) == "-" {
		return 0, 0, true, nil
	}
	off, siz = -1, -1
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return 0, 0, false, fmt.Errorf("%q is not key=value", part)
		}
		n, err := strconv.ParseInt(val, 0, 0)
		if err != nil {
			return 0, 0, false, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "off":
			off = int(n)
		case "siz":
			siz = int(n)
		default:
			return 0, 0, false, fmt.Errorf("unknown key %q", key)
		}
	}
	if off < 0 {
		return 0, 0, false, fmt.Errorf("missing off=")
	}
	return off, siz, false, nil
}

func newStructCodec(typ reflect.Type) (*codec, error) {
	var fields []fieldLayout
	pos, end := 0, -1
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		off, siz, skip, err := parseTag(field.Tag.Get("bin"))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if skip {
			continue
		}
		if off != pos {
			return nil, fmt.Errorf("field %s: tag says off=%#x, but it is at %#x", field.Name, off, pos)
		}
		if field.Type == endType {
			end = pos
			continue
		}
		if field.Anonymous {
			return nil, fmt.Errorf("field %s: embedded fields are not supported", field.Name)
		}
		c, err := newCodec(field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if siz != c.size {
			return nil, fmt.Errorf("field %s: tag says siz=%#x, but the type is %#x bytes", field.Name, siz, c.size)
		}
		fields = append(fields, fieldLayout{index: i, name: field.Name, off: off, codec: c})
		pos += c.size
	}
	if end != pos {
		return nil, fmt.Errorf("binstruct.End is at %#x, but the fields end at %#x", end, pos)
	}
	return &codec{
		size: pos,
		put: func(dst []byte, val reflect.Value) error {
			for _, f := range fields {
				if err := f.codec.put(dst[f.off:f.off+f.codec.size], val.Field(f.index)); err != nil {
					return fmt.Errorf("%v.%s: %w", typ, f.name, err)
				}
			}
			return nil
		},
		get: func(src []byte, dst reflect.Value) error {
			for _, f := range fields {
				if err := f.codec.get(src[f.off:f.off+f.codec.size], dst.Field(f.index)); err != nil {
					return fmt.Errorf("%v.%s: %w", typ, f.name, err)
				}
			}
			return nil
		},
	}, nil
}
