// Package codec implements bit-exact encode/decode of signature fields. It
// knows nothing about interfaces or object tables — it only turns a
// declared sequence of FieldKinds into wire bytes and back: scalars,
// 24.8 fixed point, nullable strings, arrays, typed and variable new-ids,
// and out-of-band fds.
package codec

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

// FieldKind enumerates the wire field types.
type FieldKind int

const (
	KindUint FieldKind = iota
	KindInt
	KindFixed
	KindString
	KindNullableString
	KindArray
	KindObject
	KindNullableObject
	// KindNewID is a new-id field whose interface is fixed by the
	// signature (Field.Interface names it).
	KindNewID
	// KindNewIDVariable is a new-id field whose interface name and
	// version are carried inline in the message.
	KindNewIDVariable
	KindFD
)

// Field describes one entry in an interface's request or event signature.
type Field struct {
	Name string
	Kind FieldKind
	// Interface is the schema-declared interface for KindObject,
	// KindNullableObject and KindNewID. Empty for KindObject/
	// KindNullableObject means the argument is generic: resolved but not
	// interface-checked.
	Interface string
}

// Arg is a decoded (or to-be-encoded) field value. Exactly one set of
// fields is meaningful, selected by the Kind of the Field it corresponds
// to:
//
//	KindUint/KindInt/KindFixed   -> U32 (Int/Fixed are the bit pattern, see Int32/FixedToFloat64)
//	KindString/KindNullableString -> Str (nil means null)
//	KindArray                     -> Bytes
//	KindObject/KindNullableObject/KindNewID -> U32 (the id; 0 is null for NullableObject)
//	KindNewIDVariable              -> NewIface, NewVersion, U32 (the id)
//	KindFD                         -> FD
type Arg struct {
	U32        uint32
	Str        *string
	Bytes      []byte
	FD         int
	NewIface   string
	NewVersion uint32
}

// Int32 reinterprets a KindInt argument's bit pattern as a signed int32.
func Int32(a Arg) int32 { return int32(a.U32) }

// IntArg builds a KindInt argument from a signed int32.
func IntArg(v int32) Arg { return Arg{U32: uint32(v)} }

// FixedToFloat64 converts a KindFixed argument's 24.8 bit pattern to a
// float64.
func FixedToFloat64(a Arg) float64 {
	return float64(int32(a.U32)) / 256.0
}

// FixedArg builds a KindFixed argument from a float64, rounding to the
// nearest 24.8 value.
func FixedArg(v float64) Arg {
	return Arg{U32: uint32(int32(math.Round(v * 256.0)))}
}

// Decode decodes body against sig, popping fds from in as fd-typed fields
// are encountered (see wire.InBuffer.PopFD and the wire package's
// causal-order invariant). Every decode failure is a protoerr-typed fatal
// error for the issuing peer.
func Decode(body []byte, in *wire.InBuffer, sig []Field) ([]Arg, error) {
	args := make([]Arg, 0, len(sig))
	off := 0

	need := func(n int) error {
		if off+n > len(body) {
			return protoerr.New(protoerr.KindMissingArgument)
		}
		return nil
	}

	for _, f := range sig {
		switch f.Kind {
		case KindUint, KindInt, KindFixed, KindObject, KindNewID:
			if err := need(4); err != nil {
				return nil, withField(err, f.Name)
			}
			v := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if f.Kind == KindObject && v == 0 {
				// A non-nullable object field may never be null.
				return nil, protoerr.New(protoerr.KindMissingArgument)
			}
			args = append(args, Arg{U32: v})

		case KindNullableObject:
			if err := need(4); err != nil {
				return nil, withField(err, f.Name)
			}
			v := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			args = append(args, Arg{U32: v})

		case KindString, KindNullableString:
			if err := need(4); err != nil {
				return nil, withField(err, f.Name)
			}
			n := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if n == 0 {
				if f.Kind == KindString {
					return nil, protoerr.New(protoerr.KindMissingArgument)
				}
				args = append(args, Arg{Str: nil})
				continue
			}
			if err := need(int(n)); err != nil {
				return nil, withField(err, f.Name)
			}
			raw := body[off : off+int(n)]
			off += int(n)
			off += padLen(int(n))
			if err := need(0); err != nil {
				return nil, withField(err, f.Name)
			}
			if raw[n-1] != 0 {
				return nil, protoerr.New(protoerr.KindBadString)
			}
			s := string(raw[:n-1])
			if !utf8.ValidString(s) {
				return nil, protoerr.New(protoerr.KindBadString)
			}
			args = append(args, Arg{Str: &s})

		case KindArray:
			if err := need(4); err != nil {
				return nil, withField(err, f.Name)
			}
			n := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if err := need(int(n)); err != nil {
				return nil, withField(err, f.Name)
			}
			raw := append([]byte(nil), body[off:off+int(n)]...)
			off += int(n)
			off += padLen(int(n))
			args = append(args, Arg{Bytes: raw})

		case KindNewIDVariable:
			if err := need(4); err != nil {
				return nil, withField(err, f.Name)
			}
			n := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if n == 0 {
				return nil, protoerr.New(protoerr.KindMissingArgument)
			}
			if err := need(int(n)); err != nil {
				return nil, withField(err, f.Name)
			}
			raw := body[off : off+int(n)]
			off += int(n)
			off += padLen(int(n))
			if raw[n-1] != 0 {
				return nil, protoerr.New(protoerr.KindBadString)
			}
			iface := string(raw[:n-1])
			if err := need(8); err != nil {
				return nil, withField(err, f.Name)
			}
			version := binary.LittleEndian.Uint32(body[off : off+4])
			id := binary.LittleEndian.Uint32(body[off+4 : off+8])
			off += 8
			args = append(args, Arg{NewIface: iface, NewVersion: version, U32: id})

		case KindFD:
			fd, ok := in.PopFD()
			if !ok {
				return nil, protoerr.MissingFd(f.Name)
			}
			args = append(args, Arg{FD: fd})

		default:
			panic("codec: unknown field kind")
		}
	}

	if off != len(body) {
		return nil, protoerr.New(protoerr.KindTrailingBytes)
	}

	return args, nil
}

func withField(err error, name string) error {
	if e, ok := errorField(err); ok {
		e.Field = name
	}
	return err
}

func padLen(n int) int {
	return (4 - n%4) % 4
}

// Encode appends a framed message for (objectID, opcode) built from sig and
// args into out.
func Encode(out *wire.OutBuffer, objectID uint32, opcode uint16, sig []Field, args []Arg) error {
	if len(args) != len(sig) {
		return protoerr.WrongMessageSize(len(args), len(sig))
	}

	tok := out.BeginMessage(objectID, opcode)

	for i, f := range sig {
		a := args[i]
		switch f.Kind {
		case KindUint, KindInt, KindFixed, KindObject, KindNewID:
			out.AppendWords(a.U32)

		case KindNullableObject:
			out.AppendWords(a.U32)

		case KindString:
			if a.Str == nil {
				return protoerr.MissingArgument(f.Name)
			}
			out.AppendBytesPadded(append([]byte(*a.Str), 0))

		case KindNullableString:
			if a.Str == nil {
				out.AppendWords(0)
			} else {
				out.AppendBytesPadded(append([]byte(*a.Str), 0))
			}

		case KindArray:
			out.AppendBytesPadded(a.Bytes)

		case KindNewIDVariable:
			out.AppendBytesPadded(append([]byte(a.NewIface), 0))
			out.AppendWords(a.NewVersion, a.U32)

		case KindFD:
			out.PushFD(a.FD)

		default:
			panic("codec: unknown field kind")
		}
	}

	out.EndMessage(tok)
	return nil
}

// errorField extracts the *protoerr.Error behind err, if any, so Decode can
// stamp the field name that was being decoded onto it.
func errorField(err error) (*protoerr.Error, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*protoerr.Error); ok {
			return e, true
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return nil, false
}
