package resp

import (
	"strconv"
)

// FormatCommand encodes args as a RESP array of bulk strings, the wire
// framing every command (including the router's own bookkeeping commands
// like AUTH, ASKING, CLUSTER SLOTS/NODES) must use. General printf-style
// command formatting from variadic arguments is the external
// command-formatter's job (see spec.md §1); this is the fixed-arity
// helper the router itself needs.
func FormatCommand(args ...string) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// Encode serializes a Reply back into wire bytes. It is used by tests that
// check the round-trip property and by the loopback fake servers used in
// router's integration tests.
func (r *Reply) Encode() []byte {
	if r == nil {
		return []byte("_\r\n")
	}
	switch r.Type {
	case TypeSimpleString, TypeError:
		return encodeLine(byte(r.Type), r.Str)
	case TypeInteger:
		return encodeLine(byte(r.Type), strconv.FormatInt(r.Int, 10))
	case TypeDouble:
		return encodeLine(byte(r.Type), strconv.FormatFloat(r.Dbl, 'g', -1, 64))
	case TypeNull:
		return []byte("_\r\n")
	case TypeBoolean:
		if r.Bool {
			return []byte("#t\r\n")
		}
		return []byte("#f\r\n")
	case TypeBigNumber:
		return encodeLine(byte(r.Type), r.Str)
	case TypeBulkString:
		if r.Null {
			return []byte("$-1\r\n")
		}
		return encodeBulk('$', r.Str)
	case TypeVerbatim:
		return encodeBulk('=', r.Verb+":"+r.Str)
	case TypeArray, TypeSet, TypePush, TypeMap, TypeAttribute:
		return r.encodeAggregate()
	default:
		return nil
	}
}

func (r *Reply) encodeAggregate() []byte {
	if r.Null {
		return []byte(string(r.Type) + "-1\r\n")
	}
	n := len(r.Array)
	if r.Type == TypeMap || r.Type == TypeAttribute {
		n /= 2
	}
	out := append([]byte{byte(r.Type)}, []byte(strconv.Itoa(n))...)
	out = append(out, '\r', '\n')
	for _, e := range r.Array {
		out = append(out, e.Encode()...)
	}
	return out
}

func encodeLine(tag byte, s string) []byte {
	out := make([]byte, 0, len(s)+3)
	out = append(out, tag)
	out = append(out, s...)
	out = append(out, '\r', '\n')
	return out
}

func encodeBulk(tag byte, s string) []byte {
	out := append([]byte{tag}, []byte(strconv.Itoa(len(s)))...)
	out = append(out, '\r', '\n')
	out = append(out, s...)
	out = append(out, '\r', '\n')
	return out
}
