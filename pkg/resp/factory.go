package resp

// Factory builds reply values as the Reader parses the wire stream. Tests
// can supply a mock factory to observe parse structure directly instead of
// building the default Reply tree.
type Factory interface {
	NewInteger(v int64) any
	NewDouble(v float64) any
	NewNil() any
	NewBool(v bool) any
	NewString(t Type, s string) any
	NewArray(t Type, elems []any) any
	Free(v any)
}

// defaultFactory builds *Reply values, the structure used throughout this
// package and by router when no custom Factory is supplied.
type defaultFactory struct{}

func (defaultFactory) NewInteger(v int64) any { return &Reply{Type: TypeInteger, Int: v} }
func (defaultFactory) NewDouble(v float64) any { return &Reply{Type: TypeDouble, Dbl: v} }
func (defaultFactory) NewNil() any             { return &Reply{Type: TypeNull, Null: true} }
func (defaultFactory) NewBool(v bool) any      { return &Reply{Type: TypeBoolean, Bool: v} }

func (defaultFactory) NewString(t Type, s string) any {
	return &Reply{Type: t, Str: s}
}

func (defaultFactory) NewArray(t Type, elems []any) any {
	r := &Reply{Type: t}
	if elems == nil {
		r.Null = true
		return r
	}
	r.Array = make([]*Reply, len(elems))
	for i, e := range elems {
		r.Array[i], _ = e.(*Reply)
	}
	return r
}

func (defaultFactory) Free(any) {}

// DefaultFactory is the Factory used by Reader when none is supplied.
var DefaultFactory Factory = defaultFactory{}
