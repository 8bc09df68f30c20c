package tp

import "strconv"

type (
	Type interface {
		Size() int
		String() string
	}

	// Bit is a bit-vector of Bits width.
	Bit struct {
		Bits int
	}

	Struct struct {
		Name   string
		Fields []StructField
	}

	StructField struct {
		Name string
		Type Type
	}

	Vector struct {
		X   Type
		Len int
	}

	// Func is a relation type of a callable.
	Func struct {
		In  []Type
		Out []Type
	}

	String struct{}

	Void struct{}
)

// Bytes returns number of bytes needed to store bits.
func Bytes(bits int) int {
	return (bits + 7) / 8
}

func (x Bit) Size() int { return Bytes(x.Bits) }

func (x Struct) Size() (s int) {
	for _, f := range x.Fields {
		s += f.Type.Size()
	}

	return s
}

// Offset returns byte offset of the i-th field.
// Fields are packed with no padding.
func (x Struct) Offset(i int) (off int) {
	for _, f := range x.Fields[:i] {
		off += f.Type.Size()
	}

	return off
}

func (x Vector) Size() int { return x.X.Size() * x.Len }

func (x Func) Size() int   { return 0 }
func (x String) Size() int { return 0 }
func (x Void) Size() int   { return 0 }

func (x Bit) String() string { return "u" + strconv.Itoa(x.Bits) }

func (x Struct) String() string {
	if x.Name != "" {
		return x.Name
	}

	b := []byte("struct{")

	for i, f := range x.Fields {
		if i != 0 {
			b = append(b, ", "...)
		}

		if f.Name != "" {
			b = append(b, f.Name...)
			b = append(b, ' ')
		}

		b = append(b, f.Type.String()...)
	}

	b = append(b, '}')

	return string(b)
}

func (x Vector) String() string {
	return "[" + strconv.Itoa(x.Len) + "]" + x.X.String()
}

func (x Func) String() string {
	b := []byte("(")
	b = appendList(b, x.In)
	b = append(b, ") -> ("...)
	b = appendList(b, x.Out)
	b = append(b, ')')

	return string(b)
}

func (x String) String() string { return "string" }
func (x Void) String() string   { return "void" }

// Members returns ordered member types of an aggregate.
// It returns nil for non-aggregates.
func Members(t Type) []Type {
	switch t := t.(type) {
	case Struct:
		r := make([]Type, len(t.Fields))

		for i, f := range t.Fields {
			r[i] = f.Type
		}

		return r
	case Vector:
		r := make([]Type, t.Len)

		for i := range r {
			r[i] = t.X
		}

		return r
	}

	return nil
}

// Offset returns byte offset of the i-th member of an aggregate.
func Offset(t Type, i int) (off int) {
	for _, m := range Members(t)[:i] {
		off += m.Size()
	}

	return off
}

func IsAggregate(t Type) bool {
	switch t.(type) {
	case Struct, Vector:
		return true
	}

	return false
}

func Equal(x, y Type) bool {
	switch x := x.(type) {
	case Bit:
		y, ok := y.(Bit)
		return ok && x.Bits == y.Bits
	case Struct:
		y, ok := y.(Struct)
		if !ok || x.Name != y.Name || len(x.Fields) != len(y.Fields) {
			return false
		}

		for i := range x.Fields {
			if !Equal(x.Fields[i].Type, y.Fields[i].Type) {
				return false
			}
		}

		return true
	case Vector:
		y, ok := y.(Vector)
		return ok && x.Len == y.Len && Equal(x.X, y.X)
	case Func:
		y, ok := y.(Func)
		return ok && equalList(x.In, y.In) && equalList(x.Out, y.Out)
	case String:
		_, ok := y.(String)
		return ok
	case Void:
		_, ok := y.(Void)
		return ok
	}

	return false
}

func equalList(x, y []Type) bool {
	if len(x) != len(y) {
		return false
	}

	for i := range x {
		if !Equal(x[i], y[i]) {
			return false
		}
	}

	return true
}

func appendList(b []byte, l []Type) []byte {
	for i, t := range l {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = append(b, t.String()...)
	}

	return b
}
