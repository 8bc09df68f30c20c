package ir

import (
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"

	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

type (
	// Const is a constant value owned by the caller.
	// Bit values use Bits, aggregates use Fields.
	Const struct {
		Type   tp.Type
		Bits   uint64
		Fields []Const
	}
)

func BitValue(bits int, v uint64) Const {
	return Const{Type: tp.Bit{Bits: bits}, Bits: mask(bits, v)}
}

func StructValue(t tp.Type, fields ...Const) Const {
	return Const{Type: t, Fields: fields}
}

func (c Const) IsZero() bool { return c.Type == nil }

func (c Const) Equal(d Const) bool {
	if c.Type == nil || d.Type == nil {
		return c.Type == nil && d.Type == nil
	}

	if !tp.Equal(c.Type, d.Type) || c.Bits != d.Bits || len(c.Fields) != len(d.Fields) {
		return false
	}

	for i := range c.Fields {
		if !c.Fields[i].Equal(d.Fields[i]) {
			return false
		}
	}

	return true
}

func (c Const) String() string {
	return string(c.AppendTo(nil))
}

func (c Const) AppendTo(b []byte) []byte {
	if c.Type == nil {
		return append(b, "<nil>"...)
	}

	if _, ok := c.Type.(tp.Bit); ok {
		b = append(b, c.Type.String()...)
		b = append(b, ":0x"...)
		b = strconv.AppendUint(b, c.Bits, 16)

		return b
	}

	b = append(b, c.Type.String()...)
	b = append(b, '{')

	for i, f := range c.Fields {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = f.AppendTo(b)
	}

	b = append(b, '}')

	return b
}

func (c Const) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, c.String())
}

// Const adds constant nodes holding c to the package.
func (p *Package) Const(c Const) (Expr, error) {
	switch t := c.Type.(type) {
	case tp.Bit:
		return p.Bit(t.Bits, c.Bits), nil
	case tp.Struct, tp.Vector:
		ms := tp.Members(t)
		if len(ms) != len(c.Fields) {
			return Nil, errors.New("%v: %d fields expected, got %d", t, len(ms), len(c.Fields))
		}

		fs := make([]Expr, len(c.Fields))

		for i, f := range c.Fields {
			if !tp.Equal(ms[i], f.Type) {
				return Nil, errors.New("%v: field %d: type mismatch: %v", t, i, f.Type)
			}

			id, err := p.Const(f)
			if err != nil {
				return Nil, errors.Wrap(err, "field %d", i)
			}

			fs[i] = id
		}

		return p.Struct(t, fs...), nil
	default:
		return Nil, errors.New("unsupported constant type: %v", c.Type)
	}
}

// Value reads constant node id back.
func (p *Package) Value(id Expr) (Const, error) {
	switch x := p.Exprs[id].(type) {
	case BitConst:
		t, ok := p.EType[id].(tp.Bit)
		if !ok {
			return Const{}, errors.New("bit constant of type %v", p.EType[id])
		}

		return BitValue(t.Bits, x.Value), nil
	case StructConst:
		c := Const{Type: p.EType[id], Fields: make([]Const, len(x.Fields))}

		for i, f := range x.Fields {
			v, err := p.Value(f)
			if err != nil {
				return Const{}, errors.Wrap(err, "field %d", i)
			}

			c.Fields[i] = v
		}

		return c, nil
	default:
		return Const{}, errors.New("not a constant: %T", x)
	}
}
