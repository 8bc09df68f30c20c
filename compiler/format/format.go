package format

import (
	"github.com/nikandfor/hacked/hfmt"

	"github.com/casm-lang/libcjel-rt/compiler/ir"
)

// Format appends a text rendering of the IR tree rooted at id.
func Format(b []byte, p *ir.Package, id ir.Expr) []byte {
	return format(b, p, id, 0)
}

func format(b []byte, p *ir.Package, id ir.Expr, d int) []byte {
	if id == ir.Nil {
		return b
	}

	switch x := p.Exprs[id].(type) {
	case *ir.Intrinsic:
		b = app(b, d, "intrinsic %s(", x.Name)
		b = params(b, p, x.In)
		b = append(b, ") -> ("...)
		b = params(b, p, x.Out)
		b = append(b, ")"...)

		if len(x.Link) != 0 {
			b = append(b, " link ("...)
			b = params(b, p, x.Link)
			b = append(b, ")"...)
		}

		b = append(b, " {\n"...)
		b = format(b, p, x.Body, d+1)
		b = app(b, d, "}\n")
	case *ir.Function:
		b = app(b, d, "function %s(", x.Name)
		b = params(b, p, x.In)
		b = append(b, ") -> ("...)
		b = params(b, p, x.Out)
		b = append(b, ") {\n"...)
		b = format(b, p, x.Body, d+1)
		b = app(b, d, "}\n")
	case *ir.Module:
		b = app(b, d, "module %s\n", x.Name)

		for _, c := range x.Decls {
			b = format(b, p, c, d)
		}
	case ir.SequentialScope:
		b = app(b, d, "seq {\n")

		for _, c := range x.Blocks {
			b = format(b, p, c, d+1)
		}

		b = app(b, d, "}\n")
	case ir.ParallelScope:
		b = app(b, d, "par {\n")

		for _, c := range x.Blocks {
			b = format(b, p, c, d+1)
		}

		b = app(b, d, "}\n")
	case ir.Trivial:
		for _, c := range x.Code {
			b = format(b, p, c, d)
		}
	default:
		b = app(b, d, "")
		b = Value(b, p, id)
		b = append(b, '\n')
	}

	return b
}

// Value appends a one line rendering of a value node.
func Value(b []byte, p *ir.Package, id ir.Expr) []byte {
	x := p.Exprs[id]

	switch x := x.(type) {
	case ir.BitConst:
		return hfmt.Appendf(b, "%v %#x", p.EType[id], x.Value)
	case ir.StructConst:
		b = hfmt.Appendf(b, "%v {", p.EType[id])
		b = operands(b, x.Fields)
		return append(b, '}')
	case ir.StringConst:
		return hfmt.Appendf(b, "%q", x.Value)
	case ir.Ref:
		return hfmt.Appendf(b, "%%%s", x.Name)
	}

	b = hfmt.Appendf(b, "%%%d = %s", id, name(x))

	if x, ok := x.(ir.Instruction); ok {
		if ops := x.Operands(); len(ops) != 0 {
			b = append(b, ' ')
			b = operands(b, ops)
		}
	}

	return hfmt.Appendf(b, " : %v", p.EType[id])
}

func name(x any) string {
	switch x.(type) {
	case ir.Nop:
		return "nop"
	case ir.Alloc:
		return "alloc"
	case ir.ID:
		return "id"
	case ir.Cast:
		return "cast"
	case ir.Extract:
		return "extract"
	case ir.Load:
		return "load"
	case ir.Store:
		return "store"
	case ir.Not:
		return "not"
	case ir.Lnot:
		return "lnot"
	case ir.Zext:
		return "zext"
	case ir.Trunc:
		return "trunc"
	case ir.And:
		return "and"
	case ir.Or:
		return "or"
	case ir.Xor:
		return "xor"
	case ir.AddU:
		return "addu"
	case ir.AddS:
		return "adds"
	case ir.DivS:
		return "divs"
	case ir.ModU:
		return "modu"
	case ir.Equ:
		return "equ"
	case ir.Neq:
		return "neq"
	case ir.Call:
		return "call"
	case ir.IDCall:
		return "idcall"
	case ir.Stream:
		return "stream"
	case ir.Branch:
		return "branch"
	case ir.Loop:
		return "loop"
	case ir.Variable:
		return "variable"
	case ir.Memory:
		return "memory"
	case ir.Interconnect:
		return "interconnect"
	case ir.Structure:
		return "structure"
	default:
		return string(hfmt.Appendf(nil, "%T", x))
	}
}

func params(b []byte, p *ir.Package, l []ir.Expr) []byte {
	for i, id := range l {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = hfmt.Appendf(b, "%%%s %v", p.Exprs[id].(ir.Ref).Name, p.EType[id])
	}

	return b
}

func operands(b []byte, l []ir.Expr) []byte {
	for i, id := range l {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = hfmt.Appendf(b, "%%%d", id)
	}

	return b
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"

	b = append(b, tabs[:min(d, len(tabs))]...)
	b = hfmt.Appendf(b, f, args...)

	return b
}
