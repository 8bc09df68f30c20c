package ir

import (
	"tlog.app/go/tlog/tlwire"

	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

type (
	Expr int

	Package struct {
		Name string

		Exprs []any
		EType []tp.Type
	}

	// Instruction is a node computing a value from its operands.
	Instruction interface {
		Operands() []Expr
	}

	// Operator is a pure unary or binary instruction.
	Operator interface {
		Instruction

		operator()
	}

	Module struct {
		Name  string
		Decls []Expr
	}

	Function struct {
		Name string

		In  []Expr
		Out []Expr

		Body Expr
	}

	Intrinsic struct {
		Name string

		In   []Expr
		Out  []Expr
		Link []Expr

		Body Expr
	}

	// Ref is a formal parameter of a callable.
	Ref struct {
		Name     string
		Callable Expr
		Out      bool
	}

	Structure struct {
		Name string
	}

	Variable struct {
		Name string
	}

	Memory struct {
		Name string
		Len  int
	}

	Interconnect struct {
		Name    string
		Objects []Expr
	}

	ParallelScope struct {
		Blocks []Expr
	}

	SequentialScope struct {
		Blocks []Expr
	}

	// Trivial is a straight-line statement.
	Trivial struct {
		Code []Expr
	}

	Branch struct {
		Cond   Expr
		Blocks []Expr
	}

	Loop struct {
		Cond Expr
		Body Expr
	}

	BitConst struct {
		Value uint64
	}

	StructConst struct {
		Fields []Expr
	}

	StringConst struct {
		Value string
	}

	Nop struct{}

	// Alloc reserves zero initialized storage of its type.
	Alloc struct{}

	ID struct{ X Expr }

	Cast struct{ X Expr }

	Extract struct {
		Base  Expr
		Index Expr
	}

	Load struct {
		Src Expr
	}

	Store struct {
		Src Expr
		Dst Expr
	}

	Not  struct{ X Expr }
	Lnot struct{ X Expr }
	Zext struct{ X Expr }

	Trunc struct{ X Expr }

	And  struct{ L, R Expr }
	Or   struct{ L, R Expr }
	Xor  struct{ L, R Expr }
	AddU struct{ L, R Expr }
	AddS struct{ L, R Expr }
	DivS struct{ L, R Expr }
	ModU struct{ L, R Expr }
	Equ  struct{ L, R Expr }
	Neq  struct{ L, R Expr }

	Call struct {
		Callee Expr
		Args   []Expr
	}

	IDCall struct {
		ID   Expr
		Args []Expr
	}

	Stream struct {
		Channel Expr
		Args    []Expr
	}
)

const Nil Expr = -1

func (x Nop) Operands() []Expr     { return nil }
func (x Alloc) Operands() []Expr   { return nil }
func (x ID) Operands() []Expr      { return []Expr{x.X} }
func (x Cast) Operands() []Expr    { return []Expr{x.X} }
func (x Extract) Operands() []Expr { return []Expr{x.Base, x.Index} }
func (x Load) Operands() []Expr    { return []Expr{x.Src} }
func (x Store) Operands() []Expr   { return []Expr{x.Src, x.Dst} }
func (x Not) Operands() []Expr     { return []Expr{x.X} }
func (x Lnot) Operands() []Expr    { return []Expr{x.X} }
func (x Zext) Operands() []Expr    { return []Expr{x.X} }
func (x Trunc) Operands() []Expr   { return []Expr{x.X} }
func (x And) Operands() []Expr     { return []Expr{x.L, x.R} }
func (x Or) Operands() []Expr      { return []Expr{x.L, x.R} }
func (x Xor) Operands() []Expr     { return []Expr{x.L, x.R} }
func (x AddU) Operands() []Expr    { return []Expr{x.L, x.R} }
func (x AddS) Operands() []Expr    { return []Expr{x.L, x.R} }
func (x DivS) Operands() []Expr    { return []Expr{x.L, x.R} }
func (x ModU) Operands() []Expr    { return []Expr{x.L, x.R} }
func (x Equ) Operands() []Expr     { return []Expr{x.L, x.R} }
func (x Neq) Operands() []Expr     { return []Expr{x.L, x.R} }

func (x Call) Operands() []Expr {
	return append([]Expr{x.Callee}, x.Args...)
}

func (x IDCall) Operands() []Expr {
	return append([]Expr{x.ID}, x.Args...)
}

func (x Stream) Operands() []Expr {
	return append([]Expr{x.Channel}, x.Args...)
}

func (Cast) operator()  {}
func (ID) operator()    {}
func (Not) operator()   {}
func (Lnot) operator()  {}
func (Zext) operator()  {}
func (Trunc) operator() {}
func (And) operator()   {}
func (Or) operator()    {}
func (Xor) operator()   {}
func (AddU) operator()  {}
func (AddS) operator()  {}
func (DivS) operator()  {}
func (ModU) operator()  {}
func (Equ) operator()   {}
func (Neq) operator()   {}

// IsConst reports whether x is a constant node.
func IsConst(x any) bool {
	switch x.(type) {
	case BitConst, StructConst, StringConst:
		return true
	}

	return false
}

func (p *Package) Type(id Expr) tp.Type {
	return p.EType[id]
}

func (p *Package) Add(x any, t tp.Type) Expr {
	id := Expr(len(p.Exprs))

	p.Exprs = append(p.Exprs, x)
	p.EType = append(p.EType, t)

	return id
}

func (x Ref) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)
	b = e.AppendKeyValue(b, "name", x.Name)
	b = e.AppendKeyInt(b, "callable", int(x.Callable))
	b = e.AppendKeyValue(b, "out", x.Out)

	return b
}
