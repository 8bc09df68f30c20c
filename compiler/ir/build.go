package ir

import "github.com/casm-lang/libcjel-rt/compiler/tp"

func New(name string) *Package {
	return &Package{Name: name}
}

func (p *Package) Intrinsic(name string) Expr {
	return p.Add(&Intrinsic{Name: name, Body: Nil}, tp.Func{})
}

func (p *Package) Function(name string) Expr {
	return p.Add(&Function{Name: name, Body: Nil}, tp.Func{})
}

func (p *Package) Module(name string, decls ...Expr) Expr {
	return p.Add(&Module{Name: name, Decls: decls}, tp.Void{})
}

// In adds an input parameter to the callable.
func (p *Package) In(callable Expr, name string, t tp.Type) Expr {
	return p.param(callable, name, t, false)
}

// Out adds an output parameter to the callable.
func (p *Package) Out(callable Expr, name string, t tp.Type) Expr {
	return p.param(callable, name, t, true)
}

func (p *Package) param(callable Expr, name string, t tp.Type, out bool) Expr {
	id := p.Add(Ref{Name: name, Callable: callable, Out: out}, t)

	ft := p.EType[callable].(tp.Func)

	switch f := p.Exprs[callable].(type) {
	case *Intrinsic:
		if out {
			f.Out = append(f.Out, id)
		} else {
			f.In = append(f.In, id)
		}
	case *Function:
		if out {
			f.Out = append(f.Out, id)
		} else {
			f.In = append(f.In, id)
		}
	default:
		panic(f)
	}

	if out {
		ft.Out = append(ft.Out[:len(ft.Out):len(ft.Out)], t)
	} else {
		ft.In = append(ft.In[:len(ft.In):len(ft.In)], t)
	}

	p.EType[callable] = ft

	return id
}

// Link adds a link parameter to the intrinsic.
func (p *Package) Link(callable Expr, name string, t tp.Type) Expr {
	id := p.Add(Ref{Name: name, Callable: callable}, t)

	f := p.Exprs[callable].(*Intrinsic)
	f.Link = append(f.Link, id)

	return id
}

func (p *Package) SetBody(callable, body Expr) {
	switch f := p.Exprs[callable].(type) {
	case *Intrinsic:
		f.Body = body
	case *Function:
		f.Body = body
	default:
		panic(f)
	}
}

func (p *Package) Sequential(blocks ...Expr) Expr {
	return p.Add(SequentialScope{Blocks: blocks}, tp.Void{})
}

func (p *Package) Parallel(blocks ...Expr) Expr {
	return p.Add(ParallelScope{Blocks: blocks}, tp.Void{})
}

func (p *Package) Trivial(code ...Expr) Expr {
	return p.Add(Trivial{Code: code}, tp.Void{})
}

func (p *Package) Branch(cond Expr, blocks ...Expr) Expr {
	return p.Add(Branch{Cond: cond, Blocks: blocks}, tp.Void{})
}

func (p *Package) Loop(cond, body Expr) Expr {
	return p.Add(Loop{Cond: cond, Body: body}, tp.Void{})
}

func (p *Package) Bit(bits int, v uint64) Expr {
	return p.Add(BitConst{Value: mask(bits, v)}, tp.Bit{Bits: bits})
}

func (p *Package) Struct(t tp.Type, fields ...Expr) Expr {
	return p.Add(StructConst{Fields: fields}, t)
}

func (p *Package) Str(s string) Expr {
	return p.Add(StringConst{Value: s}, tp.String{})
}

func (p *Package) Nop() Expr { return p.Add(Nop{}, tp.Void{}) }

func (p *Package) Alloc(t tp.Type) Expr { return p.Add(Alloc{}, t) }

func (p *Package) ID(x Expr) Expr { return p.Add(ID{X: x}, p.EType[x]) }

func (p *Package) Cast(x Expr, t tp.Type) Expr { return p.Add(Cast{X: x}, t) }

// Extract selects a member of an aggregate by constant index.
// Its type is void if the index is not a valid member constant.
func (p *Package) Extract(base, index Expr) Expr {
	var t tp.Type = tp.Void{}

	if c, ok := p.Exprs[index].(BitConst); ok {
		if ms := tp.Members(p.EType[base]); c.Value < uint64(len(ms)) {
			t = ms[c.Value]
		}
	}

	return p.Add(Extract{Base: base, Index: index}, t)
}

func (p *Package) Load(src Expr) Expr { return p.Add(Load{Src: src}, p.EType[src]) }

func (p *Package) Store(src, dst Expr) Expr { return p.Add(Store{Src: src, Dst: dst}, tp.Void{}) }

func (p *Package) Not(x Expr) Expr  { return p.Add(Not{X: x}, p.EType[x]) }
func (p *Package) Lnot(x Expr) Expr { return p.Add(Lnot{X: x}, tp.Bit{Bits: 1}) }

func (p *Package) Zext(x Expr, t tp.Type) Expr  { return p.Add(Zext{X: x}, t) }
func (p *Package) Trunc(x Expr, t tp.Type) Expr { return p.Add(Trunc{X: x}, t) }

func (p *Package) And(l, r Expr) Expr  { return p.Add(And{L: l, R: r}, p.EType[l]) }
func (p *Package) Or(l, r Expr) Expr   { return p.Add(Or{L: l, R: r}, p.EType[l]) }
func (p *Package) Xor(l, r Expr) Expr  { return p.Add(Xor{L: l, R: r}, p.EType[l]) }
func (p *Package) AddU(l, r Expr) Expr { return p.Add(AddU{L: l, R: r}, p.EType[l]) }
func (p *Package) AddS(l, r Expr) Expr { return p.Add(AddS{L: l, R: r}, p.EType[l]) }
func (p *Package) DivS(l, r Expr) Expr { return p.Add(DivS{L: l, R: r}, p.EType[l]) }
func (p *Package) ModU(l, r Expr) Expr { return p.Add(ModU{L: l, R: r}, p.EType[l]) }
func (p *Package) Equ(l, r Expr) Expr  { return p.Add(Equ{L: l, R: r}, tp.Bit{Bits: 1}) }
func (p *Package) Neq(l, r Expr) Expr  { return p.Add(Neq{L: l, R: r}, tp.Bit{Bits: 1}) }

// Call has the type of the single callee output, void otherwise.
func (p *Package) Call(callee Expr, args ...Expr) Expr {
	var t tp.Type = tp.Void{}

	if ft, ok := p.EType[callee].(tp.Func); ok && len(ft.Out) == 1 {
		t = ft.Out[0]
	}

	return p.Add(Call{Callee: callee, Args: args}, t)
}

func (p *Package) IDCall(id Expr, args ...Expr) Expr {
	return p.Add(IDCall{ID: id, Args: args}, tp.Void{})
}

func (p *Package) Stream(ch Expr, args ...Expr) Expr {
	return p.Add(Stream{Channel: ch, Args: args}, tp.Void{})
}

func mask(bits int, v uint64) uint64 {
	if bits <= 0 {
		return 0
	}

	if bits >= 64 {
		return v
	}

	return v & (1<<bits - 1)
}
