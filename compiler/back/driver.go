package back

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/format"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
)

// compileCallable compiles id and, before it, every callee it depends on.
func (b *Context) compileCallable(ctx context.Context, id ir.Expr) (err error) {
	if cl, ok := b.callables[id]; ok && cl.Ptr != 0 {
		return nil
	}

	switch x := b.Exprs[id].(type) {
	case *ir.Intrinsic, *ir.Function:
	default:
		return unsupported("callee", id, x)
	}

	if _, ok := b.compiling[id]; ok {
		return unsupported("recursive call", id, b.Exprs[id])
	}

	b.compiling[id] = struct{}{}
	defer delete(b.compiling, id)

	for _, dep := range b.Callees(id) {
		err = b.compileCallable(ctx, dep)
		if err != nil {
			return errors.Wrap(err, "callee %d", dep)
		}
	}

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: compile callable", "id", id, "typ", tlog.NextAsType, b.Exprs[id])
	defer tr.Finish("err", &err)

	if tr.If("dump_ir") {
		tr.Printw("ir", "text", format.Format(nil, b.Package, id))
	}

	b.reset()

	return b.Walk(id, ir.Visitor{
		Enter: b.enter,
		Mid:   b.interlog,
		Exit:  b.exit,
	})
}

func (b *Context) enter(id ir.Expr, x any) error {
	switch x := x.(type) {
	case *ir.Intrinsic:
		return b.prolog(id, x)
	case *ir.Function:
		return unsupported("function", id, x)
	case *ir.Module:
		return unsupported("module", id, x)
	case ir.Ref:
		if b.cur == nil {
			return errors.New("reference %v outside of callable", x.Name)
		}

		b.cur.Sig.AddArg(asm.TypeUIntPtr)

		return nil
	default:
		return b.lower(id)
	}
}

func (b *Context) prolog(id ir.Expr, x *ir.Intrinsic) error {
	if b.cur != nil {
		return unsupported("nested callable", id, x)
	}

	cl := &Callable{Name: x.Name}
	cl.Sig.Init(asm.CallConvHost, asm.TypeVoid)

	b.callables[id] = cl
	b.cur = cl

	return nil
}

func (b *Context) interlog(id ir.Expr, x any) error {
	f := x.(*ir.Intrinsic)

	if len(f.Link) != 0 {
		return unsupported("link parameter", f.Link[0], b.Exprs[f.Link[0]])
	}

	b.cc.AddFunc(f.Name, b.cur.Sig)

	for _, p := range f.In {
		_, err := b.allocate(p)
		if err != nil {
			return errors.Wrap(err, "in")
		}
	}

	for _, p := range f.Out {
		_, err := b.allocate(p)
		if err != nil {
			return errors.Wrap(err, "out")
		}
	}

	if b.cur.args != b.cur.Sig.ArgCount() {
		return errors.Wrap(asm.ErrSignature, "%v: %d args bound of %d", f.Name, b.cur.args, b.cur.Sig.ArgCount())
	}

	return nil
}

func (b *Context) exit(id ir.Expr, x any) error {
	if _, ok := x.(*ir.Intrinsic); !ok {
		return nil
	}

	ptr, err := b.finalize()
	if err != nil {
		return errors.Wrap(err, "%v", b.cur.Name)
	}

	b.cur.Ptr = ptr
	b.cur = nil

	return nil
}

// harness starts a function taking a single out pointer.
func (b *Context) harness(id ir.Expr, name string) asm.Reg {
	cl := &Callable{Name: name}
	cl.Sig.Init(asm.CallConvHost, asm.TypeVoid)
	cl.Sig.AddArg(asm.TypeUIntPtr)

	b.callables[id] = cl
	b.cur = cl

	b.cc.AddFunc(name, cl.Sig)

	out := b.cc.NewUIntPtr("out")
	b.cc.SetArg(0, out)
	cl.args = 1

	return out
}

// finalize ends the current function and registers it in the runtime.
func (b *Context) finalize() (asm.FuncPtr, error) {
	b.cc.EndFunc()

	err := b.cc.Finalize()
	if err != nil {
		return 0, errors.Wrap(err, "finalize")
	}

	ptr, err := b.rt.Add(b.code)
	if err != nil {
		return 0, errors.Wrap(err, "add code")
	}

	b.listing = append(b.listing, b.log.Bytes()...)

	tlog.V("asm").Printw("compiled", "name", b.cur.Name, "ptr", ptr, "listing", b.log.String())

	return ptr, nil
}
