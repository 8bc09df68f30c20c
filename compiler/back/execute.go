package back

import (
	"context"
	"encoding/binary"

	"fortio.org/safecast"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

// executeOperator runs a unary or binary instruction over constants.
func (b *Context) executeOperator(ctx context.Context, id ir.Expr) (res ir.Const, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: execute operator", "id", id)
	defer tr.Finish("err", &err)

	x := b.Exprs[id].(ir.Operator)

	ops := x.Operands()
	if len(ops) > 2 {
		return res, unsupported("operand count", id, x)
	}

	for _, op := range ops {
		if !ir.IsConst(b.Exprs[op]) {
			return res, unsupported("non constant operand", op, b.Exprs[op])
		}
	}

	t, ok := b.EType[id].(tp.Bit)
	if !ok || t.Bits <= 0 || t.Bits > 64 {
		return res, unsupported("result type", id, b.EType[id])
	}

	b.reset()

	out := b.harness(id, "operator")

	err = b.Walk(id, ir.Visitor{Enter: b.enter})
	if err != nil {
		return res, err
	}

	r, ok := b.val2reg[id]
	if !ok {
		return res, unsupported("result", id, x)
	}

	b.cc.Mov(asm.Ptr(out, 0, asm.Size(t.Size())), r)

	buf, err := b.run(ctx, t.Size())
	if err != nil {
		return res, err
	}

	return b.decode(id, b.EType[id], buf)
}

// executeCall compiles the callees, then a harness calling them.
// Allocated operands are copied into the out buffer and decoded,
// without them the call result itself is.
func (b *Context) executeCall(ctx context.Context, id ir.Expr) (res ir.Const, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: execute call", "id", id)
	defer tr.Finish("err", &err)

	x := b.Exprs[id].(ir.Call)

	for _, dep := range b.Callees(id) {
		err = b.compileCallable(ctx, dep)
		if err != nil {
			return res, errors.Wrap(err, "callee %d", dep)
		}
	}

	b.reset()

	out := b.harness(id, "harness")

	err = b.Walk(id, ir.Visitor{Enter: b.enter})
	if err != nil {
		return res, err
	}

	off := 0

	for i, a := range x.Args {
		if _, ok := b.Exprs[a].(ir.Alloc); !ok {
			continue
		}

		r, err := b.value(a)
		if err != nil {
			return res, errors.Wrap(err, "arg %d", i)
		}

		size := b.EType[a].Size()

		disp, err := safecast.Conv[int32](off)
		if err != nil {
			return res, errors.Wrap(err, "arg %d", i)
		}

		err = b.copyBytes(out, disp, r, 0, size)
		if err != nil {
			return res, errors.Wrap(err, "arg %d", i)
		}

		off += size
	}

	t := b.EType[id]

	if off == 0 {
		err = b.storeResult(id, t, out)
		if err != nil {
			return res, err
		}

		off = t.Size()
	}

	buf, err := b.run(ctx, off)
	if err != nil {
		return res, err
	}

	return b.decode(id, t, buf)
}

// storeResult copies the call result into out
// when no allocated operand carries it.
func (b *Context) storeResult(id ir.Expr, t tp.Type, out asm.Reg) error {
	if _, ok := t.(tp.Void); ok {
		return unsupported("value to return", id, t)
	}

	r, ok := b.val2reg[id]
	if !ok {
		return unsupported("value to return", id, t)
	}

	if tp.IsAggregate(t) {
		return b.copyBytes(out, 0, r, 0, t.Size())
	}

	b.cc.Mov(asm.Ptr(out, 0, asm.Size(t.Size())), r)

	return nil
}

// run finalizes the harness and calls it against a scratch buffer.
func (b *Context) run(ctx context.Context, size int) (buf []byte, err error) {
	ptr, err := b.finalize()
	if err != nil {
		return nil, errors.Wrap(err, "harness")
	}

	b.cur.Ptr = ptr

	buf = make([]byte, max(size, b.cfg.ScratchSize))

	for i := range buf {
		buf[i] = 0xff
	}

	err = b.rt.Call(ptr, buf)
	if err != nil {
		return nil, errors.Wrap(err, "call harness")
	}

	tlog.SpanFromContext(ctx).V("scratch").Printw("scratch", "buf", buf)

	return buf, nil
}

// decode reads a value of type t from the leading bytes of buf.
func (b *Context) decode(id ir.Expr, t tp.Type, buf []byte) (ir.Const, error) {
	switch t := t.(type) {
	case tp.Bit:
		if t.Bits <= 0 || t.Bits > 64 {
			return ir.Const{}, unsupported("bit width", id, t)
		}

		if len(buf) < t.Size() {
			return ir.Const{}, errors.New("result of %d bytes in %d byte buffer", t.Size(), len(buf))
		}

		var w [8]byte
		copy(w[:], buf[:t.Size()])

		return ir.BitValue(t.Bits, binary.LittleEndian.Uint64(w[:])), nil
	case tp.Struct, tp.Vector:
		ms := tp.Members(t)
		fs := make([]ir.Const, len(ms))

		off := 0

		for i, m := range ms {
			if _, ok := m.(tp.Bit); !ok {
				return ir.Const{}, unsupported("value to return", id, t)
			}

			f, err := b.decode(id, m, buf[off:])
			if err != nil {
				return ir.Const{}, errors.Wrap(err, "field %d", i)
			}

			fs[i] = f
			off += m.Size()
		}

		return ir.StructValue(t, fs...), nil
	default:
		return ir.Const{}, unsupported("value to return", id, t)
	}
}
