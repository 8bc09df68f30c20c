package back

import (
	"fortio.org/safecast"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

// lower emits code for node id.
// Value producing nodes are lowered once.
func (b *Context) lower(id ir.Expr) (err error) {
	if _, ok := b.val2reg[id]; ok {
		return nil
	}

	if _, ok := b.val2mem[id]; ok {
		return nil
	}

	x := b.Exprs[id]

	tlog.V("lower").Printw("lower", "id", id, "typ", tlog.NextAsType, x, "val", x, "type", b.EType[id])

	switch x := x.(type) {
	case ir.Nop, ir.SequentialScope, ir.ParallelScope, ir.Trivial:
		return nil
	case ir.BitConst, ir.StructConst, ir.Alloc:
		_, err = b.allocate(id)
		return err
	case ir.Extract:
		return b.extract(id, x)
	case ir.Load:
		return b.load(id, x)
	case ir.Store:
		return b.store(id, x)
	case ir.Not:
		return b.not(id, x)
	case ir.Lnot:
		return b.compare(id, asm.OpJe, x.X, ir.Nil)
	case ir.And:
		return b.binary(id, asm.OpAnd, x.L, x.R)
	case ir.Or:
		return b.binary(id, asm.OpOr, x.L, x.R)
	case ir.AddU:
		return b.binary(id, asm.OpAdd, x.L, x.R)
	case ir.Equ:
		return b.compare(id, asm.OpJe, x.L, x.R)
	case ir.Neq:
		return b.compare(id, asm.OpJne, x.L, x.R)
	case ir.Trunc:
		return b.trunc(id, x)
	case ir.Call:
		return b.call(id, x)
	case ir.Ref:
		_, err = b.allocate(id)
		return err
	case ir.StringConst:
		return unsupported("constant", id, x)
	default:
		return unsupported("instruction", id, x)
	}
}

func (b *Context) bitConst(id ir.Expr, x ir.BitConst, r asm.Reg) error {
	t, ok := b.EType[id].(tp.Bit)
	if !ok || t.Bits <= 0 || t.Bits > 64 {
		return unsupported("constant type", id, b.EType[id])
	}

	b.cc.Mov(r, asm.Imm(x.Value))

	return nil
}

// structConst packs fields into a stack slot in declaration order.
func (b *Context) structConst(id ir.Expr, x ir.StructConst, r asm.Reg) error {
	t := b.EType[id]
	ms := tp.Members(t)

	if len(ms) != len(x.Fields) {
		return errors.New("struct constant %d: %d fields for %v", id, len(x.Fields), t)
	}

	b.cc.Lea(r, b.cc.NewStack(t.Size(), 1))

	off := 0

	for i, f := range x.Fields {
		fr, err := b.allocate(f)
		if err != nil {
			return errors.Wrap(err, "field %d", i)
		}

		size := ms[i].Size()

		disp, err := safecast.Conv[int32](off)
		if err != nil {
			return errors.Wrap(err, "field %d", i)
		}

		if tp.IsAggregate(ms[i]) {
			err = b.copyBytes(r, disp, fr, 0, size)
			if err != nil {
				return errors.Wrap(err, "field %d", i)
			}
		} else {
			b.cc.Mov(asm.Ptr(r, disp, asm.Size(size)), fr)
		}

		off += size
	}

	return nil
}

func (b *Context) extract(id ir.Expr, x ir.Extract) error {
	bt := b.EType[x.Base]

	ms := tp.Members(bt)
	if ms == nil {
		return unsupported("extract base", x.Base, bt)
	}

	c, ok := b.Exprs[x.Index].(ir.BitConst)
	if !ok {
		return unsupported("extract index", x.Index, b.Exprs[x.Index])
	}

	if c.Value >= uint64(len(ms)) {
		return errors.New("extract %d: member %d of %v", id, c.Value, bt)
	}

	base, err := b.addr(x.Base)
	if err != nil {
		return errors.Wrap(err, "base")
	}

	i := int(c.Value)

	disp, err := safecast.Conv[int32](tp.Offset(bt, i))
	if err != nil {
		return errors.Wrap(err, "offset")
	}

	b.val2mem[id] = asm.Ptr(base, disp, asm.Size(ms[i].Size()))

	return nil
}

func (b *Context) load(id ir.Expr, x ir.Load) error {
	m, err := b.mem(x.Src)
	if err != nil {
		return errors.Wrap(err, "src")
	}

	r, err := b.allocate(id)
	if err != nil {
		return err
	}

	if tp.IsAggregate(b.EType[id]) {
		b.cc.Lea(r, m)
	} else {
		b.cc.Mov(r, m)
	}

	return nil
}

func (b *Context) store(id ir.Expr, x ir.Store) error {
	m, err := b.mem(x.Dst)
	if err != nil {
		return errors.Wrap(err, "dst")
	}

	t := b.EType[x.Dst]

	if tp.IsAggregate(t) {
		src, err := b.addr(x.Src)
		if err != nil {
			return errors.Wrap(err, "src")
		}

		return b.copyBytes(m.Base, m.Disp, src, 0, t.Size())
	}

	src, err := b.scalar(x.Src)
	if err != nil {
		return errors.Wrap(err, "src")
	}

	b.cc.Mov(m, src)

	return nil
}

func (b *Context) not(id ir.Expr, x ir.Not) error {
	r, err := b.allocate(id)
	if err != nil {
		return err
	}

	v, err := b.scalar(x.X)
	if err != nil {
		return err
	}

	b.cc.Mov(r, v)
	b.cc.Not(r)
	b.fit(id, r)

	return nil
}

func (b *Context) binary(id ir.Expr, op asm.Op, l, r ir.Expr) error {
	res, err := b.allocate(id)
	if err != nil {
		return err
	}

	lr, err := b.scalar(l)
	if err != nil {
		return errors.Wrap(err, "lhs")
	}

	rr, err := b.scalar(r)
	if err != nil {
		return errors.Wrap(err, "rhs")
	}

	b.cc.Mov(res, lr)

	switch op {
	case asm.OpAnd:
		b.cc.And(res, rr)
	case asm.OpOr:
		b.cc.Or(res, rr)
	case asm.OpAdd:
		b.cc.Add(res, rr)
		b.fit(id, res)
	}

	return nil
}

// compare sets 1-bit result to the outcome of comparing l and r.
// Nil r compares with zero.
func (b *Context) compare(id ir.Expr, jump asm.Op, l, r ir.Expr) error {
	res, err := b.allocate(id)
	if err != nil {
		return err
	}

	lr, err := b.scalar(l)
	if err != nil {
		return errors.Wrap(err, "lhs")
	}

	var rr asm.Operand = asm.Imm(0)

	if r != ir.Nil {
		rr, err = b.scalar(r)
		if err != nil {
			return errors.Wrap(err, "rhs")
		}
	}

	yes := b.cc.NewLabel()
	exit := b.cc.NewLabel()

	b.cc.Cmp(lr, rr)

	if jump == asm.OpJe {
		b.cc.Je(yes)
	} else {
		b.cc.Jne(yes)
	}

	b.cc.Mov(res, asm.Imm(0))
	b.cc.Jmp(exit)
	b.cc.Bind(yes)
	b.cc.Mov(res, asm.Imm(1))
	b.cc.Bind(exit)

	return nil
}

// trunc reuses the operand register as a narrower view.
// Widths not filling the view are masked into a copy.
func (b *Context) trunc(id ir.Expr, x ir.Trunc) error {
	to, ok := b.EType[id].(tp.Bit)
	if !ok || to.Bits <= 0 {
		return unsupported("trunc type", id, b.EType[id])
	}

	from, ok := b.EType[x.X].(tp.Bit)
	if !ok || from.Bits < to.Bits {
		return unsupported("trunc operand", x.X, b.EType[x.X])
	}

	v, err := b.scalar(x.X)
	if err != nil {
		return err
	}

	size := asm.SizeOf(to.Bits)

	if int(size)*8 == to.Bits {
		b.val2reg[id] = v.View(size)
		return nil
	}

	r, err := b.allocate(id)
	if err != nil {
		return err
	}

	b.cc.Mov(r, v)
	b.fit(id, r)

	return nil
}

func (b *Context) call(id ir.Expr, x ir.Call) error {
	cl, ok := b.callables[x.Callee]
	if !ok || cl.Ptr == 0 {
		return unsupported("callee", x.Callee, b.Exprs[x.Callee])
	}

	if len(x.Args) != cl.Sig.ArgCount() {
		return errors.Wrap(asm.ErrSignature, "call %v: %d args, want %d", cl.Name, len(x.Args), cl.Sig.ArgCount())
	}

	t := b.EType[id]

	var res asm.Reg
	_, void := t.(tp.Void)

	if !void {
		var err error

		res, err = b.allocate(id)
		if err != nil {
			return err
		}
	}

	args := make([]asm.Operand, len(x.Args))

	for i, a := range x.Args {
		r, err := b.pointer(a)
		if err != nil {
			return errors.Wrap(err, "arg %d", i)
		}

		args[i] = r
	}

	fp := b.cc.NewUIntPtr("callee")

	b.cc.Mov(fp, asm.Imm(cl.Ptr))
	b.cc.Call(fp, cl.Sig, args...)

	if void {
		return nil
	}

	out, err := b.outArg(x.Callee)
	if err != nil {
		return err
	}

	ptr := args[out].(asm.Reg)

	if tp.IsAggregate(t) {
		b.cc.Mov(res, ptr)
	} else {
		b.cc.Mov(res, asm.Ptr(ptr, 0, asm.Size(t.Size())))
	}

	return nil
}

// outArg returns the argument index of the single callee output.
func (b *Context) outArg(callee ir.Expr) (int, error) {
	switch f := b.Exprs[callee].(type) {
	case *ir.Intrinsic:
		if len(f.Out) == 1 {
			return len(f.In), nil
		}
	case *ir.Function:
		if len(f.Out) == 1 {
			return len(f.In), nil
		}
	}

	return 0, unsupported("call result", callee, b.Exprs[callee])
}

// value returns the register of id lowering it on demand.
func (b *Context) value(id ir.Expr) (asm.Reg, error) {
	if r, ok := b.val2reg[id]; ok {
		return r, nil
	}

	x := b.Exprs[id]

	if _, ok := x.(ir.Instruction); !ok {
		return b.allocate(id)
	}

	err := b.lower(id)
	if err != nil {
		return asm.Reg{}, err
	}

	r, ok := b.val2reg[id]
	if !ok {
		return r, unsupported("operand", id, x)
	}

	return r, nil
}

// scalar returns a register holding a bit value.
// Bit typed references and allocations are loaded.
func (b *Context) scalar(id ir.Expr) (asm.Reg, error) {
	t, ok := b.EType[id].(tp.Bit)
	if !ok {
		return asm.Reg{}, unsupported("operand type", id, b.EType[id])
	}

	if !b.isPointer(id) {
		return b.value(id)
	}

	m, err := b.mem(id)
	if err != nil {
		return asm.Reg{}, err
	}

	r, err := b.newReg(id, t)
	if err != nil {
		return r, err
	}

	b.cc.Mov(r, m)

	return r, nil
}

// pointer returns a register holding an address of the value of id.
// Bit values are spilled into a stack slot.
func (b *Context) pointer(id ir.Expr) (asm.Reg, error) {
	t := b.EType[id]

	if b.isPointer(id) || tp.IsAggregate(t) {
		return b.addr(id)
	}

	v, err := b.value(id)
	if err != nil {
		return v, err
	}

	size := asm.Size(t.Size())

	p := b.cc.NewUIntPtr("spill")
	b.cc.Lea(p, b.cc.NewStack(int(size), 1))
	b.cc.Mov(asm.Ptr(p, 0, size), v)

	return p, nil
}

// addr returns a register addressing value id in memory.
func (b *Context) addr(id ir.Expr) (asm.Reg, error) {
	if _, ok := b.Exprs[id].(ir.Extract); ok {
		m, err := b.mem(id)
		if err != nil {
			return asm.Reg{}, err
		}

		r := b.cc.NewUIntPtr("field")
		b.cc.Lea(r, m)

		return r, nil
	}

	if !b.isPointer(id) && !tp.IsAggregate(b.EType[id]) {
		return asm.Reg{}, unsupported("address of", id, b.Exprs[id])
	}

	return b.value(id)
}

// mem returns a memory operand of an extracted member,
// or of a reference or allocation.
func (b *Context) mem(id ir.Expr) (asm.Mem, error) {
	switch x := b.Exprs[id].(type) {
	case ir.Extract:
		err := b.lower(id)
		if err != nil {
			return asm.Mem{}, err
		}

		return b.val2mem[id], nil
	case ir.Ref, ir.Alloc:
		t := b.EType[id]

		if bt, ok := t.(tp.Bit); ok && (bt.Bits <= 0 || bt.Bits > 64) {
			return asm.Mem{}, unsupported("bit width", id, t)
		}

		r, err := b.allocate(id)
		if err != nil {
			return asm.Mem{}, err
		}

		return asm.Ptr(r, 0, asm.Size(min(t.Size(), 8))), nil
	default:
		return asm.Mem{}, unsupported("memory operand", id, x)
	}
}

func (b *Context) isPointer(id ir.Expr) bool {
	switch b.Exprs[id].(type) {
	case ir.Ref, ir.Alloc:
		return true
	}

	return false
}

// fit clears register bits above the width of id.
func (b *Context) fit(id ir.Expr, r asm.Reg) {
	t, ok := b.EType[id].(tp.Bit)
	if !ok || t.Bits >= int(r.Size)*8 {
		return
	}

	b.cc.And(r, asm.Imm(uint64(1)<<t.Bits-1))
}

func (b *Context) copyBytes(dst asm.Reg, doff int32, src asm.Reg, soff int32, n int) error {
	if n == 0 {
		return nil
	}

	t := b.cc.NewU8("copy")

	for i := 0; i < n; i++ {
		d, err := safecast.Conv[int32](i)
		if err != nil {
			return errors.Wrap(err, "copy offset")
		}

		b.cc.Mov(t, asm.Ptr(src, soff+d, 1))
		b.cc.Mov(asm.Ptr(dst, doff+d, 1), t)
	}

	return nil
}
