package back

import (
	"fortio.org/safecast"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

// allocate returns the register holding value id.
// Each value is allocated at most once per compilation.
func (b *Context) allocate(id ir.Expr) (r asm.Reg, err error) {
	if r, ok := b.val2reg[id]; ok {
		return r, nil
	}

	x := b.Exprs[id]
	t := b.EType[id]

	switch x := x.(type) {
	case ir.Ref:
		if b.cur == nil {
			return r, errors.New("reference %v outside of callable", x.Name)
		}

		r = b.cc.NewUIntPtr(x.Name)
		b.cc.SetArg(b.cur.args, r)
		b.cur.args++
	case ir.Alloc:
		r, err = b.allocStack(id, t)
		if err != nil {
			return r, err
		}
	default:
		r, err = b.newReg(id, t)
		if err != nil {
			return r, err
		}
	}

	b.val2reg[id] = r

	tlog.V("alloc").Printw("allocate", "id", id, "typ", tlog.NextAsType, x, "type", t, "reg", r)

	switch x := x.(type) {
	case ir.BitConst:
		err = b.bitConst(id, x, r)
	case ir.StructConst:
		err = b.structConst(id, x, r)
	case ir.StringConst:
		err = unsupported("constant", id, x)
	}

	if err != nil {
		return r, err
	}

	return r, nil
}

func (b *Context) newReg(id ir.Expr, t tp.Type) (r asm.Reg, err error) {
	switch t := t.(type) {
	case tp.Bit:
		if t.Bits <= 0 || t.Bits > 64 {
			return r, unsupported("bit width", id, t)
		}

		switch asm.SizeOf(t.Bits) {
		case 1:
			return b.cc.NewU8(""), nil
		case 2:
			return b.cc.NewU16(""), nil
		case 4:
			return b.cc.NewU32(""), nil
		default:
			return b.cc.NewU64(""), nil
		}
	case tp.Struct, tp.Vector:
		return b.cc.NewUIntPtr(""), nil
	default:
		return r, unsupported("type", id, t)
	}
}

// allocStack reserves zero initialized storage of type t.
func (b *Context) allocStack(id ir.Expr, t tp.Type) (r asm.Reg, err error) {
	var sizes []int

	switch t := t.(type) {
	case tp.Bit:
		if t.Bits <= 0 || t.Bits > 64 {
			return r, unsupported("bit width", id, t)
		}

		sizes = []int{t.Size()}
	case tp.Struct, tp.Vector:
		for _, m := range tp.Members(t) {
			sizes = append(sizes, m.Size())
		}
	default:
		return r, unsupported("type", id, t)
	}

	r = b.cc.NewUIntPtr("alloc")

	b.cc.Lea(r, b.cc.NewStack(t.Size(), 1))

	off := 0

	for _, size := range sizes {
		for i := 0; i < size; i++ {
			disp, err := safecast.Conv[int32](off)
			if err != nil {
				return r, errors.Wrap(err, "offset")
			}

			b.cc.Mov(asm.Ptr(r, disp, 1), asm.Imm(0))

			off++
		}
	}

	return r, nil
}
