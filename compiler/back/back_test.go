package back

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

var (
	u8 = tp.Bit{Bits: 8}

	pair = tp.Struct{Name: "s", Fields: []tp.StructField{
		{Name: "v", Type: u8},
		{Name: "w", Type: u8},
	}}
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	return tlog.ContextWithSpan(context.Background(), tlog.Root())
}

func execute(t *testing.T, p *ir.Package, id ir.Expr) ir.Const {
	t.Helper()

	c := New(DefaultConfig)

	res, err := c.Run(testContext(t), p, id)
	require.NoError(t, err)

	t.Logf("listing\n%s", res.Listing)

	return res.Value
}

func assertConst(t *testing.T, exp, act ir.Const) {
	t.Helper()

	assert.True(t, exp.Equal(act), "expected %v, got %v", exp, act)
}

func TestAnd(t *testing.T) {
	p := ir.New("test")

	id := p.And(p.Bit(8, 0x18), p.Bit(8, 0xff))

	assertConst(t, ir.BitValue(8, 0x18), execute(t, p, id))
}

func TestOrNot(t *testing.T) {
	p := ir.New("test")

	assertConst(t, ir.BitValue(8, 0xf3), execute(t, p, p.Or(p.Bit(8, 0xf0), p.Bit(8, 0x03))))
	assertConst(t, ir.BitValue(8, 0xe7), execute(t, p, p.Not(p.Bit(8, 0x18))))
	assertConst(t, ir.BitValue(7, 0x67), execute(t, p, p.Not(p.Bit(7, 0x18))))
}

func TestAddWidths(t *testing.T) {
	for _, tc := range []struct {
		bits int
		a, b uint64
		exp  uint64
	}{
		{bits: 8, a: 0x11, b: 0x22, exp: 0x33},
		{bits: 8, a: 0xf0, b: 0x20, exp: 0x10},
		{bits: 16, a: 0x1234, b: 0xf000, exp: 0x0234},
		{bits: 32, a: 0x89abcdef, b: 0x80000001, exp: 0x09abcdf0},
		{bits: 64, a: 0xffffffffffffffff, b: 2, exp: 1},
		{bits: 7, a: 0x7f, b: 1, exp: 0},
		{bits: 24, a: 0xffffff, b: 0x10, exp: 0xf},
	} {
		p := ir.New("test")

		id := p.AddU(p.Bit(tc.bits, tc.a), p.Bit(tc.bits, tc.b))

		assertConst(t, ir.BitValue(tc.bits, tc.exp), execute(t, p, id))
	}
}

func TestEqu(t *testing.T) {
	p := ir.New("test")

	assertConst(t, ir.BitValue(1, 0), execute(t, p, p.Equ(p.Bit(7, 17), p.Bit(7, 71))))
	assertConst(t, ir.BitValue(1, 1), execute(t, p, p.Equ(p.Bit(8, 123), p.Bit(8, 123))))
	assertConst(t, ir.BitValue(1, 1), execute(t, p, p.Equ(p.Bit(64, 1<<63), p.Bit(64, 1<<63))))
}

func TestNeqComplementsEqu(t *testing.T) {
	for _, tc := range [][3]uint64{
		{8, 1, 1},
		{8, 1, 2},
		{16, 0x100, 0x100},
		{16, 0x100, 0x1},
		{32, 0, 0},
		{3, 5, 6},
	} {
		p := ir.New("test")

		a := p.Bit(int(tc[0]), tc[1])
		b := p.Bit(int(tc[0]), tc[2])

		equ := execute(t, p, p.Equ(a, b))
		neq := execute(t, p, p.Neq(a, b))

		assert.Equal(t, 1-equ.Bits, neq.Bits, "case %v", tc)
		assert.Equal(t, tp.Bit{Bits: 1}, neq.Type)
	}
}

func TestLnot(t *testing.T) {
	p := ir.New("test")

	assertConst(t, ir.BitValue(1, 1), execute(t, p, p.Lnot(p.Bit(64, 0))))
	assertConst(t, ir.BitValue(1, 0), execute(t, p, p.Lnot(p.Bit(64, 1<<40))))
	assertConst(t, ir.BitValue(1, 0), execute(t, p, p.Lnot(p.Bit(8, 3))))
	assertConst(t, ir.BitValue(1, 1), execute(t, p, p.Lnot(p.Bit(8, 0))))
}

func TestTrunc(t *testing.T) {
	p := ir.New("test")

	assertConst(t, ir.BitValue(8, 0x34), execute(t, p, p.Trunc(p.Bit(16, 0x1234), u8)))
	assertConst(t, ir.BitValue(4, 0x4), execute(t, p, p.Trunc(p.Bit(16, 0x1234), tp.Bit{Bits: 4})))

	_, err := New(DefaultConfig).Execute(testContext(t), p, p.Trunc(p.Bit(8, 1), tp.Bit{Bits: 16}))

	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "trunc operand", ue.What)
}

// copyFields builds an intrinsic copying both fields of arg into res.
func copyFields(p *ir.Package) ir.Expr {
	f := p.Intrinsic("copy")
	arg := p.In(f, "arg", pair)
	res := p.Out(f, "res", pair)

	var code []ir.Expr

	for i := uint64(0); i < 2; i++ {
		src := p.Extract(arg, p.Bit(8, i))
		v := p.Load(src)
		dst := p.Extract(res, p.Bit(8, i))
		st := p.Store(v, dst)

		code = append(code, src, v, dst, st)
	}

	p.SetBody(f, p.Sequential(p.Trivial(code...)))

	return f
}

// sumFields builds an intrinsic computing arg.v + arg.w + 0xa0.
func sumFields(p *ir.Package) ir.Expr {
	f := p.Intrinsic("sum")
	arg := p.In(f, "arg", pair)
	res := p.Out(f, "res", u8)

	v := p.Extract(arg, p.Bit(8, 0))
	lv := p.Load(v)
	w := p.Extract(arg, p.Bit(8, 1))
	lw := p.Load(w)
	s := p.AddU(lv, lw)
	s2 := p.AddU(s, p.Bit(8, 0xa0))
	st := p.Store(s2, res)

	p.SetBody(f, p.Sequential(p.Trivial(v, lv, w, lw, s, s2, st)))

	return f
}

func TestCallStructCopy(t *testing.T) {
	p := ir.New("test")

	f := copyFields(p)

	in := p.Struct(pair, p.Bit(8, 0x12), p.Bit(8, 0x34))
	call := p.Call(f, in, p.Alloc(pair))

	exp := ir.StructValue(pair, ir.BitValue(8, 0x12), ir.BitValue(8, 0x34))

	assertConst(t, exp, execute(t, p, call))
}

func TestCallComposite(t *testing.T) {
	p := ir.New("test")

	f := sumFields(p)

	in := p.Struct(pair, p.Bit(8, 0x04), p.Bit(8, 0x08))
	call := p.Call(f, in, p.Alloc(u8))

	assertConst(t, ir.BitValue(8, 0xac), execute(t, p, call))
}

func TestCallNested(t *testing.T) {
	p := ir.New("test")

	sum := sumFields(p)

	// outer calls sum and adds one
	f := p.Intrinsic("outer")
	arg := p.In(f, "arg", pair)
	res := p.Out(f, "res", u8)

	c := p.Call(sum, arg, p.Alloc(u8))
	inc := p.AddU(c, p.Bit(8, 1))
	st := p.Store(inc, res)

	p.SetBody(f, p.Sequential(p.Trivial(c, inc, st)))

	in := p.Struct(pair, p.Bit(8, 0x01), p.Bit(8, 0x02))
	call := p.Call(f, in, p.Alloc(u8))

	assertConst(t, ir.BitValue(8, 0xa4), execute(t, p, call))
}

func TestCallNopBody(t *testing.T) {
	p := ir.New("test")

	f := p.Intrinsic("nop")
	p.In(f, "arg", u8)
	p.Out(f, "res", u8)
	p.SetBody(f, p.Sequential(p.Trivial(p.Nop())))

	call := p.Call(f, p.Bit(8, 7), p.Alloc(u8))

	// the result is the zero initialized allocation
	assertConst(t, ir.BitValue(8, 0), execute(t, p, call))
}

func TestZeroInit(t *testing.T) {
	wide := tp.Struct{Name: "wide", Fields: []tp.StructField{
		{Name: "a", Type: tp.Bit{Bits: 32}},
		{Name: "b", Type: tp.Bit{Bits: 12}},
		{Name: "c", Type: tp.Bit{Bits: 1}},
	}}

	p := ir.New("test")

	f := p.Intrinsic("keep")
	p.In(f, "arg", u8)
	p.Out(f, "res", wide)
	p.SetBody(f, p.Sequential())

	call := p.Call(f, p.Bit(8, 1), p.Alloc(wide))

	exp := ir.StructValue(wide, ir.BitValue(32, 0), ir.BitValue(12, 0), ir.BitValue(1, 0))

	assertConst(t, exp, execute(t, p, call))
}

func TestInvoke(t *testing.T) {
	p := ir.New("test")

	f := sumFields(p)

	in := []byte{0x10, 0x20}
	out := []byte{0xff}

	err := New(DefaultConfig).Invoke(testContext(t), p, f, in, out)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xd0}, out)

	err = New(DefaultConfig).Invoke(testContext(t), p, f, in)
	assert.ErrorIs(t, err, asm.ErrSignature)

	err = New(DefaultConfig).Invoke(testContext(t), p, f, in[:1], out)
	assert.ErrorIs(t, err, asm.ErrSignature)
}

func TestAllocateIdempotent(t *testing.T) {
	p := ir.New("test")

	c := p.Bit(8, 0x18)
	a := p.Alloc(pair)

	b := New(DefaultConfig).newContext(p)
	defer b.Close()

	b.harness(ir.Nil, "test")

	r0, err := b.allocate(c)
	require.NoError(t, err)

	ra, err := b.allocate(a)
	require.NoError(t, err)

	r1, err := b.allocate(c)
	require.NoError(t, err)

	ra1, err := b.allocate(a)
	require.NoError(t, err)

	assert.Equal(t, r0, r1)
	assert.Equal(t, ra, ra1)

	_, err = b.finalize()
	require.NoError(t, err)

	// out is v0
	assert.Equal(t, 1, strings.Count(b.log.String(), "\tmov v1b, 0x18\n"))
	assert.Equal(t, 2, strings.Count(b.log.String(), "\tmov byte [v2"))
}

func TestUnsupported(t *testing.T) {
	p := ir.New("test")

	a := p.Bit(8, 1)
	b := p.Bit(8, 2)

	s := p.Intrinsic("sink")
	p.In(s, "arg", u8)
	p.SetBody(s, p.Sequential())

	fn := p.Function("fn")
	p.In(fn, "x", u8)

	for _, tc := range []struct {
		name string
		id   ir.Expr
		what string
	}{
		{"xor", p.Xor(a, b), "instruction"},
		{"adds", p.AddS(a, b), "instruction"},
		{"divs", p.DivS(a, b), "instruction"},
		{"modu", p.ModU(a, b), "instruction"},
		{"zext", p.Zext(a, tp.Bit{Bits: 16}), "instruction"},
		{"cast", p.Cast(a, u8), "instruction"},
		{"id", p.ID(a), "instruction"},
		{"wide", p.AddU(p.Bit(65, 1), p.Bit(65, 1)), "result type"},
		{"non_const", p.Not(p.Not(a)), "non constant operand"},
		{"branch", p.Branch(a), "instruction"},
		{"loop", p.Loop(a, p.Sequential()), "instruction"},
		{"idcall", p.IDCall(a), "instruction"},
		{"stream", p.Stream(a), "instruction"},
		{"string", p.Str("x"), "instruction"},
		{"alloc", p.Alloc(u8), "instruction"},
		{"function", p.Call(fn, a), "function"},
		{"callee", p.Call(a, a), "callee"},
		{"void_result", p.Call(s, p.Alloc(u8)), "value to return"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(DefaultConfig).Execute(testContext(t), p, tc.id)

			var ue *UnsupportedError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tc.what, ue.What)
			assert.Contains(t, ue.Error(), "back")
		})
	}
}

func TestUnsupportedInBody(t *testing.T) {
	p := ir.New("test")

	f := p.Intrinsic("bad")
	arg := p.In(f, "arg", u8)
	res := p.Out(f, "res", u8)

	v := p.Load(arg)
	x := p.Xor(v, v)
	st := p.Store(x, res)

	p.SetBody(f, p.Sequential(p.Trivial(v, x, st)))

	_, err := New(DefaultConfig).Execute(testContext(t), p, p.Call(f, p.Bit(8, 1), p.Alloc(u8)))

	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, x, ue.Expr)
	assert.Equal(t, "ir.Xor", ue.Kind)
}

func TestRecursionUnsupported(t *testing.T) {
	p := ir.New("test")

	f := p.Intrinsic("self")
	p.In(f, "arg", u8)
	res := p.Out(f, "res", u8)

	c := p.Call(f, p.Bit(8, 1), res)
	p.SetBody(f, p.Sequential(p.Trivial(c)))

	_, err := New(DefaultConfig).Execute(testContext(t), p, p.Call(f, p.Bit(8, 1), p.Alloc(u8)))

	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "recursive call", ue.What)
}

func TestMustExecutePanics(t *testing.T) {
	p := ir.New("test")

	id := p.Xor(p.Bit(8, 1), p.Bit(8, 2))

	assert.Panics(t, func() {
		New(DefaultConfig).MustExecute(testContext(t), p, id)
	})

	assertConst(t, ir.BitValue(8, 3), New(DefaultConfig).MustExecute(testContext(t), p, p.Or(p.Bit(8, 1), p.Bit(8, 2))))
}

func TestCallResultWithoutAlloc(t *testing.T) {
	p := ir.New("test")

	f := p.Intrinsic("five")
	p.In(f, "arg", u8)
	res := p.Out(f, "res", u8)
	p.SetBody(f, p.Sequential(p.Trivial(p.Store(p.Bit(8, 5), res))))

	assertConst(t, ir.BitValue(8, 5), execute(t, p, p.Call(f, p.Bit(8, 1), p.Bit(8, 0))))

	wide := tp.Struct{Name: "wide", Fields: []tp.StructField{
		{Name: "a", Type: tp.Bit{Bits: 64}},
		{Name: "b", Type: tp.Bit{Bits: 64}},
		{Name: "c", Type: tp.Bit{Bits: 64}},
	}}

	k := p.Intrinsic("keep")
	p.In(k, "arg", u8)
	p.Out(k, "res", wide)
	p.SetBody(k, p.Sequential())

	in := p.Struct(wide, p.Bit(64, 1), p.Bit(64, 2), p.Bit(64, 3))

	exp := ir.StructValue(wide, ir.BitValue(64, 1), ir.BitValue(64, 2), ir.BitValue(64, 3))

	assertConst(t, exp, execute(t, p, p.Call(k, p.Bit(8, 1), in)))
}

func TestCallAsOperand(t *testing.T) {
	p := ir.New("test")

	sum := sumFields(p)

	// the call is reachable only through the add operands
	f := p.Intrinsic("outer")
	arg := p.In(f, "arg", pair)
	res := p.Out(f, "res", u8)

	inc := p.AddU(p.Call(sum, arg, p.Alloc(u8)), p.Bit(8, 1))
	st := p.Store(inc, res)

	p.SetBody(f, p.Sequential(p.Trivial(inc, st)))

	in := p.Struct(pair, p.Bit(8, 0x01), p.Bit(8, 0x02))

	assertConst(t, ir.BitValue(8, 0xa4), execute(t, p, p.Call(f, in, p.Alloc(u8))))
}

func TestCallNotCompiled(t *testing.T) {
	p := ir.New("test")

	sum := sumFields(p)

	b := New(DefaultConfig).newContext(p)
	defer b.Close()

	b.harness(ir.Nil, "test")

	in := p.Struct(pair, p.Bit(8, 1), p.Bit(8, 2))
	call := p.Call(sum, in, p.Alloc(u8))

	err := b.lower(call)

	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "callee", ue.What)
	assert.Equal(t, sum, ue.Expr)
}
