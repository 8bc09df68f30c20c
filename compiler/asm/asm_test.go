package asm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outSig(n int) Signature {
	var sig Signature
	sig.Init(CallConvHost, TypeVoid)

	for i := 0; i < n; i++ {
		sig.AddArg(TypeUIntPtr)
	}

	return sig
}

func build(t *testing.T, rt *Runtime, name string, nargs int, body func(cc *Compiler, args []Reg)) FuncPtr {
	t.Helper()

	code := NewCodeHolder()
	log := &Logger{}
	code.SetLogger(log)

	cc := NewCompiler(code)
	cc.AddFunc(name, outSig(nargs))

	args := make([]Reg, nargs)

	for i := range args {
		args[i] = cc.NewUIntPtr("arg")
		cc.SetArg(i, args[i])
	}

	body(cc, args)

	cc.EndFunc()

	err := cc.Finalize()
	require.NoError(t, err)

	t.Logf("listing\n%s", log)

	ptr, err := rt.Add(code)
	require.NoError(t, err)

	return ptr
}

func TestAdd(t *testing.T) {
	rt := NewRuntime(1 << 12)

	p := build(t, rt, "add", 1, func(cc *Compiler, args []Reg) {
		v := cc.NewU8("v")
		w := cc.NewU8("w")

		cc.Mov(v, Imm(0x11))
		cc.Mov(w, Imm(0x22))
		cc.Add(v, w)
		cc.Mov(Ptr(args[0], 0, 1), v)
	})

	buf := []byte{0xff, 0xff}

	err := rt.Call(p, buf)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x33, 0xff}, buf)
}

func TestWidths(t *testing.T) {
	rt := NewRuntime(1 << 12)

	p := build(t, rt, "widths", 1, func(cc *Compiler, args []Reg) {
		q := cc.NewU64("q")

		cc.Mov(q, Imm(0x1122334455667788))
		cc.Mov(Ptr(args[0], 0, 8), q)
		cc.Mov(Ptr(args[0], 8, 2), q.R16())

		b := cc.NewU8("b")
		cc.Mov(b, Imm(0xfff)) // truncated
		cc.Mov(Ptr(args[0], 10, 1), b)

		d := cc.NewU32("d")
		cc.Mov(d, Imm(0))
		cc.Mov(d, b) // zero extended
		cc.Mov(Ptr(args[0], 11, 4), d)
	})

	buf := make([]byte, 16)

	err := rt.Call(p, buf)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x88, 0x77, 0xff, 0xff, 0, 0, 0, 0}, buf)
}

func TestBranches(t *testing.T) {
	rt := NewRuntime(1 << 12)

	p := build(t, rt, "eq", 1, func(cc *Compiler, args []Reg) {
		a := cc.NewU16("a")
		r := cc.NewU8("r")

		cc.Mov(a, Ptr(args[0], 0, 2))

		yes := cc.NewLabel()
		exit := cc.NewLabel()

		cc.Cmp(a, Imm(0x1234))
		cc.Je(yes)
		cc.Mov(r, Imm(0))
		cc.Jmp(exit)
		cc.Bind(yes)
		cc.Mov(r, Imm(1))
		cc.Bind(exit)

		cc.Mov(Ptr(args[0], 2, 1), r)
	})

	buf := []byte{0x34, 0x12, 0xff}

	err := rt.Call(p, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(1), buf[2])

	buf = []byte{0x34, 0x13, 0xff}

	err = rt.Call(p, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0), buf[2])
}

func TestSpill(t *testing.T) {
	rt := NewRuntime(1 << 12)

	const n = 3 * NumAlloc

	p := build(t, rt, "spill", 1, func(cc *Compiler, args []Reg) {
		regs := make([]Reg, n)

		for i := range regs {
			regs[i] = cc.NewU64("")
			cc.Mov(regs[i], Imm(i+1))
		}

		// keep the pointer live across every value
		ptrs := make([]Reg, n)

		for i := range ptrs {
			ptrs[i] = cc.NewUIntPtr("")
			cc.Mov(ptrs[i], args[0])
		}

		acc := cc.NewU64("acc")
		cc.Mov(acc, Imm(0))

		for i := range regs {
			cc.Add(acc, regs[i])
			cc.Mov(Ptr(ptrs[i], int32(8+i), 1), Imm(i))
		}

		cc.Mov(Ptr(args[0], 0, 8), acc)
	})

	buf := make([]byte, 8+n)

	err := rt.Call(p, buf)
	require.NoError(t, err)

	assert.Equal(t, uint64(n*(n+1)/2), binary.LittleEndian.Uint64(buf))

	for i := 0; i < n; i++ {
		assert.Equal(t, byte(i), buf[8+i], "byte %d", i)
	}
}

func TestCall(t *testing.T) {
	rt := NewRuntime(1 << 12)

	callee := build(t, rt, "callee", 2, func(cc *Compiler, args []Reg) {
		v := cc.NewU8("v")

		cc.Mov(v, Ptr(args[0], 0, 1))
		cc.Add(v, Imm(1))
		cc.Mov(Ptr(args[1], 0, 1), v)
	})

	caller := build(t, rt, "caller", 1, func(cc *Compiler, args []Reg) {
		slot := cc.NewStack(1, 1)
		in := cc.NewUIntPtr("in")

		cc.Lea(in, slot)
		cc.Mov(Ptr(in, 0, 1), Imm(0x41))

		fp := cc.NewUIntPtr("fp")
		cc.Mov(fp, Imm(callee))
		cc.Call(fp, outSig(2), in, args[0])
	})

	buf := []byte{0}

	err := rt.Call(caller, buf)
	require.NoError(t, err)

	assert.Equal(t, byte(0x42), buf[0])

	err = rt.Release(callee)
	require.NoError(t, err)

	err = rt.Call(caller, buf)
	assert.ErrorIs(t, err, ErrBadFunc)
}

func TestPoison(t *testing.T) {
	rt := NewRuntime(1 << 12)

	p := build(t, rt, "poison", 1, func(cc *Compiler, args []Reg) {
		slot := cc.NewStack(4, 4)
		ptr := cc.NewUIntPtr("slot")
		v := cc.NewU32("v")

		cc.Lea(ptr, slot)
		cc.Mov(v, Ptr(ptr, 0, 4))
		cc.Mov(Ptr(args[0], 0, 4), v)
	})

	buf := make([]byte, 4)

	err := rt.Call(p, buf)
	require.NoError(t, err)

	assert.Equal(t, []byte{Poison, Poison, Poison, Poison}, buf)
}

func TestArenaCleared(t *testing.T) {
	rt := NewRuntime(1 << 12)

	p := build(t, rt, "next", 1, func(cc *Compiler, args []Reg) {
		v := cc.NewU8("v")

		cc.Mov(v, Ptr(args[0], 1, 1))
		cc.Mov(Ptr(args[0], 0, 1), v)
	})

	buf := []byte{0, 7}

	err := rt.Call(p, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, buf)

	// reads past a short buffer see zeroes, not the previous call
	buf = []byte{0xaa}

	err = rt.Call(p, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, buf)
}

func TestRuntimeErrors(t *testing.T) {
	rt := NewRuntime(1 << 12)
	rt.StepLimit = 100

	loop := build(t, rt, "loop", 0, func(cc *Compiler, args []Reg) {
		l := cc.NewLabel()
		cc.Bind(l)
		cc.Jmp(l)
	})

	err := rt.Call(loop)
	assert.ErrorIs(t, err, ErrStepLimit)

	null := build(t, rt, "null", 0, func(cc *Compiler, args []Reg) {
		p := cc.NewUIntPtr("p")
		cc.Mov(p, Imm(0))
		cc.Mov(Ptr(p, 0, 1), Imm(1))
	})

	err = rt.Call(null)
	assert.ErrorIs(t, err, ErrSegfault)

	err = rt.Call(FuncPtr(123))
	assert.ErrorIs(t, err, ErrBadFunc)
}

func TestCompilerErrors(t *testing.T) {
	code := NewCodeHolder()
	cc := NewCompiler(code)

	var sig Signature
	sig.Init(CallConvHost, TypeU32)

	cc.AddFunc("ret", sig)

	err := cc.Finalize()
	assert.ErrorIs(t, err, ErrSignature)

	cc = NewCompiler(code)
	cc.AddFunc("call", outSig(0))

	fp := cc.NewUIntPtr("fp")
	cc.Mov(fp, Imm(0))
	cc.Call(fp, outSig(2), fp)
	cc.EndFunc()

	err = cc.Finalize()
	assert.ErrorIs(t, err, ErrSignature)

	cc = NewCompiler(code)
	cc.AddFunc("label", outSig(0))
	cc.Jmp(cc.NewLabel())
	cc.EndFunc()

	err = cc.Finalize()
	assert.ErrorIs(t, err, ErrUnboundJump)

	cc = NewCompiler(code)
	cc.Mov(Reg{}, Imm(0))

	err = cc.Finalize()
	assert.ErrorIs(t, err, ErrNoFunc)

	assert.Empty(t, code.Funcs)
}

func TestListing(t *testing.T) {
	code := NewCodeHolder()
	log := &Logger{}
	code.SetLogger(log)

	cc := NewCompiler(code)
	cc.AddFunc("f", outSig(1))

	out := cc.NewUIntPtr("out")
	cc.SetArg(0, out)
	cc.Mov(Ptr(out, 1, 1), Imm(0x18))
	cc.EndFunc()

	require.NoError(t, cc.Finalize())

	assert.Contains(t, log.String(), "func f(v0(out)) frame 0 // virtual\n\tmov byte [v0+1](out), 0x18\n\tret\n")
	assert.Contains(t, log.String(), "func f(r0) frame 0 // allocated\n\tmov byte [r0+1], 0x18\n\tret\n")

	log.Clear()
	assert.Empty(t, log.String())
}
