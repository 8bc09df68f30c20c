package asm

import (
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

type (
	// FuncPtr is an entry address of a function added to a Runtime.
	FuncPtr uint64

	// Runtime executes finalized functions on flat byte addressed memory.
	//
	// Memory layout: guard region, host arena for call buffers, stack.
	// The stack grows down from the end of memory.
	Runtime struct {
		mem []byte

		funcs []*Func

		arena uint64
		stack uint64
		sp    uint64

		StepLimit  int
		DepthLimit int

		steps int
		depth int
	}

	frame struct {
		f    *Func
		regs [NumRegs]uint64
		zf   bool
	}
)

const (
	GuardSize = 0x100

	// Poison fills fresh stack frames.
	Poison = 0xcc

	codeBase  = 0x7f00_0000_0000
	codeAlign = 0x10
)

var (
	ErrSegfault      = errors.New("segmentation fault")
	ErrBadFunc       = errors.New("bad function pointer")
	ErrStackOverflow = errors.New("stack overflow")
	ErrStepLimit     = errors.New("step limit exceeded")
)

// NewRuntime creates a runtime with size bytes of memory.
// A quarter of it is the host arena, the rest is the stack.
func NewRuntime(size int) *Runtime {
	if size < 4*GuardSize {
		size = 4 * GuardSize
	}

	rt := &Runtime{
		mem:        make([]byte, size),
		arena:      GuardSize,
		StepLimit:  1 << 20,
		DepthLimit: 64,
	}

	rt.stack = rt.arena + uint64(size-GuardSize)/4
	rt.sp = uint64(size)

	return rt
}

// Add registers the first function of the code holder.
func (rt *Runtime) Add(h *CodeHolder) (FuncPtr, error) {
	if len(h.Funcs) == 0 {
		return 0, errors.New("no code")
	}

	rt.funcs = append(rt.funcs, h.Funcs[0])

	return codeBase + FuncPtr(len(rt.funcs)-1)*codeAlign, nil
}

func (rt *Runtime) Release(p FuncPtr) error {
	i, err := rt.index(p)
	if err != nil {
		return err
	}

	rt.funcs[i] = nil

	return nil
}

func (rt *Runtime) Lookup(p FuncPtr) (*Func, error) {
	i, err := rt.index(p)
	if err != nil {
		return nil, err
	}

	return rt.funcs[i], nil
}

func (rt *Runtime) index(p FuncPtr) (int, error) {
	if p < codeBase || (p-codeBase)%codeAlign != 0 {
		return 0, errors.Wrap(ErrBadFunc, "%#x", uint64(p))
	}

	i := int((p - codeBase) / codeAlign)

	if i >= len(rt.funcs) || rt.funcs[i] == nil {
		return 0, errors.Wrap(ErrBadFunc, "%#x", uint64(p))
	}

	return i, nil
}

// Call copies bufs into the host arena, calls p with their addresses,
// and copies the arena back into bufs.
func (rt *Runtime) Call(p FuncPtr, bufs ...[]byte) (err error) {
	f, err := rt.Lookup(p)
	if err != nil {
		return err
	}

	args := make([]uint64, len(bufs))
	at := rt.arena

	clear(rt.mem[rt.arena:rt.stack])

	for i, b := range bufs {
		if at+uint64(len(b)) > rt.stack {
			return errors.New("arena overflow: arg %d of %d bytes", i, len(b))
		}

		copy(rt.mem[at:], b)
		args[i] = at

		at = (at + uint64(len(b)) + 7) &^ 7
	}

	rt.steps = 0
	rt.depth = 0

	err = rt.exec(f, args)
	if err != nil {
		return errors.Wrap(err, "func %v", f.Name)
	}

	for i, b := range bufs {
		copy(b, rt.mem[args[i]:])
	}

	return nil
}

func (rt *Runtime) exec(f *Func, args []uint64) (err error) {
	if len(args) != len(f.Args) {
		return errors.Wrap(ErrBadFunc, "%v: %d args, want %d", f.Name, len(args), len(f.Args))
	}

	if rt.depth >= rt.DepthLimit {
		return ErrStackOverflow
	}

	size := uint64(f.Frame)

	if rt.sp < rt.stack+size {
		return ErrStackOverflow
	}

	sp := rt.sp
	rt.sp -= size
	rt.depth++

	defer func() {
		rt.sp = sp
		rt.depth--
	}()

	fr := &frame{f: f}
	fr.regs[FPID] = rt.sp

	for i := range rt.mem[rt.sp:sp] {
		rt.mem[int(rt.sp)+i] = Poison
	}

	for i, a := range f.Args {
		if a == nil {
			continue
		}

		err = rt.write(fr, a, args[i])
		if err != nil {
			return errors.Wrap(err, "arg %d", i)
		}
	}

	for pc := 0; pc < len(f.Code); pc++ {
		rt.steps++
		if rt.StepLimit != 0 && rt.steps > rt.StepLimit {
			return ErrStepLimit
		}

		in := f.Code[pc]

		if tlog.If("exec") {
			tlog.Printw("exec", "func", f.Name, "pc", pc, "inst", in)
		}

		switch in.Op {
		case OpNop, OpLabel:
		case OpRet:
			return nil
		case OpJmp:
			pc = f.labels[in.Label]
		case OpJe, OpJne:
			if fr.zf == (in.Op == OpJe) {
				pc = f.labels[in.Label]
			}
		case OpMov:
			v, err := rt.read(fr, in.Src)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}

			err = rt.write(fr, in.Dst, v)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}
		case OpLea:
			m := in.Src.(Mem)

			err = rt.write(fr, in.Dst, fr.regs[m.Base.ID]+uint64(int64(m.Disp)))
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}
		case OpAdd, OpAnd, OpOr, OpNot:
			err = rt.arith(fr, in)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}
		case OpCmp:
			a, err := rt.read(fr, in.Dst)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}

			b, err := rt.read(fr, in.Src)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}

			m := mask(sizeOf(in.Dst))
			fr.zf = a&m == b&m
		case OpCall:
			err = rt.call(fr, in)
			if err != nil {
				return errors.Wrap(err, "pc %d", pc)
			}
		default:
			return errors.New("pc %d: bad instruction: %v", pc, in.Op)
		}
	}

	return nil
}

func (rt *Runtime) arith(fr *frame, in Inst) error {
	a, err := rt.read(fr, in.Dst)
	if err != nil {
		return err
	}

	var b uint64

	if in.Op != OpNot {
		b, err = rt.read(fr, in.Src)
		if err != nil {
			return err
		}
	}

	switch in.Op {
	case OpAdd:
		a += b
	case OpAnd:
		a &= b
	case OpOr:
		a |= b
	case OpNot:
		a = ^a
	}

	return rt.write(fr, in.Dst, a)
}

func (rt *Runtime) call(fr *frame, in Inst) error {
	t, err := rt.read(fr, in.Src)
	if err != nil {
		return err
	}

	f, err := rt.Lookup(FuncPtr(t))
	if err != nil {
		return err
	}

	if in.Sig == nil || len(in.Sig.Args) != len(f.Sig.Args) {
		return errors.Wrap(ErrBadFunc, "%v: signature mismatch", f.Name)
	}

	args := make([]uint64, len(in.Args))

	for i, a := range in.Args {
		args[i], err = rt.read(fr, a)
		if err != nil {
			return errors.Wrap(err, "arg %d", i)
		}
	}

	err = rt.exec(f, args)
	if err != nil {
		return errors.Wrap(err, "call %v", f.Name)
	}

	return nil
}

// read returns operand value zero extended from its size.
func (rt *Runtime) read(fr *frame, o Operand) (uint64, error) {
	switch o := o.(type) {
	case Reg:
		return fr.regs[o.ID] & mask(o.Size), nil
	case Imm:
		return uint64(o), nil
	case Mem:
		a, err := rt.addr(fr, o)
		if err != nil {
			return 0, err
		}

		var b [8]byte
		copy(b[:], rt.mem[a:a+uint64(o.Size)])

		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return 0, errors.New("read operand %T", o)
	}
}

// write stores low bytes of v into operand.
// Register writes keep upper bytes.
func (rt *Runtime) write(fr *frame, o Operand, v uint64) error {
	switch o := o.(type) {
	case Reg:
		m := mask(o.Size)
		fr.regs[o.ID] = fr.regs[o.ID]&^m | v&m

		return nil
	case Mem:
		a, err := rt.addr(fr, o)
		if err != nil {
			return err
		}

		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		copy(rt.mem[a:a+uint64(o.Size)], b[:])

		return nil
	default:
		return errors.New("write operand %T", o)
	}
}

func (rt *Runtime) addr(fr *frame, m Mem) (uint64, error) {
	a := fr.regs[m.Base.ID] + uint64(int64(m.Disp))

	if m.Size <= 0 || m.Size > 8 || a < GuardSize || a+uint64(m.Size) > uint64(len(rt.mem)) || a+uint64(m.Size) < a {
		return 0, errors.Wrap(ErrSegfault, "%d bytes at %#x", m.Size, a)
	}

	return a, nil
}

func sizeOf(o Operand) Size {
	switch o := o.(type) {
	case Reg:
		return o.Size
	case Mem:
		return o.Size
	}

	return 8
}

func mask(s Size) uint64 {
	if s >= 8 || s <= 0 {
		return ^uint64(0)
	}

	return 1<<(8*uint(s)) - 1
}
