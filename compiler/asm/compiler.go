package asm

import (
	"fortio.org/safecast"
	"tlog.app/go/errors"
	"tlog.app/go/loc"

	"github.com/casm-lang/libcjel-rt/compiler/set"
)

type (
	// Compiler builds functions over virtual registers.
	// The first error is kept and reported by Finalize.
	Compiler struct {
		code *CodeHolder

		fn    *Func
		ended []*Func

		next   int32
		names  map[int32]string
		labels int
		bound  set.Bitmap

		err error
	}
)

var (
	ErrNoFunc      = errors.New("no function")
	ErrSignature   = errors.New("signature mismatch")
	ErrUnboundJump = errors.New("jump to unbound label")
)

func NewCompiler(code *CodeHolder) *Compiler {
	return &Compiler{
		code:  code,
		names: make(map[int32]string),
		bound: set.MakeBitmap(16),
	}
}

func (c *Compiler) Err() error { return c.err }

func (c *Compiler) fail(err error) {
	if c.err != nil {
		return
	}

	c.err = errors.Wrap(err, "at %v", loc.Caller(2))
}

func (c *Compiler) AddFunc(name string, sig Signature) {
	if c.fn != nil {
		c.fail(errors.New("add func %v: func %v is not ended", name, c.fn.Name))
		return
	}

	if sig.Ret != TypeVoid {
		c.fail(errors.Wrap(ErrSignature, "func %v: unsupported return type %d", name, sig.Ret))
		return
	}

	sig.Args = append([]TypeID(nil), sig.Args...)

	c.fn = &Func{
		Name: name,
		Sig:  sig,
		Args: make([]Operand, len(sig.Args)),
	}

	c.labels = 0
	c.bound.Reset()
}

// SetArg binds register r to the i-th argument of the current function.
func (c *Compiler) SetArg(i int, r Reg) {
	if c.fn == nil {
		c.fail(ErrNoFunc)
		return
	}

	if i < 0 || i >= len(c.fn.Args) {
		c.fail(errors.Wrap(ErrSignature, "func %v: arg %d of %d", c.fn.Name, i, len(c.fn.Args)))
		return
	}

	if r.Size != c.fn.Sig.Args[i].Size() {
		c.fail(errors.Wrap(ErrSignature, "func %v: arg %d: size %d, want %d", c.fn.Name, i, r.Size, c.fn.Sig.Args[i].Size()))
		return
	}

	c.fn.Args[i] = r
}

func (c *Compiler) newReg(size Size, name string) Reg {
	r := Reg{ID: VirtBase + c.next, Size: size}
	c.next++

	if name != "" {
		c.names[r.ID] = name
	}

	return r
}

func (c *Compiler) NewU8(name string) Reg      { return c.newReg(1, name) }
func (c *Compiler) NewU16(name string) Reg     { return c.newReg(2, name) }
func (c *Compiler) NewU32(name string) Reg     { return c.newReg(4, name) }
func (c *Compiler) NewU64(name string) Reg     { return c.newReg(8, name) }
func (c *Compiler) NewUIntPtr(name string) Reg { return c.newReg(PtrSize, name) }
func (c *Compiler) NewIntPtr(name string) Reg  { return c.newReg(PtrSize, name) }

// NewStack reserves size bytes in the frame of the current function.
// The returned operand has zero size and is meant for Lea.
func (c *Compiler) NewStack(size, align int) Mem {
	if c.fn == nil {
		c.fail(ErrNoFunc)
		return Mem{}
	}

	if align < 1 {
		align = 1
	}

	off := (int(c.fn.Frame) + align - 1) / align * align

	disp, err := safecast.Conv[int32](off)
	if err == nil {
		c.fn.Frame, err = safecast.Conv[int32](off + size)
	}
	if err != nil {
		c.fail(errors.Wrap(err, "stack slot of %d bytes", size))
		return Mem{}
	}

	return Mem{Base: FP, Disp: disp}
}

func (c *Compiler) NewLabel() Label {
	l := Label(c.labels)
	c.labels++

	return l
}

func (c *Compiler) Bind(l Label) {
	if int(l) >= c.labels || c.bound.IsSet(int(l)) {
		c.fail(errors.New("bind label L%d", l))
		return
	}

	c.bound.Set(int(l))
	c.emit(Inst{Op: OpLabel, Label: l})
}

func (c *Compiler) Mov(dst, src Operand) { c.emit(Inst{Op: OpMov, Dst: dst, Src: src}) }

func (c *Compiler) Lea(dst Reg, src Mem) { c.emit(Inst{Op: OpLea, Dst: dst, Src: src}) }

func (c *Compiler) Add(dst, src Operand) { c.emit(Inst{Op: OpAdd, Dst: dst, Src: src}) }
func (c *Compiler) And(dst, src Operand) { c.emit(Inst{Op: OpAnd, Dst: dst, Src: src}) }
func (c *Compiler) Or(dst, src Operand)  { c.emit(Inst{Op: OpOr, Dst: dst, Src: src}) }

func (c *Compiler) Not(dst Operand) { c.emit(Inst{Op: OpNot, Dst: dst}) }

func (c *Compiler) Cmp(a, b Operand) { c.emit(Inst{Op: OpCmp, Dst: a, Src: b}) }

func (c *Compiler) Jmp(l Label) { c.jump(OpJmp, l) }
func (c *Compiler) Je(l Label)  { c.jump(OpJe, l) }
func (c *Compiler) Jne(l Label) { c.jump(OpJne, l) }

func (c *Compiler) jump(op Op, l Label) {
	if int(l) >= c.labels {
		c.fail(errors.Wrap(ErrUnboundJump, "L%d", l))
		return
	}

	c.emit(Inst{Op: op, Label: l})
}

// Call calls the function at target passing args.
func (c *Compiler) Call(target Operand, sig Signature, args ...Operand) {
	if len(args) != sig.ArgCount() {
		c.fail(errors.Wrap(ErrSignature, "call: %d args, signature has %d", len(args), sig.ArgCount()))
		return
	}

	sig.Args = append([]TypeID(nil), sig.Args...)

	c.emit(Inst{
		Op:   OpCall,
		Src:  target,
		Sig:  &sig,
		Args: append([]Operand(nil), args...),
	})
}

func (c *Compiler) Ret() { c.emit(Inst{Op: OpRet}) }

func (c *Compiler) EndFunc() {
	if c.fn == nil {
		c.fail(ErrNoFunc)
		return
	}

	code := c.fn.Code
	if len(code) == 0 || code[len(code)-1].Op != OpRet {
		c.Ret()
	}

	for l := 0; l < c.labels; l++ {
		if !c.bound.IsSet(l) {
			c.fail(errors.Wrap(ErrUnboundJump, "func %v: L%d", c.fn.Name, l))
		}
	}

	c.ended = append(c.ended, c.fn)
	c.fn = nil
}

// Finalize allocates registers of ended functions
// and adds them to the code holder.
func (c *Compiler) Finalize() error {
	if c.err != nil {
		return c.err
	}

	if c.fn != nil {
		return errors.New("func %v is not ended", c.fn.Name)
	}

	for _, f := range c.ended {
		if c.code.logger != nil {
			c.code.logger.appendFunc(f, c.names)
		}

		err := allocate(f)
		if err != nil {
			return errors.Wrap(err, "func %v: allocate registers", f.Name)
		}

		if c.code.logger != nil {
			c.code.logger.appendFunc(f, nil)
		}

		c.code.Funcs = append(c.code.Funcs, f)
	}

	c.ended = c.ended[:0]

	return nil
}

func (c *Compiler) emit(i Inst) {
	if c.fn == nil {
		c.fail(ErrNoFunc)
		return
	}

	c.fn.Code = append(c.fn.Code, i)
}
