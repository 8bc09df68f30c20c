package back

import (
	"context"
	"fmt"
	"path/filepath"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/asm"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
)

type (
	Config struct {
		// ScratchSize is the minimal size of the result buffer.
		ScratchSize int `yaml:"scratch_size"`

		MemorySize int `yaml:"memory_size"`
		StepLimit  int `yaml:"step_limit"`
		DepthLimit int `yaml:"depth_limit"`
	}

	Compiler struct {
		Config
	}

	// Result is an executed value together with the listing
	// of every function compiled for it.
	Result struct {
		Value   ir.Const
		Listing []byte
	}

	// Callable is a compiled or being compiled native function.
	Callable struct {
		Name string
		Sig  asm.Signature
		Ptr  asm.FuncPtr

		args int
	}

	// Context is the state of one execution request.
	// It is not safe for concurrent use.
	Context struct {
		*ir.Package

		cfg *Config

		rt   *asm.Runtime
		code *asm.CodeHolder
		log  *asm.Logger
		cc   *asm.Compiler

		callables map[ir.Expr]*Callable
		compiling map[ir.Expr]struct{}
		cur       *Callable

		val2reg map[ir.Expr]asm.Reg
		val2mem map[ir.Expr]asm.Mem

		listing []byte
	}

	// UnsupportedError is returned for constructs the backend does not lower.
	UnsupportedError struct {
		What string
		Kind string
		Expr ir.Expr
		PC   loc.PC
	}
)

var DefaultConfig = Config{
	ScratchSize: 16,
	MemorySize:  1 << 16,
	StepLimit:   1 << 20,
	DepthLimit:  64,
}

func New(cfg Config) *Compiler {
	if cfg.ScratchSize == 0 {
		cfg.ScratchSize = DefaultConfig.ScratchSize
	}

	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultConfig.MemorySize
	}

	if cfg.StepLimit == 0 {
		cfg.StepLimit = DefaultConfig.StepLimit
	}

	if cfg.DepthLimit == 0 {
		cfg.DepthLimit = DefaultConfig.DepthLimit
	}

	return &Compiler{Config: cfg}
}

// Execute lowers and runs a call or operator instruction
// and returns its value.
func (c *Compiler) Execute(ctx context.Context, p *ir.Package, id ir.Expr) (ir.Const, error) {
	res, err := c.Run(ctx, p, id)
	if err != nil {
		return ir.Const{}, err
	}

	return res.Value, nil
}

// MustExecute is Execute which panics on error.
func (c *Compiler) MustExecute(ctx context.Context, p *ir.Package, id ir.Expr) ir.Const {
	v, err := c.Execute(ctx, p, id)
	if err != nil {
		panic(err)
	}

	return v
}

func (c *Compiler) Run(ctx context.Context, p *ir.Package, id ir.Expr) (res *Result, err error) {
	x := p.Exprs[id]

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: execute", "id", id, "typ", tlog.NextAsType, x, "type", p.EType[id])
	defer tr.Finish("err", &err)

	b := c.newContext(p)
	defer b.Close()

	var v ir.Const

	switch x.(type) {
	case ir.Call:
		v, err = b.executeCall(ctx, id)
	case ir.Operator:
		v, err = b.executeOperator(ctx, id)
	default:
		err = unsupported("instruction", id, x)
	}

	if err != nil {
		return nil, err
	}

	tr.Printw("result", "value", v)

	return &Result{Value: v, Listing: b.listing}, nil
}

// Invoke compiles the callable and calls it with one pointer argument per buffer.
func (c *Compiler) Invoke(ctx context.Context, p *ir.Package, callable ir.Expr, bufs ...[]byte) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: invoke", "callable", callable, "bufs", len(bufs))
	defer tr.Finish("err", &err)

	b := c.newContext(p)
	defer b.Close()

	err = b.compileCallable(ctx, callable)
	if err != nil {
		return err
	}

	cl := b.callables[callable]

	if len(bufs) != cl.Sig.ArgCount() {
		return errors.Wrap(asm.ErrSignature, "%v: %d buffers for %d args", cl.Name, len(bufs), cl.Sig.ArgCount())
	}

	f := p.Exprs[callable].(*ir.Intrinsic)

	for i, a := range append(append([]ir.Expr{}, f.In...), f.Out...) {
		if t := p.EType[a]; len(bufs[i]) < t.Size() {
			return errors.Wrap(asm.ErrSignature, "%v: buffer %d: %d bytes for %v", cl.Name, i, len(bufs[i]), t)
		}
	}

	err = b.rt.Call(cl.Ptr, bufs...)
	if err != nil {
		return errors.Wrap(err, "call %v", cl.Name)
	}

	return nil
}

func (c *Compiler) newContext(p *ir.Package) *Context {
	rt := asm.NewRuntime(c.MemorySize)
	rt.StepLimit = c.StepLimit
	rt.DepthLimit = c.DepthLimit

	b := &Context{
		Package:   p,
		cfg:       &c.Config,
		rt:        rt,
		callables: make(map[ir.Expr]*Callable),
		compiling: make(map[ir.Expr]struct{}),
	}

	b.reset()

	return b
}

// reset starts a new compilation.
// Compiled callables survive it.
func (b *Context) reset() {
	b.code = asm.NewCodeHolder()
	b.log = &asm.Logger{}
	b.code.SetLogger(b.log)
	b.cc = asm.NewCompiler(b.code)

	b.cur = nil

	b.val2reg = make(map[ir.Expr]asm.Reg)
	b.val2mem = make(map[ir.Expr]asm.Mem)
}

// Close releases compiled functions.
func (b *Context) Close() {
	for id, cl := range b.callables {
		if cl.Ptr == 0 {
			continue
		}

		err := b.rt.Release(cl.Ptr)
		if err != nil {
			tlog.Printw("release callable", "id", id, "name", cl.Name, "err", err)
		}

		cl.Ptr = 0
	}
}

func unsupported(what string, id ir.Expr, x any) *UnsupportedError {
	return &UnsupportedError{
		What: what,
		Kind: fmt.Sprintf("%T", x),
		Expr: id,
		PC:   loc.Caller(1),
	}
}

func (e *UnsupportedError) Error() string {
	name, file, line := e.PC.NameFileLine()

	return fmt.Sprintf("unsupported %s: %s (expr %d) at %s:%d: %s", e.What, e.Kind, e.Expr, filepath.Base(file), line, filepath.Base(name))
}
