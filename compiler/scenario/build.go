package scenario

import (
	"sort"
	"strconv"
	"strings"

	"tlog.app/go/errors"

	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

type (
	// Program is a built scenario.
	Program struct {
		*ir.Package

		Intrinsics []ir.Expr
		Execute    ir.Expr
		Expect     ir.Const
	}

	builder struct {
		*ir.Package

		types     map[string]tp.Type
		consts    map[string]ir.Expr
		callables map[string]ir.Expr
	}
)

// Build constructs the IR described by the scenario.
func (s *Scenario) Build() (*Program, error) {
	b := &builder{
		Package:   ir.New(s.Name),
		types:     map[string]tp.Type{},
		consts:    map[string]ir.Expr{},
		callables: map[string]ir.Expr{},
	}

	prog := &Program{Package: b.Package}

	for _, t := range s.Types {
		err := b.structType(t)
		if err != nil {
			return nil, errors.Wrap(err, "type %v", t.Name)
		}
	}

	names := make([]string, 0, len(s.Consts))

	for name := range s.Consts {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		c, err := b.constant(s.Consts[name])
		if err != nil {
			return nil, errors.Wrap(err, "const %v", name)
		}

		id, err := b.Const(c)
		if err != nil {
			return nil, errors.Wrap(err, "const %v", name)
		}

		b.consts[name] = id
	}

	scopes := make([]map[string]ir.Expr, len(s.Intrinsics))

	for i, f := range s.Intrinsics {
		if _, ok := b.callables[f.Name]; ok {
			return nil, errors.New("intrinsic %v: redeclared", f.Name)
		}

		id := b.Intrinsic(f.Name)
		b.callables[f.Name] = id
		prog.Intrinsics = append(prog.Intrinsics, id)

		scope, err := b.params(id, f)
		if err != nil {
			return nil, errors.Wrap(err, "intrinsic %v", f.Name)
		}

		scopes[i] = scope
	}

	for i, f := range s.Intrinsics {
		err := b.body(prog.Intrinsics[i], f, scopes[i])
		if err != nil {
			return nil, errors.Wrap(err, "intrinsic %v", f.Name)
		}
	}

	var err error

	prog.Execute, err = b.instr(b.scope(), s.Execute)
	if err != nil {
		return nil, errors.Wrap(err, "execute")
	}

	if s.Expect != "" {
		prog.Expect, err = b.constant(s.Expect)
		if err != nil {
			return nil, errors.Wrap(err, "expect")
		}
	}

	return prog, nil
}

func (b *builder) structType(t Type) error {
	if t.Name == "" {
		return errors.New("name is required")
	}

	if _, err := b.typ(t.Name); err == nil {
		return errors.New("redeclared")
	}

	st := tp.Struct{Name: t.Name}

	for _, f := range t.Fields {
		name, ft, err := b.pair(f)
		if err != nil {
			return err
		}

		st.Fields = append(st.Fields, tp.StructField{Name: name, Type: ft})
	}

	b.types[t.Name] = st

	return nil
}

func (b *builder) params(id ir.Expr, f Intrinsic) (map[string]ir.Expr, error) {
	scope := b.scope()

	add := func(l []string, out bool) error {
		for _, p := range l {
			name, t, err := b.pair(p)
			if err != nil {
				return err
			}

			if _, ok := scope[name]; ok {
				return errors.New("parameter %v: redeclared", name)
			}

			if out {
				scope[name] = b.Out(id, name, t)
			} else {
				scope[name] = b.In(id, name, t)
			}
		}

		return nil
	}

	err := add(f.In, false)
	if err != nil {
		return nil, errors.Wrap(err, "in")
	}

	err = add(f.Out, true)
	if err != nil {
		return nil, errors.Wrap(err, "out")
	}

	return scope, nil
}

func (b *builder) body(id ir.Expr, f Intrinsic, scope map[string]ir.Expr) error {
	if len(f.Body) == 0 {
		b.SetBody(id, b.Sequential())
		return nil
	}

	code := make([]ir.Expr, 0, len(f.Body))

	for i, in := range f.Body {
		x, err := b.instr(scope, in)
		if err != nil {
			return errors.Wrap(err, "instruction %d (%v)", i, in.Op)
		}

		if in.Name != "" {
			if _, ok := scope[in.Name]; ok {
				return errors.New("instruction %d: %v: redeclared", i, in.Name)
			}

			scope[in.Name] = x
		}

		code = append(code, x)
	}

	b.SetBody(id, b.Sequential(b.Trivial(code...)))

	return nil
}

func (b *builder) instr(scope map[string]ir.Expr, in Instr) (ir.Expr, error) {
	var t tp.Type

	switch in.Op {
	case "alloc", "cast", "zext", "trunc":
		var err error

		t, err = b.typ(in.Type)
		if err != nil {
			return ir.Nil, err
		}
	default:
		if in.Type != "" {
			return ir.Nil, errors.New("%v: unexpected type", in.Op)
		}
	}

	if in.Op == "call" {
		if len(in.Args) == 0 {
			return ir.Nil, errors.New("call: callee expected")
		}

		f, ok := b.callables[in.Args[0]]
		if !ok {
			f, ok = scope[in.Args[0]]
		}

		if !ok {
			return ir.Nil, errors.New("call: undefined callee: %v", in.Args[0])
		}

		args, err := b.operands(scope, in.Args[1:])
		if err != nil {
			return ir.Nil, errors.Wrap(err, "call")
		}

		return b.Call(f, args...), nil
	}

	args, err := b.operands(scope, in.Args)
	if err != nil {
		return ir.Nil, errors.Wrap(err, "%v", in.Op)
	}

	want := 2

	switch in.Op {
	case "nop", "alloc":
		want = 0
	case "id", "cast", "zext", "trunc", "not", "lnot", "load":
		want = 1
	}

	if len(args) != want {
		return ir.Nil, errors.New("%v: %d operands expected, got %d", in.Op, want, len(args))
	}

	switch in.Op {
	case "nop":
		return b.Nop(), nil
	case "alloc":
		return b.Alloc(t), nil
	case "id":
		return b.ID(args[0]), nil
	case "cast":
		return b.Cast(args[0], t), nil
	case "zext":
		return b.Zext(args[0], t), nil
	case "trunc":
		return b.Trunc(args[0], t), nil
	case "not":
		return b.Not(args[0]), nil
	case "lnot":
		return b.Lnot(args[0]), nil
	case "load":
		return b.Load(args[0]), nil
	case "extract":
		return b.Extract(args[0], args[1]), nil
	case "store":
		return b.Store(args[0], args[1]), nil
	case "and":
		return b.And(args[0], args[1]), nil
	case "or":
		return b.Or(args[0], args[1]), nil
	case "xor":
		return b.Xor(args[0], args[1]), nil
	case "addu":
		return b.AddU(args[0], args[1]), nil
	case "adds":
		return b.AddS(args[0], args[1]), nil
	case "divs":
		return b.DivS(args[0], args[1]), nil
	case "modu":
		return b.ModU(args[0], args[1]), nil
	case "equ":
		return b.Equ(args[0], args[1]), nil
	case "neq":
		return b.Neq(args[0], args[1]), nil
	default:
		return ir.Nil, errors.New("unknown op: %q", in.Op)
	}
}

func (b *builder) operands(scope map[string]ir.Expr, l []string) ([]ir.Expr, error) {
	r := make([]ir.Expr, len(l))

	for i, a := range l {
		id, err := b.operand(scope, a)
		if err != nil {
			return nil, errors.Wrap(err, "operand %d", i)
		}

		r[i] = id
	}

	return r, nil
}

func (b *builder) operand(scope map[string]ir.Expr, a string) (ir.Expr, error) {
	a = strings.TrimSpace(a)

	if id, ok := scope[a]; ok {
		return id, nil
	}

	if t, ok := strings.CutPrefix(a, "alloc "); ok {
		typ, err := b.typ(strings.TrimSpace(t))
		if err != nil {
			return ir.Nil, err
		}

		return b.Alloc(typ), nil
	}

	if !strings.ContainsAny(a, " {") {
		return ir.Nil, errors.New("undefined: %v", a)
	}

	c, err := b.constant(a)
	if err != nil {
		return ir.Nil, err
	}

	return b.Const(c)
}

// constant parses "<type> <number>" and "<type> {<field>, ...}" literals.
// Bit fields may omit the type.
func (b *builder) constant(s string) (ir.Const, error) {
	s = strings.TrimSpace(s)

	end := strings.IndexAny(s, " {")
	if end < 0 {
		return ir.Const{}, errors.New("bad literal: %q", s)
	}

	t, err := b.typ(s[:end])
	if err != nil {
		return ir.Const{}, err
	}

	return b.value(t, strings.TrimSpace(s[end:]))
}

func (b *builder) value(t tp.Type, s string) (ir.Const, error) {
	switch t := t.(type) {
	case tp.Bit:
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return ir.Const{}, errors.Wrap(err, "%v", t)
		}

		if t.Bits < 64 && v>>uint(t.Bits) != 0 {
			return ir.Const{}, errors.New("%v: value %#x overflows", t, v)
		}

		return ir.BitValue(t.Bits, v), nil
	case tp.Struct, tp.Vector:
		inner, ok := strings.CutPrefix(s, "{")
		if ok {
			inner, ok = strings.CutSuffix(inner, "}")
		}

		if !ok {
			return ir.Const{}, errors.New("%v: braces expected: %q", t, s)
		}

		fs := splitFields(inner)
		ms := tp.Members(t)

		if len(fs) != len(ms) {
			return ir.Const{}, errors.New("%v: %d fields expected, got %d", t, len(ms), len(fs))
		}

		c := ir.StructValue(t, make([]ir.Const, len(fs))...)

		for i, f := range fs {
			var err error

			if _, ok := ms[i].(tp.Bit); ok && !strings.ContainsAny(f, " {") {
				c.Fields[i], err = b.value(ms[i], f)
			} else {
				c.Fields[i], err = b.constant(f)
			}

			if err != nil {
				return ir.Const{}, errors.Wrap(err, "field %d", i)
			}

			if !tp.Equal(ms[i], c.Fields[i].Type) {
				return ir.Const{}, errors.New("field %d: %v expected, got %v", i, ms[i], c.Fields[i].Type)
			}
		}

		return c, nil
	default:
		return ir.Const{}, errors.New("%v: literals are not supported", t)
	}
}

func (b *builder) typ(name string) (tp.Type, error) {
	switch name {
	case "":
		return nil, errors.New("type expected")
	case "void":
		return tp.Void{}, nil
	case "string":
		return tp.String{}, nil
	}

	if t, ok := b.types[name]; ok {
		return t, nil
	}

	if bits, ok := strings.CutPrefix(name, "u"); ok {
		n, err := strconv.Atoi(bits)
		if err == nil && n > 0 {
			return tp.Bit{Bits: n}, nil
		}
	}

	return nil, errors.New("undefined type: %v", name)
}

// pair parses "name type".
func (b *builder) pair(s string) (string, tp.Type, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return "", nil, errors.New("\"name type\" expected: %q", s)
	}

	t, err := b.typ(f[1])
	if err != nil {
		return "", nil, err
	}

	return f[0], t, nil
}

func (b *builder) scope() map[string]ir.Expr {
	m := make(map[string]ir.Expr, len(b.consts))

	for k, v := range b.consts {
		m[k] = v
	}

	return m
}

func splitFields(s string) (r []string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	d, st := 0, 0

	for i, c := range s {
		switch c {
		case '{':
			d++
		case '}':
			d--
		case ',':
			if d == 0 {
				r = append(r, strings.TrimSpace(s[st:i]))
				st = i + 1
			}
		}
	}

	return append(r, strings.TrimSpace(s[st:]))
}
