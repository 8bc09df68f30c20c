package asm

import (
	"strconv"

	"github.com/nikandfor/hacked/hfmt"
)

type (
	// CodeHolder keeps finalized functions until they are added to a Runtime.
	CodeHolder struct {
		Funcs []*Func

		logger *Logger
	}

	// Logger collects text listings of finalized code.
	Logger struct {
		b []byte
	}
)

func NewCodeHolder() *CodeHolder {
	return &CodeHolder{}
}

func (h *CodeHolder) SetLogger(l *Logger) { h.logger = l }

func (h *CodeHolder) Reset() {
	h.Funcs = h.Funcs[:0]
}

func (l *Logger) String() string { return string(l.b) }
func (l *Logger) Bytes() []byte  { return l.b }

func (l *Logger) Clear() { l.b = l.b[:0] }

// appendFunc adds a listing of f.
// Virtual registers are printed with names if given.
func (l *Logger) appendFunc(f *Func, names map[int32]string) {
	phase := "allocated"
	if names != nil {
		phase = "virtual"
	}

	l.b = hfmt.Appendf(l.b, "func %s(", f.Name)

	for i, a := range f.Args {
		if i != 0 {
			l.b = append(l.b, ", "...)
		}

		l.b = appendNamed(l.b, a, names)
	}

	l.b = hfmt.Appendf(l.b, ") frame %d // %s\n", f.Frame, phase)

	for _, i := range f.Code {
		if i.Op == OpLabel {
			l.b = appendInst(l.b, i)
			l.b = append(l.b, '\n')

			continue
		}

		l.b = append(l.b, '\t')
		l.b = appendInstNamed(l.b, i, names)
		l.b = append(l.b, '\n')
	}
}

func appendInst(b []byte, i Inst) []byte {
	return appendInstNamed(b, i, nil)
}

func appendInstNamed(b []byte, i Inst, names map[int32]string) []byte {
	switch i.Op {
	case OpLabel:
		return hfmt.Appendf(b, "L%d:", i.Label)
	case OpJmp, OpJe, OpJne:
		return hfmt.Appendf(b, "%s L%d", i.Op.String(), i.Label)
	case OpRet, OpNop:
		return append(b, i.Op.String()...)
	}

	b = hfmt.Appendf(b, "%s ", i.Op.String())

	if i.Op == OpCall {
		b = appendNamed(b, i.Src, names)

		for _, a := range i.Args {
			b = append(b, ", "...)
			b = appendNamed(b, a, names)
		}

		return b
	}

	b = appendNamed(b, i.Dst, names)

	if i.Src != nil {
		b = append(b, ", "...)
		b = appendNamed(b, i.Src, names)
	}

	return b
}

func appendNamed(b []byte, o Operand, names map[int32]string) []byte {
	b = appendOperand(b, o)

	var id int32

	switch o := o.(type) {
	case Reg:
		id = o.ID
	case Mem:
		id = o.Base.ID
	default:
		return b
	}

	if n, ok := names[id]; ok {
		b = append(b, '(')
		b = append(b, n...)
		b = append(b, ')')
	}

	return b
}

func appendOperand(b []byte, o Operand) []byte {
	switch o := o.(type) {
	case nil:
		return append(b, '_')
	case Reg:
		return appendReg(b, o)
	case Mem:
		b = append(b, sizeName(o.Size)...)
		b = append(b, '[')
		b = appendReg(b, o.Base.R64())

		if o.Disp != 0 {
			if o.Disp > 0 {
				b = append(b, '+')
			}

			b = strconv.AppendInt(b, int64(o.Disp), 10)
		}

		return append(b, ']')
	case Imm:
		b = append(b, "0x"...)
		return strconv.AppendUint(b, uint64(o), 16)
	default:
		return hfmt.Appendf(b, "%v", o)
	}
}

func appendReg(b []byte, r Reg) []byte {
	if r.ID == FPID {
		return append(b, "fp"...)
	}

	if r.IsVirtual() {
		b = append(b, 'v')
		b = strconv.AppendInt(b, int64(r.ID-VirtBase), 10)
	} else {
		b = append(b, 'r')
		b = strconv.AppendInt(b, int64(r.ID), 10)
	}

	switch r.Size {
	case 1:
		b = append(b, 'b')
	case 2:
		b = append(b, 'w')
	case 4:
		b = append(b, 'd')
	}

	return b
}

func sizeName(s Size) string {
	switch s {
	case 1:
		return "byte "
	case 2:
		return "word "
	case 4:
		return "dword "
	case 8:
		return "qword "
	}

	return ""
}
