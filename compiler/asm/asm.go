package asm

import (
	"tlog.app/go/tlog/tlwire"
)

type (
	// Size is an operand width in bytes.
	Size int8

	// Reg is a register view of Size bytes.
	// IDs below VirtBase are physical.
	Reg struct {
		ID   int32
		Size Size
	}

	// Mem is a Size bytes memory operand at Base+Disp.
	Mem struct {
		Base Reg
		Disp int32
		Size Size
	}

	Imm   uint64
	Label int

	// Operand is one of Reg, Mem, Imm.
	Operand any

	Op int8

	Inst struct {
		Op Op

		Dst Operand
		Src Operand

		Label Label

		Sig  *Signature
		Args []Operand
	}

	Func struct {
		Name string
		Sig  Signature

		Code []Inst

		// Args are argument registers before allocation
		// and argument locations after it.
		Args []Operand

		// Frame is the number of stack bytes.
		// Stack slots are FP relative.
		Frame int32

		labels []int
	}

	TypeID int8

	CallConv int8

	Signature struct {
		CallConv CallConv
		Ret      TypeID
		Args     []TypeID
	}
)

const (
	OpNop Op = iota
	OpMov
	OpLea
	OpAdd
	OpAnd
	OpOr
	OpNot
	OpCmp
	OpJmp
	OpJe
	OpJne
	OpLabel
	OpCall
	OpRet
)

const (
	TypeVoid TypeID = iota
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeUIntPtr
	TypeIntPtr
)

const (
	CallConvHost CallConv = iota
)

const (
	NumRegs = 16

	// R0..R12 are allocatable.
	NumAlloc = 13

	Scratch0 = 13
	Scratch1 = 14

	FPID = 15

	VirtBase = 64

	PtrSize Size = 8
)

var FP = Reg{ID: FPID, Size: PtrSize}

var opNames = [...]string{
	OpNop:   "nop",
	OpMov:   "mov",
	OpLea:   "lea",
	OpAdd:   "add",
	OpAnd:   "and",
	OpOr:    "or",
	OpNot:   "not",
	OpCmp:   "cmp",
	OpJmp:   "jmp",
	OpJe:    "je",
	OpJne:   "jne",
	OpLabel: "label",
	OpCall:  "call",
	OpRet:   "ret",
}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return "op?"
	}

	return opNames[op]
}

func (op Op) IsJump() bool {
	return op == OpJmp || op == OpJe || op == OpJne
}

func (s *Signature) Init(cc CallConv, ret TypeID) {
	s.CallConv = cc
	s.Ret = ret
	s.Args = s.Args[:0]
}

func (s *Signature) AddArg(t TypeID) {
	s.Args = append(s.Args, t)
}

func (s Signature) ArgCount() int { return len(s.Args) }

func (t TypeID) Size() Size {
	switch t {
	case TypeU8:
		return 1
	case TypeU16:
		return 2
	case TypeU32:
		return 4
	case TypeU64, TypeUIntPtr, TypeIntPtr:
		return 8
	}

	return 0
}

func (r Reg) IsVirtual() bool { return r.ID >= VirtBase }

func (r Reg) View(s Size) Reg { return Reg{ID: r.ID, Size: s} }

func (r Reg) R8() Reg  { return r.View(1) }
func (r Reg) R16() Reg { return r.View(2) }
func (r Reg) R32() Reg { return r.View(4) }
func (r Reg) R64() Reg { return r.View(8) }

// Ptr returns a memory operand addressed by base register.
func Ptr(base Reg, disp int32, size Size) Mem {
	return Mem{Base: base.R64(), Disp: disp, Size: size}
}

// SizeOf returns the number of bytes for a bit width.
func SizeOf(bits int) Size {
	switch {
	case bits <= 8:
		return 1
	case bits <= 16:
		return 2
	case bits <= 32:
		return 4
	default:
		return 8
	}
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, string(appendOperand(nil, r)))
}

func (m Mem) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, string(appendOperand(nil, m)))
}

func (i Inst) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, string(appendInst(nil, i)))
}
