package asm

import (
	"sort"

	"fortio.org/safecast"
	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/set"
)

type (
	interval struct {
		id int32

		start, end int

		phys int32
		slot int32
	}

	active struct {
		heap.Heap[*interval]
	}
)

const spilled = -1

// allocate maps virtual registers of f to physical registers
// and frame slots by linear scan.
func allocate(f *Func) (err error) {
	ivs, order := liveIntervals(f)

	extendLoops(f, ivs)

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].start < order[j].start
	})

	free := set.MakeBits[int32](0)

	for r := int32(0); r < NumAlloc; r++ {
		free.Set(r)
	}

	act := active{Heap: heap.Heap[*interval]{Less: intervalLess}}

	base := (f.Frame + 7) &^ 7
	nspill := int32(0)

	spill := func(iv *interval) {
		iv.phys = spilled
		iv.slot = base + 8*nspill
		nspill++
	}

	for _, iv := range order {
		act.expire(iv.start, &free)

		if r, ok := free.First(); ok {
			free.Clear(r)

			iv.phys = r
			act.Push(iv)

			continue
		}

		far := 0

		for i, x := range act.Data {
			if x.end > act.Data[far].end {
				far = i
			}
		}

		x := act.Data[far]

		if x.end <= iv.end {
			spill(iv)
			continue
		}

		iv.phys = x.phys
		spill(x)

		act.Data[far] = iv
		act.Fix(far)
	}

	frame, err := safecast.Conv[int32]((int(base) + 8*int(nspill) + 15) &^ 15)
	if err != nil {
		return errors.Wrap(err, "frame size")
	}

	f.Frame = frame

	if tlog.If("regalloc") {
		for _, iv := range order {
			tlog.Printw("interval", "func", f.Name, "v", iv.id-VirtBase, "start", iv.start, "end", iv.end, "phys", iv.phys, "slot", iv.slot)
		}
	}

	return rewrite(f, ivs)
}

func (a *active) expire(pos int, free *set.Bits[int32]) {
	for a.Len() != 0 {
		x := a.Pop()

		if x.end >= pos {
			a.Push(x)
			return
		}

		free.Set(x.phys)
	}
}

func intervalLess(d []*interval, i, j int) bool {
	return d[i].end < d[j].end
}

func liveIntervals(f *Func) (map[int32]*interval, []*interval) {
	ivs := make(map[int32]*interval)
	var order []*interval

	use := func(r Reg, pos int) {
		if !r.IsVirtual() {
			return
		}

		iv, ok := ivs[r.ID]
		if !ok {
			iv = &interval{id: r.ID, start: pos, end: pos}
			ivs[r.ID] = iv
			order = append(order, iv)
		}

		iv.start = min(iv.start, pos)
		iv.end = max(iv.end, pos)
	}

	operand := func(o Operand, pos int) {
		switch o := o.(type) {
		case Reg:
			use(o, pos)
		case Mem:
			use(o.Base, pos)
		}
	}

	for _, a := range f.Args {
		operand(a, -1)
	}

	for pos, i := range f.Code {
		operand(i.Dst, pos)
		operand(i.Src, pos)

		for _, a := range i.Args {
			operand(a, pos)
		}
	}

	return ivs, order
}

// extendLoops keeps values live into a loop head alive until the backward jump.
func extendLoops(f *Func, ivs map[int32]*interval) {
	labels := labelPositions(f.Code)

	for changed := true; changed; {
		changed = false

		for pos, i := range f.Code {
			if !i.Op.IsJump() {
				continue
			}

			head := labels[i.Label]
			if head > pos {
				continue
			}

			for _, iv := range ivs {
				if iv.start < head && iv.end >= head && iv.end < pos {
					iv.end = pos
					changed = true
				}
			}
		}
	}
}

func rewrite(f *Func, ivs map[int32]*interval) error {
	reg := func(r Reg) Operand {
		if !r.IsVirtual() {
			return r
		}

		iv := ivs[r.ID]

		if iv.phys == spilled {
			return Mem{Base: FP, Disp: iv.slot, Size: r.Size}
		}

		return Reg{ID: iv.phys, Size: r.Size}
	}

	code := make([]Inst, 0, len(f.Code))

	for _, in := range f.Code {
		scratch := []int32{Scratch0, Scratch1}

		var err error

		operand := func(o Operand) Operand {
			switch o := o.(type) {
			case Reg:
				return reg(o)
			case Mem:
				switch b := reg(o.Base).(type) {
				case Reg:
					o.Base = b
					return o
				case Mem:
					if len(scratch) == 0 {
						err = errors.New("out of scratch registers: %v", in)
						return o
					}

					s := Reg{ID: scratch[0], Size: PtrSize}
					scratch = scratch[1:]

					b.Size = PtrSize
					code = append(code, Inst{Op: OpMov, Dst: s, Src: b})

					o.Base = s

					return o
				}
			}

			return o
		}

		in.Dst = operand(in.Dst)
		in.Src = operand(in.Src)

		if in.Args != nil {
			args := make([]Operand, len(in.Args))

			for i, a := range in.Args {
				args[i] = operand(a)
			}

			in.Args = args
		}

		if err != nil {
			return err
		}

		code = append(code, in)
	}

	for i, a := range f.Args {
		if r, ok := a.(Reg); ok {
			f.Args[i] = reg(r)
		}
	}

	f.Code = code
	f.labels = labelPositions(code)

	return nil
}

func labelPositions(code []Inst) []int {
	var labels []int

	for pos, i := range code {
		if i.Op != OpLabel {
			continue
		}

		for int(i.Label) >= len(labels) {
			labels = append(labels, -1)
		}

		labels[i.Label] = pos
	}

	return labels
}
