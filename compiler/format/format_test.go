package format

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/tp"
)

func TestFormatIntrinsic(t *testing.T) {
	u8 := tp.Bit{Bits: 8}

	p := ir.New("test")

	f := p.Intrinsic("inc")
	arg := p.In(f, "arg", u8)
	res := p.Out(f, "res", u8)

	v := p.Load(arg)
	s := p.AddU(v, p.Bit(8, 1))
	st := p.Store(s, res)

	p.SetBody(f, p.Sequential(p.Trivial(v, s, st)))

	b := Format(nil, p, f)
	t.Logf("ir\n%s", b)

	assert.Contains(t, string(b), "intrinsic inc(%arg u8) -> (%res u8) {\n")
	assert.Contains(t, string(b), "\tseq {\n")
	assert.Contains(t, string(b), "\t\t%3 = load %1 : u8\n")
	assert.Contains(t, string(b), "%5 = addu %3, %4 : u8\n")
	assert.Contains(t, string(b), "%6 = store %5, %2 : void\n")
}

func TestFormatValue(t *testing.T) {
	p := ir.New("test")

	c := p.Bit(8, 0x18)

	assert.Equal(t, "u8 0x18", string(Value(nil, p, c)))
	assert.Equal(t, "%1 = lnot %0 : u1", string(Value(nil, p, p.Lnot(c))))
	assert.Equal(t, "%2 = nop : void", string(Value(nil, p, p.Nop())))
}
