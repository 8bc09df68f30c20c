package compiler

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler/back"
	"github.com/casm-lang/libcjel-rt/compiler/ir"
	"github.com/casm-lang/libcjel-rt/compiler/scenario"
)

type (
	// Report is the outcome of one scenario run.
	Report struct {
		Name string
		Op   string

		Value  ir.Const
		Expect ir.Const

		// Unsupported is the What of the returned UnsupportedError.
		Unsupported string
		ExpectError string

		Listing []byte
	}
)

func RunFile(ctx context.Context, name string) (r *Report, err error) {
	s, err := scenario.Load(name)
	if err != nil {
		return nil, errors.Wrap(err, "load scenario")
	}

	tlog.SpanFromContext(ctx).Printw("loaded scenario", "name", s.Name, "file", name)

	return Run(ctx, s)
}

// Run builds and executes a scenario.
// Unsupported constructs are reported, other failures are returned.
func Run(ctx context.Context, s *scenario.Scenario) (r *Report, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compiler: run", "name", s.Name)
	defer tr.Finish("err", &err)

	prog, err := s.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build")
	}

	r = &Report{
		Name:        s.Name,
		Op:          s.Execute.Op,
		Expect:      prog.Expect,
		ExpectError: s.Error,
	}

	res, err := back.New(s.Options).Run(ctx, prog.Package, prog.Execute)

	var ue *back.UnsupportedError

	switch {
	case errors.As(err, &ue):
		r.Unsupported = ue.What

		if tr.If("unsupported") {
			tr.Printw("unsupported", "err", err)
		}

		return r, nil
	case err != nil:
		return nil, errors.Wrap(err, "execute")
	}

	r.Value = res.Value
	r.Listing = res.Listing

	return r, nil
}

func (r *Report) OK() bool {
	if r.ExpectError != "" {
		return r.Unsupported == r.ExpectError
	}

	return r.Unsupported == "" && r.Value.Equal(r.Expect)
}

// AppendTo appends a text rendering of the report without the listing.
func (r *Report) AppendTo(b []byte) []byte {
	b = hfmt.Appendf(b, "scenario: %s\n", r.Name)
	b = hfmt.Appendf(b, "execute:  %s\n", r.Op)

	if r.Unsupported != "" {
		b = hfmt.Appendf(b, "result:   unsupported %s\n", r.Unsupported)
	} else {
		b = hfmt.Appendf(b, "result:   %s\n", r.Value.String())
	}

	if r.ExpectError != "" {
		b = hfmt.Appendf(b, "expect:   unsupported %s\n", r.ExpectError)
	} else {
		b = hfmt.Appendf(b, "expect:   %s\n", r.Expect.String())
	}

	status := "ok"
	if !r.OK() {
		status = "mismatch"
	}

	b = hfmt.Appendf(b, "status:   %s\n", status)

	return b
}
