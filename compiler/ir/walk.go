package ir

type (
	// Visitor hooks are called for every node in pre-order.
	// Mid is called for callables after parameters and before the body.
	// Nil hooks are skipped.
	Visitor struct {
		Enter func(id Expr, x any) error
		Mid   func(id Expr, x any) error
		Exit  func(id Expr, x any) error
	}
)

func (p *Package) Walk(id Expr, v Visitor) (err error) {
	if id == Nil {
		return nil
	}

	x := p.Exprs[id]

	if v.Enter != nil {
		err = v.Enter(id, x)
		if err != nil {
			return err
		}
	}

	var params []Expr
	body := Nil

	switch x := x.(type) {
	case *Intrinsic:
		params = append(params, x.In...)
		params = append(params, x.Out...)
		params = append(params, x.Link...)
		body = x.Body
	case *Function:
		params = append(append(params, x.In...), x.Out...)
		body = x.Body
	case *Module:
		params = x.Decls
	case SequentialScope:
		params = x.Blocks
	case ParallelScope:
		params = x.Blocks
	case Trivial:
		params = x.Code
	}

	for _, c := range params {
		err = p.Walk(c, v)
		if err != nil {
			return err
		}
	}

	if _, ok := callable(x); ok && v.Mid != nil {
		err = v.Mid(id, x)
		if err != nil {
			return err
		}
	}

	err = p.Walk(body, v)
	if err != nil {
		return err
	}

	if v.Exit != nil {
		err = v.Exit(id, x)
		if err != nil {
			return err
		}
	}

	return nil
}

// Callees returns distinct callees of every Call reachable from id in order of appearance.
// Instruction operands are searched too.
func (p *Package) Callees(id Expr) (r []Expr) {
	seen := map[Expr]struct{}{}
	done := map[Expr]struct{}{}

	var scan func(id Expr)

	scan = func(id Expr) {
		if _, ok := done[id]; ok || id == Nil {
			return
		}

		done[id] = struct{}{}

		x, ok := p.Exprs[id].(Instruction)
		if !ok {
			return
		}

		if c, ok := x.(Call); ok {
			if _, ok := seen[c.Callee]; !ok {
				seen[c.Callee] = struct{}{}
				r = append(r, c.Callee)
			}
		}

		for _, op := range x.Operands() {
			scan(op)
		}
	}

	_ = p.Walk(id, Visitor{
		Enter: func(id Expr, x any) error {
			scan(id)

			return nil
		},
	})

	return r
}

func callable(x any) (string, bool) {
	switch x := x.(type) {
	case *Intrinsic:
		return x.Name, true
	case *Function:
		return x.Name, true
	}

	return "", false
}
