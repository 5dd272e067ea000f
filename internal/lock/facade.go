package lock

// Facade is the declarative "ensure lock sufficient for {S,X,NL}" resolver
// and the only interface clients should use; LockContext calls exist for
// the facade's own implementation and for tests.
type Facade struct{}

// NewFacade returns a stateless Facade. It carries no state of its own: all
// state lives in the Table and Context tree passed to EnsureSufficient.
func NewFacade() *Facade {
	return &Facade{}
}

// Held returns the explicit mode tx holds at ctx, or NL.
func (c *Context) Held(tx Transaction) Mode {
	return c.table.ModeHeldBy(tx.TransNum(), c.name)
}

func (c *Context) acquireOrPromote(tx Transaction, mode Mode) error {
	if c.Held(tx) == NL {
		return c.Acquire(tx, mode)
	}
	return c.Promote(tx, mode)
}

// EnsureSufficient guarantees that after it returns successfully,
// Substitutable(ctx.EffectiveMode(tx), req) holds, and every ancestor of
// ctx holds at least ParentLockOf(req). req must be one of NL, S, X.
func (f *Facade) EnsureSufficient(tx Transaction, ctx *Context, req Mode) error {
	if req != NL && req != S && req != X {
		return ErrInvalidLock
	}
	if Substitutable(ctx.EffectiveMode(tx.TransNum()), req) {
		return nil
	}

	explicit := ctx.Held(tx)
	switch {
	case explicit == IX && req == S:
		return ctx.Promote(tx, SIX)

	case IsIntent(explicit):
		if err := ctx.Escalate(tx); err != nil {
			return err
		}
		if Substitutable(ctx.EffectiveMode(tx.TransNum()), req) {
			return nil
		}
		return ctx.acquireOrPromote(tx, req)

	default:
		if err := f.ensureAncestors(tx, ctx, req); err != nil {
			return err
		}
		return ctx.acquireOrPromote(tx, req)
	}
}

// ensureAncestors walks from the root down to ctx's immediate parent,
// topping up each ancestor's intent lock to at least ParentLockOf(req)
// before the caller acquires or promotes at ctx itself: a child lock can
// only be granted once its parent already holds a sufficient mode.
func (f *Facade) ensureAncestors(tx Transaction, ctx *Context, req Mode) error {
	required := ParentLockOf(req)

	var chain []*Context
	for a := ctx.Parent(); a != nil; a = a.Parent() {
		chain = append(chain, a)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		a := chain[i]
		held := a.Held(tx)
		if CanBeParentLock(held, req) {
			continue
		}
		switch held {
		case NL:
			if err := a.Acquire(tx, required); err != nil {
				return err
			}
		case IS:
			if err := a.Promote(tx, IX); err != nil {
				return err
			}
		case S:
			if err := a.Promote(tx, SIX); err != nil {
				return err
			}
		default:
			return ErrInvalidLock
		}
	}
	return nil
}
