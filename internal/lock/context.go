package lock

import (
	"github.com/sasha-s/go-deadlock"
	"minidb/pkg/types"
)

// registry maps resource keys to the Context that owns them, shared by
// every Context in one tree so that a resource name recovered from
// Table.LocksOf can be mapped back to its node for numChildLocks
// bookkeeping.
type registry struct {
	mu    deadlock.Mutex
	byKey map[string]*Context
}

func (r *registry) lookup(name ResourceName) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[name.Key()]
}

func (r *registry) put(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[c.name.Key()] = c
}

// Context is one node of the hierarchy tree (database → table → page →
// record). It wraps a flat Table and adds intent-lock discipline:
// enforcing that a lock's parent holds a sufficient intent mode,
// forbidding redundant S/IS beneath a SIX, and maintaining numChildLocks
// so a node's lock cannot be released out from under locked descendants.
//
// numChildLocks counts only the IMMEDIATE children of this context that
// currently hold a non-NL lock, not every deep descendant: any non-NL
// lock implies a non-NL intent lock one level up, so checking one level
// is transitively sufficient and matches the teaching scenario where
// promoting a table's lock changes the table's own counter but leaves the
// database's counter untouched.
type Context struct {
	table  *Table
	name   ResourceName
	parent *Context
	reg    *registry

	mu            deadlock.Mutex
	children      map[string]*Context
	numChildLocks map[types.TxnID]int
	readonly      bool
}

// NewRoot creates the root of a lock context tree over table.
func NewRoot(table *Table, name ResourceName) *Context {
	c := &Context{
		table:         table,
		name:          name,
		reg:           &registry{byKey: make(map[string]*Context)},
		children:      make(map[string]*Context),
		numChildLocks: make(map[types.TxnID]int),
	}
	c.reg.put(c)
	return c
}

// Child returns the child context for segment, creating and caching it on
// first access. A child born after DisableChildLocks inherits readonly.
func (c *Context) Child(segment string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.children[segment]; ok {
		return existing
	}
	child := &Context{
		table:         c.table,
		name:          c.name.Child(segment),
		parent:        c,
		reg:           c.reg,
		children:      make(map[string]*Context),
		numChildLocks: make(map[types.TxnID]int),
		readonly:      c.readonly,
	}
	c.children[segment] = child
	c.reg.put(child)
	return child
}

// Name returns this context's resource name.
func (c *Context) Name() ResourceName { return c.name }

// Parent returns this context's parent, or nil at the root.
func (c *Context) Parent() *Context { return c.parent }

// NumChildLocks returns the cached count of immediate children at which tx
// holds a non-NL lock.
func (c *Context) NumChildLocks(tx types.TxnID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numChildLocks[tx]
}

// DisableChildLocks marks this context readonly; children created after
// this call inherit the flag. Existing children are unaffected.
func (c *Context) DisableChildLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readonly = true
}

func (c *Context) isReadonly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readonly
}

func (c *Context) bumpParent(tx types.TxnID, delta int) {
	if c.parent == nil {
		return
	}
	c.parent.mu.Lock()
	c.parent.numChildLocks[tx] += delta
	c.parent.mu.Unlock()
}

// ancestorHoldsSIX reports whether any strict ancestor of c holds SIX.
func (c *Context) ancestorHoldsSIX(tx types.TxnID) bool {
	for a := c.parent; a != nil; a = a.parent {
		if c.table.ModeHeldBy(tx, a.name) == SIX {
			return true
		}
	}
	return false
}

// Acquire acquires mode on this context for tx.
func (c *Context) Acquire(tx Transaction, mode Mode) error {
	if c.isReadonly() {
		return ErrReadonlyContext
	}
	if c.parent != nil {
		parentMode := c.table.ModeHeldBy(tx.TransNum(), c.parent.name)
		if !CanBeParentLock(parentMode, mode) {
			return ErrInvalidLock
		}
	}
	if (mode == S || mode == IS) && c.ancestorHoldsSIX(tx.TransNum()) {
		return ErrInvalidLock
	}
	if err := c.table.Acquire(tx, c.name, mode); err != nil {
		return err
	}
	c.bumpParent(tx.TransNum(), 1)
	return nil
}

// Release releases tx's lock on this context. Forbidden while any
// immediate child still holds a non-NL lock.
func (c *Context) Release(tx Transaction) error {
	if c.NumChildLocks(tx.TransNum()) > 0 {
		return ErrInvalidLock
	}
	if err := c.table.Release(tx, c.name); err != nil {
		return err
	}
	c.bumpParent(tx.TransNum(), -1)
	return nil
}

// descendantLocks returns every lock tx holds strictly beneath this
// context, as reported by the flat table.
func (c *Context) descendantLocks(tx types.TxnID) []Lock {
	var out []Lock
	for _, l := range c.table.LocksOf(tx) {
		if l.Resource.IsDescendantOf(c.name) && !l.Resource.Equal(c.name) {
			out = append(out, l)
		}
	}
	return out
}

// releaseBookkeeping decrements numChildLocks on the immediate parent of
// each released resource, after an acquireAndRelease has folded those
// releases into an atomic grant.
func (c *Context) releaseBookkeeping(tx types.TxnID, released []Lock) {
	for _, l := range released {
		ctx := c.reg.lookup(l.Resource)
		if ctx == nil || ctx.parent == nil {
			continue
		}
		ctx.parent.mu.Lock()
		ctx.parent.numChildLocks[tx]--
		ctx.parent.mu.Unlock()
	}
}

// Promote upgrades tx's lock on this context to newMode. Promoting to SIX
// from IS/IX/S also atomically releases every descendant S/IS lock the
// SIX now implies.
func (c *Context) Promote(tx Transaction, newMode Mode) error {
	held := c.table.ModeHeldBy(tx.TransNum(), c.name)
	if held == newMode {
		return ErrDuplicateLockRequest
	}
	if held == NL {
		return ErrNoLockHeld
	}

	if newMode == SIX {
		if held != IS && held != IX && held != S {
			return ErrInvalidLock
		}
		if c.ancestorHoldsSIX(tx.TransNum()) {
			return ErrInvalidLock
		}
		var sis []Lock
		for _, l := range c.descendantLocks(tx.TransNum()) {
			if l.Mode == S || l.Mode == IS {
				sis = append(sis, l)
			}
		}
		releaseSet := make([]ResourceName, 0, len(sis)+1)
		for _, l := range sis {
			releaseSet = append(releaseSet, l.Resource)
		}
		releaseSet = append(releaseSet, c.name)
		if err := c.table.AcquireAndRelease(tx, c.name, SIX, releaseSet); err != nil {
			return err
		}
		c.releaseBookkeeping(tx.TransNum(), sis)
		return nil
	}

	if !Substitutable(newMode, held) {
		return ErrInvalidLock
	}
	return c.table.Promote(tx, c.name, newMode)
}

// Escalate replaces every lock tx holds at or beneath this context with a
// single S or X lock at this context (X if any descendant holds an
// X/IX/SIX, else S). No-op if already S or X.
func (c *Context) Escalate(tx Transaction) error {
	held := c.table.ModeHeldBy(tx.TransNum(), c.name)
	if held == NL {
		return ErrNoLockHeld
	}
	if held == S || held == X {
		return nil
	}

	descendants := c.descendantLocks(tx.TransNum())
	target := S
	for _, l := range descendants {
		if l.Mode == X || l.Mode == IX || l.Mode == SIX {
			target = X
			break
		}
	}
	releaseSet := make([]ResourceName, 0, len(descendants)+1)
	for _, l := range descendants {
		releaseSet = append(releaseSet, l.Resource)
	}
	releaseSet = append(releaseSet, c.name)

	if err := c.table.AcquireAndRelease(tx, c.name, target, releaseSet); err != nil {
		return err
	}
	c.releaseBookkeeping(tx.TransNum(), descendants)
	return nil
}

// EffectiveMode is the strongest mode implicitly granted at this context,
// considering its own explicit mode and its ancestors' explicit modes.
// Intent locks at ancestors grant no effective mode here.
func (c *Context) EffectiveMode(tx types.TxnID) Mode {
	if explicit := c.table.ModeHeldBy(tx, c.name); explicit != NL {
		return explicit
	}
	for a := c.parent; a != nil; a = a.parent {
		switch c.table.ModeHeldBy(tx, a.name) {
		case S, SIX:
			return S
		case X:
			return X
		case NL, IS, IX:
			continue
		}
	}
	return NL
}
