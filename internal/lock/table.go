package lock

import (
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"minidb/pkg/types"
)

// Transaction is the subset of the transaction collaborator that the lock
// table needs to park and wake blocked callers. internal/txn's Transaction
// type satisfies this automatically.
type Transaction interface {
	TransNum() types.TxnID
	PrepareBlock()
	Block()
	Unblock()
}

// Lock is a single granted lock: a resource, the mode it's held in, and the
// transaction holding it.
type Lock struct {
	Resource ResourceName
	Mode     Mode
	TxnID    types.TxnID
}

// request is a pending or in-flight lock request. releaseSet is non-nil for
// acquireAndRelease/promote calls that atomically fold in other releases.
type request struct {
	txn        Transaction
	lock       Lock
	releaseSet []ResourceName
}

type entry struct {
	granted []Lock
	waiters []*request
}

// Table is the flat per-resource lock manager. Every public method is
// atomic with respect to a single global critical section; a caller that
// must wait is parked outside that section via the prepareBlock/block
// handshake so the mutex is never held across a park.
type Table struct {
	mu        deadlock.Mutex
	logger    *zap.Logger
	resources map[string]*entry
	order     map[types.TxnID][]string // resource keys in acquisition order, per txn
}

// Option configures a Table.
type Option func(*Table)

// WithLogger injects a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// NewTable builds an empty lock table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		logger:    zap.NewNop(),
		resources: make(map[string]*entry),
		order:     make(map[types.TxnID][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) entry(r ResourceName) *entry {
	key := r.Key()
	e, ok := t.resources[key]
	if !ok {
		e = &entry{}
		t.resources[key] = e
	}
	return e
}

// Acquire grants mode on resource to tx, blocking the caller if it conflicts
// with a lock held by another transaction or if the resource already has
// waiters.
func (t *Table) Acquire(tx Transaction, resource ResourceName, mode Mode) error {
	t.mu.Lock()
	e := t.entry(resource)
	for _, l := range e.granted {
		if l.TxnID == tx.TransNum() {
			t.mu.Unlock()
			return ErrDuplicateLockRequest
		}
	}

	req := &request{txn: tx, lock: Lock{Resource: resource, Mode: mode, TxnID: tx.TransNum()}}
	if len(e.waiters) == 0 && compatibleWithGranted(e, tx.TransNum(), mode) {
		t.grantLocked(req)
		t.mu.Unlock()
		return nil
	}

	e.waiters = append(e.waiters, req)
	t.logger.Debug("lock request queued", zap.Uint64("txn", uint64(tx.TransNum())), zap.String("resource", resource.String()), zap.String("mode", mode.String()))
	tx.PrepareBlock()
	t.mu.Unlock()
	tx.Block()
	return nil
}

// AcquireAndRelease atomically grants mode on resource and releases every
// resource in releaseSet other than resource itself. If resource is itself
// in releaseSet and already held, the existing lock is replaced in place,
// preserving grant order.
func (t *Table) AcquireAndRelease(tx Transaction, resource ResourceName, mode Mode, releaseSet []ResourceName) error {
	t.mu.Lock()

	heldAtTarget := false
	for _, l := range t.entry(resource).granted {
		if l.TxnID == tx.TransNum() {
			heldAtTarget = true
			break
		}
	}
	if heldAtTarget && !containsResource(releaseSet, resource) {
		t.mu.Unlock()
		return ErrDuplicateLockRequest
	}
	for _, rn := range releaseSet {
		if t.modeHeldByLocked(tx.TransNum(), rn) == NL {
			t.mu.Unlock()
			return ErrNoLockHeld
		}
	}

	e := t.entry(resource)
	req := &request{txn: tx, lock: Lock{Resource: resource, Mode: mode, TxnID: tx.TransNum()}, releaseSet: releaseSet}
	if len(e.waiters) == 0 && compatibleWithGranted(e, tx.TransNum(), mode) {
		worklist := t.grantLocked(req)
		t.drainWorklist(worklist)
		t.mu.Unlock()
		return nil
	}

	// Upgrades jump the queue: enqueue at the head, not the tail.
	e.waiters = append([]*request{req}, e.waiters...)
	tx.PrepareBlock()
	t.mu.Unlock()
	tx.Block()
	return nil
}

// Release drops tx's lock on resource and drains any waiters it unblocks.
func (t *Table) Release(tx Transaction, resource ResourceName) error {
	t.mu.Lock()
	if t.modeHeldByLocked(tx.TransNum(), resource) == NL {
		t.mu.Unlock()
		return ErrNoLockHeld
	}
	var worklist []string
	t.releaseLocked(tx.TransNum(), resource, &worklist)
	t.drainWorklist(worklist)
	t.mu.Unlock()
	return nil
}

// Promote upgrades tx's lock on resource to newMode in place when possible,
// otherwise queues the upgrade at the head of the resource's waiters.
func (t *Table) Promote(tx Transaction, resource ResourceName, newMode Mode) error {
	t.mu.Lock()
	held := t.modeHeldByLocked(tx.TransNum(), resource)
	if held == NL {
		t.mu.Unlock()
		return ErrNoLockHeld
	}
	if held == newMode {
		t.mu.Unlock()
		return ErrDuplicateLockRequest
	}
	if !Substitutable(newMode, held) {
		t.mu.Unlock()
		return ErrInvalidLock
	}

	e := t.entry(resource)
	req := &request{txn: tx, lock: Lock{Resource: resource, Mode: newMode, TxnID: tx.TransNum()}}
	if len(e.waiters) == 0 && compatibleWithGranted(e, tx.TransNum(), newMode) {
		worklist := t.grantLocked(req)
		t.drainWorklist(worklist)
		t.mu.Unlock()
		return nil
	}

	e.waiters = append([]*request{req}, e.waiters...)
	tx.PrepareBlock()
	t.mu.Unlock()
	tx.Block()
	return nil
}

// LocksOn returns the locks currently granted on resource, in grant order.
func (t *Table) LocksOn(resource ResourceName) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.resources[resource.Key()]
	if !ok {
		return nil
	}
	out := make([]Lock, len(e.granted))
	copy(out, e.granted)
	return out
}

// LocksOf returns every lock tx holds, in acquisition order.
func (t *Table) LocksOf(tx types.TxnID) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Lock
	for _, key := range t.order[tx] {
		e, ok := t.resources[key]
		if !ok {
			continue
		}
		for _, l := range e.granted {
			if l.TxnID == tx {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// ModeHeldBy returns the mode tx holds on resource, or NL if none.
func (t *Table) ModeHeldBy(tx types.TxnID, resource ResourceName) Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modeHeldByLocked(tx, resource)
}

func (t *Table) modeHeldByLocked(tx types.TxnID, resource ResourceName) Mode {
	e, ok := t.resources[resource.Key()]
	if !ok {
		return NL
	}
	for _, l := range e.granted {
		if l.TxnID == tx {
			return l.Mode
		}
	}
	return NL
}

func compatibleWithGranted(e *entry, tx types.TxnID, mode Mode) bool {
	for _, l := range e.granted {
		if l.TxnID == tx {
			continue
		}
		if !Compatible(l.Mode, mode) {
			return false
		}
	}
	return true
}

func containsResource(rs []ResourceName, target ResourceName) bool {
	for _, r := range rs {
		if r.Equal(target) {
			return true
		}
	}
	return false
}

// grantLocked grants req, replacing tx's existing lock on the target
// resource in place if one exists (preserving grant order), then performs
// every release in req.releaseSet other than the target resource itself.
// Returns the resource keys those releases may have unblocked waiters on.
func (t *Table) grantLocked(req *request) []string {
	key := req.lock.Resource.Key()
	e := t.entry(req.lock.Resource)

	replaced := false
	for i, l := range e.granted {
		if l.TxnID == req.txn.TransNum() {
			e.granted[i] = req.lock
			replaced = true
			break
		}
	}
	if !replaced {
		e.granted = append(e.granted, req.lock)
		t.order[req.txn.TransNum()] = append(t.order[req.txn.TransNum()], key)
	}

	var worklist []string
	for _, rn := range req.releaseSet {
		if rn.Equal(req.lock.Resource) {
			continue
		}
		t.releaseLocked(req.txn.TransNum(), rn, &worklist)
	}
	return worklist
}

func (t *Table) releaseLocked(txn types.TxnID, resource ResourceName, worklist *[]string) {
	key := resource.Key()
	e, ok := t.resources[key]
	if !ok {
		return
	}
	for i, l := range e.granted {
		if l.TxnID == txn {
			e.granted = append(e.granted[:i], e.granted[i+1:]...)
			t.removeOrder(txn, key)
			break
		}
	}
	*worklist = append(*worklist, key)
}

func (t *Table) removeOrder(txn types.TxnID, key string) {
	keys := t.order[txn]
	for i, k := range keys {
		if k == key {
			t.order[txn] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

// drainWorklist processes resources whose granted set changed, walking
// their waiter queues front to back and stopping at the first ungrantable
// request: strict FIFO, never skip a blocked head-of-line waiter to serve
// a later compatible one. Newly drained resources are pushed onto the
// same worklist so the recursion stays iterative.
func (t *Table) drainWorklist(worklist []string) {
	for len(worklist) > 0 {
		key := worklist[0]
		worklist = worklist[1:]
		worklist = append(worklist, t.drainQueueLocked(key)...)
	}
}

func (t *Table) drainQueueLocked(key string) []string {
	e, ok := t.resources[key]
	if !ok {
		return nil
	}
	var more []string
	for len(e.waiters) > 0 {
		req := e.waiters[0]
		if !compatibleWithGranted(e, req.txn.TransNum(), req.lock.Mode) {
			break
		}
		e.waiters = e.waiters[1:]
		more = append(more, t.grantLocked(req)...)
		req.txn.Unblock()
	}
	return more
}
