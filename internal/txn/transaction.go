// Package txn implements the Transaction and Manager collaborators that
// internal/lock and internal/recovery drive: transaction lifecycle,
// status, and the prepareBlock/block/unblock handshake a parked lock
// waiter uses to sleep without racing its own wakeup.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"minidb/internal/lock"
	"minidb/internal/recovery"
	"minidb/pkg/types"
)

// Transaction is minidb's concrete transaction handle. It satisfies both
// lock.Transaction (the lock table's parking collaborator) and
// recovery.Transaction (the recovery manager's transaction-table entry),
// so one value threads through both subsystems.
type Transaction struct {
	id types.TxnID

	mgr *Manager

	mu     sync.Mutex
	status types.TxnStatus

	// wake is the prepareBlock/block/unblock semaphore: a buffered
	// channel of capacity 1 gives semaphore rather than
	// condition-variable semantics, so an Unblock that arrives before
	// the matching Block is still observed instead of lost.
	wake chan struct{}
}

var _ lock.Transaction = (*Transaction)(nil)
var _ recovery.Transaction = (*Transaction)(nil)

func newTransaction(id types.TxnID, mgr *Manager) *Transaction {
	return &Transaction{id: id, mgr: mgr, status: types.TxnStatusRunning, wake: make(chan struct{}, 1)}
}

// TransNum returns the transaction's number.
func (tx *Transaction) TransNum() types.TxnID { return tx.id }

// Status returns the transaction's current lattice position.
func (tx *Transaction) Status() types.TxnStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// SetStatus overwrites the transaction's status. Callers are responsible
// for respecting the lattice's monotonicity; Manager.Commit and
// Manager.Rollback are the callers in this package.
func (tx *Transaction) SetStatus(s types.TxnStatus) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.status = s
}

// PrepareBlock drains any stale wakeup left over from a previous wait, so
// the next Block call only returns once a genuinely new Unblock arrives.
// Called by the lock table while still holding its critical-section mutex,
// before releasing it and calling Block.
func (tx *Transaction) PrepareBlock() {
	select {
	case <-tx.wake:
	default:
	}
}

// Block parks the calling goroutine until Unblock is called. A Unblock
// that raced ahead of this call (after the matching PrepareBlock) is
// still observed, since wake is a buffered semaphore, not a condition
// variable.
func (tx *Transaction) Block() {
	<-tx.wake
}

// Unblock wakes a parked Block call, or leaves a pending wakeup for the
// next one if nothing is parked yet. Idempotent: a second Unblock before
// the first is consumed is absorbed rather than queued.
func (tx *Transaction) Unblock() {
	select {
	case tx.wake <- struct{}{}:
	default:
	}
}

// Cleanup releases every lock the transaction still holds. Called by
// internal/recovery once a transaction reaches COMPLETE.
func (tx *Transaction) Cleanup() {
	if tx.mgr == nil || tx.mgr.locks == nil {
		return
	}
	held := tx.mgr.locks.LocksOf(tx.id)
	for i := len(held) - 1; i >= 0; i-- {
		tx.mgr.locks.Release(tx, held[i].Resource)
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger injects a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the transaction lifecycle coordinator: it hands out fresh
// transaction numbers, tracks live Transaction values, and drives
// internal/recovery's forward-processing hooks on begin/commit/abort/end,
// mirroring the shape of the teacher's transaction Manager while dropping
// its MVCC snapshot bookkeeping entirely.
type Manager struct {
	logger *zap.Logger

	nextTxnID uint64

	locks *lock.Table
	rec   *recovery.Manager

	mu     sync.RWMutex
	active map[types.TxnID]*Transaction
}

// NewManager builds a transaction manager over the shared lock table and
// recovery manager a database.Database owns.
func NewManager(locks *lock.Table, rec *recovery.Manager, opts ...Option) *Manager {
	m := &Manager{
		logger: zap.NewNop(),
		locks:  locks,
		rec:    rec,
		active: make(map[types.TxnID]*Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a new transaction, registering it with the recovery
// manager's transaction table.
func (m *Manager) Begin() *Transaction {
	id := types.TxnID(atomic.AddUint64(&m.nextTxnID, 1))
	tx := newTransaction(id, m)

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.Start(tx)
	}
	m.logger.Debug("transaction begun", zap.Uint64("txn", uint64(id)))
	return tx
}

// Commit commits a running transaction: appends and flushes its COMMIT
// record, then its END record, releasing its locks.
func (m *Manager) Commit(tx *Transaction) error {
	if tx.Status() != types.TxnStatusRunning {
		return fmt.Errorf("txn: transaction %d is not running (status: %s)", tx.id, tx.Status())
	}
	if m.rec != nil {
		if err := m.rec.Commit(tx); err != nil {
			return fmt.Errorf("txn: commit %d: %w", tx.id, err)
		}
		tx.SetStatus(types.TxnStatusCommitting)
		if err := m.rec.End(tx); err != nil {
			return fmt.Errorf("txn: end %d: %w", tx.id, err)
		}
	}
	tx.SetStatus(types.TxnStatusComplete)
	m.forget(tx.id)
	return nil
}

// Rollback aborts a running transaction: appends its ABORT record, rolls
// every update back via the recovery manager's End, and releases locks.
func (m *Manager) Rollback(tx *Transaction) error {
	if tx.Status() != types.TxnStatusRunning {
		return fmt.Errorf("txn: transaction %d is not running (status: %s)", tx.id, tx.Status())
	}
	if m.rec != nil {
		if err := m.rec.Abort(tx); err != nil {
			return fmt.Errorf("txn: abort %d: %w", tx.id, err)
		}
		tx.SetStatus(types.TxnStatusAborting)
		if err := m.rec.End(tx); err != nil {
			return fmt.Errorf("txn: end %d: %w", tx.id, err)
		}
	}
	tx.SetStatus(types.TxnStatusComplete)
	m.forget(tx.id)
	return nil
}

// Savepoint names tx's current position for a later partial rollback.
func (m *Manager) Savepoint(tx *Transaction, name string) {
	if m.rec != nil {
		m.rec.Savepoint(tx, name)
	}
}

// RollbackToSavepoint undoes tx's updates back to a named savepoint
// without ending the transaction.
func (m *Manager) RollbackToSavepoint(tx *Transaction, name string) error {
	if m.rec == nil {
		return nil
	}
	if err := m.rec.RollbackToSavepoint(tx, name); err != nil {
		return fmt.Errorf("txn: rollback to savepoint %q for %d: %w", name, tx.id, err)
	}
	return nil
}

func (m *Manager) forget(id types.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Active returns every transaction number currently tracked as running.
func (m *Manager) Active() []types.TxnID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TxnID, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// Get returns the live Transaction for id, or nil if it isn't tracked.
func (m *Manager) Get(id types.TxnID) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id]
}
