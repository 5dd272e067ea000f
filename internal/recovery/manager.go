// Package recovery implements minidb's ARIES recovery manager: forward
// logging hooks, fuzzy checkpointing, and the analysis/redo/undo restart
// sequence built on top of internal/wal's log and internal/storage's
// buffer pool and disk manager.
package recovery

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

// Transaction is the recovery manager's view of a transaction: enough to
// place it in the transaction table and tear it down at end. The fuller
// lock-handshake surface (prepareBlock/block/unblock) belongs to
// internal/lock's narrower Transaction interface; internal/txn's concrete
// type satisfies both.
type Transaction interface {
	TransNum() types.TxnID
	Cleanup()
}

// TxnFactory materializes a stand-in Transaction for a transaction number
// discovered in the log during restart analysis, when no live Transaction
// object exists yet. The default (see WithTxnFactory) is the one
// internal/database uses; tests inject their own.
type TxnFactory func(id types.TxnID) Transaction

// txnTableEntry is one row of the in-memory transaction table: a
// transaction's status and the LSN of its most recent log record.
type txnTableEntry struct {
	status  types.TxnStatus
	lastLSN types.LSN
	txn     Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger injects a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCapacityOracle overrides the default end-checkpoint packing rule,
// letting tests force multi-record checkpoints with a tighter cap.
func WithCapacityOracle(oracle wal.CapacityOracle) Option {
	return func(m *Manager) { m.capacityOracle = oracle }
}

// WithTxnFactory injects how restart analysis materializes a Transaction
// for a txn number it discovers but has no live object for. The default
// factory produces a Transaction whose Cleanup is a no-op, since a bare
// recovery.Manager has no higher-level transaction bookkeeping to tear
// down; internal/database does not pass this option and so uses that
// default.
func WithTxnFactory(f TxnFactory) Option {
	return func(m *Manager) { m.txnFactory = f }
}

// Manager is minidb's ARIES recovery manager. The checkpoint,
// startTransaction, and restart entry points are mutually exclusive under
// bigMu; per-record forward-processing hooks only need the finer-grained
// txnMu/dptMu, matching the log manager and buffer pool's own internal
// synchronization.
type Manager struct {
	bigMu deadlock.Mutex

	logger *zap.Logger

	log   *wal.Manager
	pages wal.PageStore
	space wal.SpaceManager

	// iterBufferPages visits every buffer-resident page, reporting its
	// dirty bit (storage.BufferPool.IterPageNums), used by cleanDPT.
	iterBufferPages func(func(pageNum types.PageID, isDirty bool))

	capacityOracle wal.CapacityOracle
	txnFactory     TxnFactory

	txnMu      deadlock.Mutex
	txnTable   map[types.TxnID]*txnTableEntry
	savepoints map[types.TxnID]map[string]types.LSN

	dptMu sync.Mutex
	dpt   map[types.PageID]types.LSN

	redoPhaseDone bool
}

// NewManager builds a recovery manager over an already-open log and the
// page/space collaborators it drives redo/undo through.
func NewManager(log *wal.Manager, pages wal.PageStore, space wal.SpaceManager, iterBufferPages func(func(types.PageID, bool)), opts ...Option) *Manager {
	m := &Manager{
		logger:          zap.NewNop(),
		log:             log,
		pages:           pages,
		space:           space,
		iterBufferPages: iterBufferPages,
		capacityOracle:  wal.DefaultCapacityOracle,
		txnTable:        make(map[types.TxnID]*txnTableEntry),
		savepoints:      make(map[types.TxnID]map[string]types.LSN),
		dpt:             make(map[types.PageID]types.LSN),
	}
	m.txnFactory = func(id types.TxnID) Transaction { return noopTransaction(id) }
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type noopTransaction types.TxnID

func (n noopTransaction) TransNum() types.TxnID { return types.TxnID(n) }
func (n noopTransaction) Cleanup()              {}

// Start registers tx in the transaction table with no record yet.
// Mutually exclusive with Checkpoint/Restart.
func (m *Manager) Start(tx Transaction) {
	m.bigMu.Lock()
	defer m.bigMu.Unlock()

	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	m.txnTable[tx.TransNum()] = &txnTableEntry{status: types.TxnStatusRunning, lastLSN: 0, txn: tx}
}

// lastLSN returns a transaction's current lastLSN, 0 if untracked.
func (m *Manager) lastLSN(id types.TxnID) types.LSN {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	if e, ok := m.txnTable[id]; ok {
		return e.lastLSN
	}
	return 0
}

func (m *Manager) setLastLSN(id types.TxnID, lsn types.LSN) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	e, ok := m.txnTable[id]
	if !ok {
		e = &txnTableEntry{}
		m.txnTable[id] = e
	}
	e.lastLSN = lsn
}

func (m *Manager) setStatus(id types.TxnID, status types.TxnStatus) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	e, ok := m.txnTable[id]
	if !ok {
		e = &txnTableEntry{}
		m.txnTable[id] = e
	}
	e.status = status
}

// dirtyPage implements the DPT's putIfAbsent-with-min rule: the DPT
// remembers the earliest LSN that dirtied a page.
func (m *Manager) dirtyPage(page types.PageID, lsn types.LSN) {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	if cur, ok := m.dpt[page]; !ok || lsn < cur {
		m.dpt[page] = lsn
	}
}

func (m *Manager) removeDirty(page types.PageID) {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	delete(m.dpt, page)
}

// LogPageWrite appends an UPDATE_PAGE record for tx's write to page at
// offset, threads it into tx's record chain, and dirties the page in the
// DPT if this is the first time it has been dirtied since the last clean
// state.
func (m *Manager) LogPageWrite(tx Transaction, page types.PageID, offset uint16, before, after []byte) types.LSN {
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{
		Kind:    wal.UpdatePage,
		TxnID:   tx.TransNum(),
		PrevLSN: prev,
		PageNum: page,
		PartNum: page.PartNum(),
		Offset:  offset,
		Before:  before,
		After:   after,
	}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	m.dirtyPage(page, lsn)
	return lsn
}

// skipIfLogPartition reports whether partNum is the reserved log
// partition, on which alloc/free operations are silently skipped.
func skipIfLogPartition(partNum uint32) bool { return partNum == types.LogPartition }

// LogAllocPage appends an ALLOC_PAGE record and flushes to it immediately,
// since the physical allocation already happened on disk. Returns
// types.InvalidLSN if pageID is in the reserved log partition.
func (m *Manager) LogAllocPage(tx Transaction, pageID types.PageID) (types.LSN, error) {
	if skipIfLogPartition(pageID.PartNum()) {
		return types.InvalidLSN, nil
	}
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.AllocPage, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: pageID, PartNum: pageID.PartNum()}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	if err := m.log.FlushToLSN(lsn); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// LogFreePage appends a FREE_PAGE record, flushes to it, and removes the
// page from the DPT: it is no longer dirty relative to disk once freed.
func (m *Manager) LogFreePage(tx Transaction, pageID types.PageID) (types.LSN, error) {
	if skipIfLogPartition(pageID.PartNum()) {
		return types.InvalidLSN, nil
	}
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.FreePage, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: pageID, PartNum: pageID.PartNum()}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	m.removeDirty(pageID)
	if err := m.log.FlushToLSN(lsn); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// LogAllocPart appends an ALLOC_PART record and flushes to it immediately.
func (m *Manager) LogAllocPart(tx Transaction, partNum uint32) (types.LSN, error) {
	if skipIfLogPartition(partNum) {
		return types.InvalidLSN, nil
	}
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.AllocPart, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: types.InvalidPageID, PartNum: partNum}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	if err := m.log.FlushToLSN(lsn); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// LogFreePart appends a FREE_PART record and flushes to it immediately.
func (m *Manager) LogFreePart(tx Transaction, partNum uint32) (types.LSN, error) {
	if skipIfLogPartition(partNum) {
		return types.InvalidLSN, nil
	}
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.FreePart, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: types.InvalidPageID, PartNum: partNum}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	if err := m.log.FlushToLSN(lsn); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// Commit appends COMMIT and flushes to it (commit durability), then marks
// tx COMMITTING.
func (m *Manager) Commit(tx Transaction) error {
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.Commit, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: types.InvalidPageID}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	if err := m.log.FlushToLSN(lsn); err != nil {
		return err
	}
	m.setStatus(tx.TransNum(), types.TxnStatusCommitting)
	return nil
}

// Abort appends ABORT and marks tx ABORTING. No rollback happens here;
// End performs it.
func (m *Manager) Abort(tx Transaction) error {
	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.Abort, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: types.InvalidPageID}
	lsn := m.log.Append(rec)
	m.setLastLSN(tx.TransNum(), lsn)
	m.setStatus(tx.TransNum(), types.TxnStatusAborting)
	return nil
}

// End rolls an aborting transaction all the way back, then appends END,
// removes tx from the transaction table, and calls tx.Cleanup(). It sets
// no status on tx itself; internal/txn.Manager marks it COMPLETE after End
// returns.
func (m *Manager) End(tx Transaction) error {
	m.txnMu.Lock()
	e, ok := m.txnTable[tx.TransNum()]
	status := types.TxnStatusRunning
	if ok {
		status = e.status
	}
	m.txnMu.Unlock()

	if status == types.TxnStatusAborting || status == types.TxnStatusRecoveryAborting {
		if err := m.rollbackToLSN(tx, 0); err != nil {
			return err
		}
	}

	prev := m.lastLSN(tx.TransNum())
	rec := &wal.Record{Kind: wal.End, TxnID: tx.TransNum(), PrevLSN: prev, PageNum: types.InvalidPageID}
	m.log.Append(rec)

	m.txnMu.Lock()
	delete(m.txnTable, tx.TransNum())
	delete(m.savepoints, tx.TransNum())
	m.txnMu.Unlock()

	tx.Cleanup()
	return nil
}

// Savepoint records tx's current lastLSN under name, overwriting any prior
// savepoint of the same name.
func (m *Manager) Savepoint(tx Transaction, name string) {
	lsn := m.lastLSN(tx.TransNum())
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	sp, ok := m.savepoints[tx.TransNum()]
	if !ok {
		sp = make(map[string]types.LSN)
		m.savepoints[tx.TransNum()] = sp
	}
	sp[name] = lsn
}

// RollbackToSavepoint undoes every undoable update of tx back to the LSN
// recorded under name.
func (m *Manager) RollbackToSavepoint(tx Transaction, name string) error {
	m.txnMu.Lock()
	target, ok := m.savepoints[tx.TransNum()][name]
	m.txnMu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: no savepoint %q for txn %d", name, tx.TransNum())
	}
	return m.rollbackToLSN(tx, target)
}

// PageFlushHook forces the log durable up to pageLSN before a dirty page
// carrying it may be written back. Satisfies storage.LogFlusher.
func (m *Manager) PageFlushHook(pageLSN types.LSN) error {
	return m.log.FlushToLSN(pageLSN)
}

// FlushToLSN satisfies storage.LogFlusher directly, so a *Manager can be
// wired into BufferPool.SetLogFlusher without a wrapper.
func (m *Manager) FlushToLSN(lsn types.LSN) error {
	return m.PageFlushHook(lsn)
}

// DiskIOHook reports that pageNum was written back to disk; once the redo
// phase has completed, the page is no longer dirty relative to disk and is
// dropped from the DPT.
func (m *Manager) DiskIOHook(pageNum types.PageID) {
	if m.redoPhaseDone {
		m.removeDirty(pageNum)
	}
}

// rollbackToLSN undoes every undoable record of tx with LSN > targetLSN,
// emitting one CLR per undone record and applying its physical undo. If
// tx's current lastLSN is itself a compensation record, rollback resumes
// from its undoNextLSN rather than re-undoing it.
func (m *Manager) rollbackToLSN(tx Transaction, targetLSN types.LSN) error {
	current := m.lastLSN(tx.TransNum())
	if current == 0 {
		return nil
	}
	rec, err := m.log.Fetch(current)
	if err != nil {
		return fmt.Errorf("recovery: rollback fetch %d: %w", current, err)
	}
	if rec.Kind == wal.UndoUpdatePage || rec.Kind == wal.UndoAllocPage || rec.Kind == wal.UndoFreePage ||
		rec.Kind == wal.UndoAllocPart || rec.Kind == wal.UndoFreePart {
		current = rec.UndoNextLSN
	}

	for current > targetLSN {
		rec, err := m.log.Fetch(current)
		if err != nil {
			return fmt.Errorf("recovery: rollback fetch %d: %w", current, err)
		}
		next := rec.PrevLSN

		if rec.IsUndoable() {
			txLast := m.lastLSN(tx.TransNum())
			clr, err := rec.Undo(txLast)
			if err != nil {
				return err
			}
			lsn := m.log.Append(clr)
			m.setLastLSN(tx.TransNum(), lsn)
			clr.LSN = lsn
			if err := clr.Redo(m.pages, m.space); err != nil {
				return fmt.Errorf("recovery: apply CLR at %d: %w", lsn, err)
			}
		}
		current = next
	}
	return nil
}

// Checkpoint performs a fuzzy checkpoint: BEGIN_CHECKPOINT, one or more
// packed END_CHECKPOINT records covering the DPT and transaction table,
// then rewrites the master record. Mutually exclusive with Start/Restart.
func (m *Manager) Checkpoint() error {
	m.bigMu.Lock()
	defer m.bigMu.Unlock()
	return m.checkpointLocked()
}

// checkpointLocked is Checkpoint's body; the caller holds bigMu.
func (m *Manager) checkpointLocked() error {
	beginLSN := m.log.Append(&wal.Record{Kind: wal.BeginCheckpoint, TxnID: types.InvalidTxnID, PageNum: types.InvalidPageID})

	m.dptMu.Lock()
	dptEntries := make([]types.PageID, 0, len(m.dpt))
	for p := range m.dpt {
		dptEntries = append(dptEntries, p)
	}
	m.dptMu.Unlock()

	m.txnMu.Lock()
	txnEntries := make([]types.TxnID, 0, len(m.txnTable))
	for id := range m.txnTable {
		txnEntries = append(txnEntries, id)
	}
	m.txnMu.Unlock()

	endLSN, err := m.writeEndCheckpoints(dptEntries, txnEntries)
	if err != nil {
		return err
	}
	if err := m.log.FlushToLSN(endLSN); err != nil {
		return err
	}
	return m.log.RewriteMaster(beginLSN)
}

// writeEndCheckpoints packs dptEntries then txnEntries into one or more
// END_CHECKPOINT records, consulting the capacity oracle before adding
// each entry and emitting-and-resetting on overflow. The DPT and
// transaction-table phases never share a record: each packs
// and emits its own records, so the record count for either phase alone
// is exactly ceil(entries/per-record-capacity).
func (m *Manager) writeEndCheckpoints(dptEntries []types.PageID, txnEntries []types.TxnID) (types.LSN, error) {
	var lastLSN types.LSN
	dpt := make(map[types.PageID]types.LSN)
	txns := make(map[types.TxnID]wal.CheckpointTxnEntry)
	emitted := false

	emit := func() {
		rec := &wal.Record{Kind: wal.EndCheckpoint, TxnID: types.InvalidTxnID, PageNum: types.InvalidPageID,
			DirtyPageTable: dpt, TxnTable: txns}
		lastLSN = m.log.Append(rec)
		emitted = true
		dpt = make(map[types.PageID]types.LSN)
		txns = make(map[types.TxnID]wal.CheckpointTxnEntry)
	}

	m.dptMu.Lock()
	for _, p := range dptEntries {
		if !m.capacityOracle(len(dpt)+1, 0) {
			emit()
		}
		dpt[p] = m.dpt[p]
	}
	m.dptMu.Unlock()
	if len(dpt) > 0 {
		emit()
	}

	m.txnMu.Lock()
	for _, id := range txnEntries {
		if !m.capacityOracle(0, len(txns)+1) {
			emit()
		}
		e, ok := m.txnTable[id]
		if !ok {
			continue
		}
		txns[id] = wal.CheckpointTxnEntry{Status: e.status, LastLSN: e.lastLSN}
	}
	m.txnMu.Unlock()

	if len(txns) > 0 || !emitted {
		emit()
	}
	return lastLSN, nil
}

// Restart runs the full ARIES restart sequence: analysis, redo, DPT
// cleanup against actual buffer-manager dirty state, undo, and a terminal
// checkpoint. Mutually exclusive with Start/Checkpoint.
func (m *Manager) Restart() error {
	m.bigMu.Lock()
	defer m.bigMu.Unlock()

	m.redoPhaseDone = false
	m.logger.Info("restart phase", zap.String("phase", "analysis"))
	if err := m.analysis(); err != nil {
		return fmt.Errorf("recovery: analysis: %w", err)
	}
	m.logger.Info("restart phase", zap.String("phase", "redo"))
	if err := m.redo(); err != nil {
		return fmt.Errorf("recovery: redo: %w", err)
	}
	m.redoPhaseDone = true
	m.logger.Info("restart phase", zap.String("phase", "clean_dpt"))
	m.cleanDPT()
	m.logger.Info("restart phase", zap.String("phase", "undo"))
	if err := m.undo(); err != nil {
		return fmt.Errorf("recovery: undo: %w", err)
	}
	m.logger.Info("restart phase", zap.String("phase", "checkpoint"))
	return m.checkpointLocked()
}

// analysis scans forward from the last checkpoint's beginLSN, rebuilding
// the transaction table and DPT. Corrupt log state (no master record,
// unreadable record) is fatal and aborts startup.
func (m *Manager) analysis() error {
	master, err := m.log.Master()
	if err != nil {
		return fmt.Errorf("missing or unreadable master record: %w", err)
	}
	beginLSN := master.LastCheckpointBeginLSN

	m.txnTable = make(map[types.TxnID]*txnTableEntry)
	m.dpt = make(map[types.PageID]types.LSN)
	ended := make(map[types.TxnID]bool)

	scan := m.log.ScanFrom(beginLSN)
	for {
		rec, ok, err := scan.Next()
		if err != nil {
			return fmt.Errorf("corrupt log record during analysis: %w", err)
		}
		if !ok {
			break
		}

		if rec.TxnID != types.InvalidTxnID && rec.Kind != wal.EndCheckpoint {
			m.ensureTxn(rec.TxnID)
			m.setLastLSN(rec.TxnID, rec.LSN)
		}

		switch rec.Kind {
		case wal.UpdatePage, wal.UndoUpdatePage:
			m.dirtyPage(rec.PageNum, rec.LSN)
		case wal.FreePage, wal.UndoAllocPage:
			if err := m.log.FlushToLSN(rec.LSN); err != nil {
				return err
			}
			m.removeDirty(rec.PageNum)
		case wal.Commit:
			m.setStatus(rec.TxnID, types.TxnStatusCommitting)
		case wal.Abort:
			m.setStatus(rec.TxnID, types.TxnStatusRecoveryAborting)
		case wal.End:
			m.txnMu.Lock()
			if e, ok := m.txnTable[rec.TxnID]; ok && e.txn != nil {
				e.txn.Cleanup()
			}
			delete(m.txnTable, rec.TxnID)
			m.txnMu.Unlock()
			ended[rec.TxnID] = true
		case wal.EndCheckpoint:
			m.mergeCheckpoint(rec, ended)
		}
	}

	m.txnMu.Lock()
	for id, e := range m.txnTable {
		switch e.status {
		case types.TxnStatusCommitting:
			if e.txn != nil {
				e.txn.Cleanup()
			}
			m.txnMu.Unlock()
			if err := m.appendEnd(id); err != nil {
				return err
			}
			m.txnMu.Lock()
			delete(m.txnTable, id)
		case types.TxnStatusRunning:
			e.status = types.TxnStatusRecoveryAborting
			m.txnMu.Unlock()
			if err := m.appendAbort(id); err != nil {
				return err
			}
			m.txnMu.Lock()
		}
	}
	m.txnMu.Unlock()

	return nil
}

func (m *Manager) ensureTxn(id types.TxnID) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	if _, ok := m.txnTable[id]; !ok {
		m.txnTable[id] = &txnTableEntry{status: types.TxnStatusRunning, txn: m.txnFactory(id)}
	}
}

func (m *Manager) appendEnd(id types.TxnID) error {
	prev := m.lastLSN(id)
	rec := &wal.Record{Kind: wal.End, TxnID: id, PrevLSN: prev, PageNum: types.InvalidPageID}
	m.log.Append(rec)
	return nil
}

func (m *Manager) appendAbort(id types.TxnID) error {
	prev := m.lastLSN(id)
	rec := &wal.Record{Kind: wal.Abort, TxnID: id, PrevLSN: prev, PageNum: types.InvalidPageID}
	lsn := m.log.Append(rec)
	m.setLastLSN(id, lsn)
	return nil
}

// mergeCheckpoint folds an END_CHECKPOINT record's DPT and transaction
// table into the in-memory ones built so far, upgrading status only
// monotonically.
func (m *Manager) mergeCheckpoint(rec *wal.Record, ended map[types.TxnID]bool) {
	m.dptMu.Lock()
	for p, lsn := range rec.DirtyPageTable {
		m.dpt[p] = lsn // overwrite: the checkpoint's view wins
	}
	m.dptMu.Unlock()

	for id, cpe := range rec.TxnTable {
		if ended[id] {
			continue
		}
		m.txnMu.Lock()
		e, ok := m.txnTable[id]
		if !ok {
			e = &txnTableEntry{status: types.TxnStatusRunning, txn: m.txnFactory(id)}
			m.txnTable[id] = e
		}
		if cpe.LastLSN > e.lastLSN {
			e.lastLSN = cpe.LastLSN
		}
		switch {
		case cpe.Status == types.TxnStatusComplete:
			e.status = types.TxnStatusComplete
		case cpe.Status == types.TxnStatusCommitting && e.status == types.TxnStatusRunning:
			e.status = types.TxnStatusCommitting
		case cpe.Status == types.TxnStatusAborting && e.status == types.TxnStatusRunning:
			e.status = types.TxnStatusRecoveryAborting
		}
		m.txnMu.Unlock()
	}
}

// redo reapplies every redoable record from the earliest DPT LSN forward,
// skipping page updates whose effect is already durable on disk.
func (m *Manager) redo() error {
	m.dptMu.Lock()
	if len(m.dpt) == 0 {
		m.dptMu.Unlock()
		return nil
	}
	start := types.MaxLSN
	for _, lsn := range m.dpt {
		if lsn < start {
			start = lsn
		}
	}
	m.dptMu.Unlock()

	scan := m.log.ScanFrom(start)
	for {
		rec, ok, err := scan.Next()
		if err != nil {
			return fmt.Errorf("corrupt log record during redo: %w", err)
		}
		if !ok {
			break
		}
		if !rec.IsRedoable() {
			continue
		}

		switch rec.Kind {
		case wal.AllocPart, wal.FreePart, wal.UndoAllocPart, wal.UndoFreePart, wal.AllocPage, wal.UndoFreePage:
			if err := rec.Redo(m.pages, m.space); err != nil {
				return err
			}
		case wal.UpdatePage, wal.UndoUpdatePage, wal.FreePage, wal.UndoAllocPage:
			m.dptMu.Lock()
			recLSN, dirty := m.dpt[rec.PageNum]
			m.dptMu.Unlock()
			if !dirty || rec.LSN < recLSN {
				continue
			}
			if rec.LSN <= m.pages.PageLSN(rec.PageNum) {
				continue
			}
			if err := rec.Redo(m.pages, m.space); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanDPT drops DPT entries for pages the buffer manager reports as
// actually clean on disk.
func (m *Manager) cleanDPT() {
	if m.iterBufferPages == nil {
		return
	}
	clean := make(map[types.PageID]bool)
	m.iterBufferPages(func(pageNum types.PageID, isDirty bool) {
		if !isDirty {
			clean[pageNum] = true
		}
	})
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	for p := range clean {
		delete(m.dpt, p)
	}
}

// abortingHeapItem is one entry in the undo pass's max-heap, ordered by
// lastLSN so the largest outstanding LSN across all aborting transactions
// is undone next.
type abortingHeapItem struct {
	lastLSN types.LSN
	txnID   types.TxnID
}

type abortingHeap []abortingHeapItem

func (h abortingHeap) Len() int           { return len(h) }
func (h abortingHeap) Less(i, j int) bool { return h[i].lastLSN > h[j].lastLSN }
func (h abortingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *abortingHeap) Push(x interface{}) { *h = append(*h, x.(abortingHeapItem)) }
func (h *abortingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// undo rolls back every RECOVERY_ABORTING transaction, interleaving their
// CLRs by always undoing the single largest outstanding LSN across all of
// them.
func (m *Manager) undo() error {
	m.txnMu.Lock()
	var h abortingHeap
	for id, e := range m.txnTable {
		if e.status == types.TxnStatusRecoveryAborting {
			h = append(h, abortingHeapItem{lastLSN: e.lastLSN, txnID: id})
		}
	}
	m.txnMu.Unlock()
	heap.Init(&h)

	for h.Len() > 0 {
		item := heap.Pop(&h).(abortingHeapItem)
		if item.lastLSN == 0 {
			if err := m.endRecoveredTxn(item.txnID); err != nil {
				return err
			}
			continue
		}

		rec, err := m.log.Fetch(item.lastLSN)
		if err != nil {
			return fmt.Errorf("recovery: undo fetch %d: %w", item.lastLSN, err)
		}

		next := rec.PrevLSN
		if rec.IsUndoable() {
			clr, err := rec.Undo(m.lastLSN(item.txnID))
			if err != nil {
				return err
			}
			lsn := m.log.Append(clr)
			m.setLastLSN(item.txnID, lsn)
			clr.LSN = lsn
			if err := clr.Redo(m.pages, m.space); err != nil {
				return fmt.Errorf("recovery: apply CLR at %d: %w", lsn, err)
			}
			next = rec.PrevLSN
		} else if rec.UndoNextLSN != 0 || rec.Kind == wal.UndoUpdatePage || rec.Kind == wal.UndoAllocPage ||
			rec.Kind == wal.UndoFreePage || rec.Kind == wal.UndoAllocPart || rec.Kind == wal.UndoFreePart {
			next = rec.UndoNextLSN
		}

		if next == 0 {
			if err := m.endRecoveredTxn(item.txnID); err != nil {
				return err
			}
			continue
		}
		heap.Push(&h, abortingHeapItem{lastLSN: next, txnID: item.txnID})
	}
	return nil
}

func (m *Manager) endRecoveredTxn(id types.TxnID) error {
	m.txnMu.Lock()
	e, ok := m.txnTable[id]
	m.txnMu.Unlock()
	if !ok {
		return nil
	}

	prev := m.lastLSN(id)
	rec := &wal.Record{Kind: wal.End, TxnID: id, PrevLSN: prev, PageNum: types.InvalidPageID}
	m.log.Append(rec)

	if e.txn != nil {
		e.txn.Cleanup()
	}
	m.txnMu.Lock()
	delete(m.txnTable, id)
	m.txnMu.Unlock()
	return nil
}

// DirtyPageTableSnapshot returns a copy of the current DPT, for tests and
// diagnostics.
func (m *Manager) DirtyPageTableSnapshot() map[types.PageID]types.LSN {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	out := make(map[types.PageID]types.LSN, len(m.dpt))
	for p, l := range m.dpt {
		out[p] = l
	}
	return out
}

// TransactionStatus returns a transaction's current status and whether it
// is tracked at all, for tests and diagnostics.
func (m *Manager) TransactionStatus(id types.TxnID) (types.TxnStatus, bool) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	e, ok := m.txnTable[id]
	if !ok {
		return types.TxnStatusRunning, false
	}
	return e.status, true
}
