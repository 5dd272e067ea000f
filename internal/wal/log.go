// Package wal implements minidb's ARIES-style write-ahead log: a closed
// sum of log record kinds, each knowing how to serialize, redo, and
// (where applicable) undo itself, plus an append-only log Manager over
// its own log file.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"minidb/pkg/types"
)

// Kind is the tag of the LogRecord sum type.
type Kind uint8

const (
	Master Kind = iota
	BeginCheckpoint
	EndCheckpoint
	UpdatePage
	UndoUpdatePage
	AllocPage
	UndoAllocPage
	FreePage
	UndoFreePage
	AllocPart
	FreePart
	UndoAllocPart
	UndoFreePart
	Commit
	Abort
	End
)

func (k Kind) String() string {
	switch k {
	case Master:
		return "MASTER"
	case BeginCheckpoint:
		return "BEGIN_CHECKPOINT"
	case EndCheckpoint:
		return "END_CHECKPOINT"
	case UpdatePage:
		return "UPDATE_PAGE"
	case UndoUpdatePage:
		return "UNDO_UPDATE_PAGE"
	case AllocPage:
		return "ALLOC_PAGE"
	case UndoAllocPage:
		return "UNDO_ALLOC_PAGE"
	case FreePage:
		return "FREE_PAGE"
	case UndoFreePage:
		return "UNDO_FREE_PAGE"
	case AllocPart:
		return "ALLOC_PART"
	case FreePart:
		return "FREE_PART"
	case UndoAllocPart:
		return "UNDO_ALLOC_PART"
	case UndoFreePart:
		return "UNDO_FREE_PART"
	case Commit:
		return "COMMIT"
	case Abort:
		return "ABORT"
	case End:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// CheckpointTxnEntry is one transaction-table row packed into an
// END_CHECKPOINT record.
type CheckpointTxnEntry struct {
	Status  types.TxnStatus
	LastLSN types.LSN
}

// Record is one log entry. Only the fields relevant to Kind are
// meaningful; see the per-kind comments in the component design. This is
// the tagged-variant shape the teaching code already used for its single
// record type, generalized to every ARIES record kind instead of
// reaching for a class hierarchy (redo/undo dispatch is a switch over
// Kind, the only polymorphism this needs).
type Record struct {
	LSN         types.LSN
	Kind        Kind
	TxnID       types.TxnID // InvalidTxnID if this record carries none
	PrevLSN     types.LSN   // threads this txn's record chain
	UndoNextLSN types.LSN   // CLRs only: next record to undo

	PageNum types.PageID // InvalidPageID if this record carries none
	PartNum uint32
	Offset  uint16

	Before []byte // UPDATE_PAGE/UNDO_UPDATE_PAGE: pre-image
	After  []byte // UPDATE_PAGE/UNDO_UPDATE_PAGE: post-image

	DirtyPageTable map[types.PageID]types.LSN       // END_CHECKPOINT
	TxnTable       map[types.TxnID]CheckpointTxnEntry // END_CHECKPOINT

	LastCheckpointBeginLSN types.LSN // MASTER
}

// ErrNotUndoable is returned by Undo for a record kind that carries no
// undo action.
var ErrNotUndoable = errors.New("wal: record kind is not undoable")

// IsRedoable reports whether the redo pass ever applies this record's
// effect.
func (r *Record) IsRedoable() bool {
	switch r.Kind {
	case UpdatePage, UndoUpdatePage, AllocPage, UndoAllocPage, FreePage, UndoFreePage,
		AllocPart, FreePart, UndoAllocPart, UndoFreePart:
		return true
	default:
		return false
	}
}

// IsUndoable reports whether this record kind may be rolled back.
// Compensation records (the UNDO_* kinds) are redoable but never
// themselves undoable.
func (r *Record) IsUndoable() bool {
	switch r.Kind {
	case UpdatePage, AllocPage, FreePage, AllocPart, FreePart:
		return true
	default:
		return false
	}
}

// PageStore is the page-level collaborator Redo needs, narrowed to what
// recovery touches.
type PageStore interface {
	WritePageBytes(page types.PageID, offset uint16, data []byte) error
	SetPageLSN(page types.PageID, lsn types.LSN)
	PageLSN(page types.PageID) types.LSN
}

// SpaceManager is the disk-space collaborator Redo needs, plus the
// redo-only "recreate this exact id" entry
// points that forward processing never calls (forward alloc picks the
// next free slot; redo must reproduce the original slot idempotently).
type SpaceManager interface {
	AllocPageAt(page types.PageID) error
	FreePage(page types.PageID) error
	AllocPartAt(partNum uint32) error
	FreePart(partNum uint32) error
}

// Redo applies this record's physical effect and, for page writes,
// advances the page's pageLSN.
func (r *Record) Redo(pages PageStore, space SpaceManager) error {
	switch r.Kind {
	case UpdatePage, UndoUpdatePage:
		if err := pages.WritePageBytes(r.PageNum, r.Offset, r.After); err != nil {
			return fmt.Errorf("redo %s at %v: %w", r.Kind, r.PageNum, err)
		}
		pages.SetPageLSN(r.PageNum, r.LSN)
		return nil
	case AllocPage, UndoFreePage:
		return space.AllocPageAt(r.PageNum)
	case FreePage, UndoAllocPage:
		return space.FreePage(r.PageNum)
	case AllocPart, UndoFreePart:
		return space.AllocPartAt(r.PartNum)
	case FreePart, UndoAllocPart:
		return space.FreePart(r.PartNum)
	default:
		return nil
	}
}

// Undo returns the compensation record for this record: a record whose
// UndoNextLSN points to this record's PrevLSN (so undo can skip directly
// past it later) and whose PrevLSN is set to the caller-supplied value,
// threading it into the transaction's own chain. The caller assigns the
// CLR's LSN by appending it.
func (r *Record) Undo(prevLSN types.LSN) (*Record, error) {
	if !r.IsUndoable() {
		return nil, fmt.Errorf("%w: %s", ErrNotUndoable, r.Kind)
	}
	clr := &Record{
		TxnID:       r.TxnID,
		PrevLSN:     prevLSN,
		UndoNextLSN: r.PrevLSN,
		PageNum:     types.InvalidPageID,
	}
	switch r.Kind {
	case UpdatePage:
		clr.Kind = UndoUpdatePage
		clr.PageNum = r.PageNum
		clr.Offset = r.Offset
		clr.Before = r.After
		clr.After = r.Before
	case AllocPage:
		clr.Kind = UndoAllocPage
		clr.PageNum = r.PageNum
	case FreePage:
		clr.Kind = UndoFreePage
		clr.PageNum = r.PageNum
	case AllocPart:
		clr.Kind = UndoAllocPart
		clr.PartNum = r.PartNum
	case FreePart:
		clr.Kind = UndoFreePart
		clr.PartNum = r.PartNum
	}
	return clr, nil
}

// header layout: LSN(8) Kind(1) TxnID(8) PrevLSN(8) UndoNextLSN(8)
// PageNum(8) PartNum(4) Offset(2) BeforeLen(4) AfterLen(4)
const headerSize = 8 + 1 + 8 + 8 + 8 + 8 + 4 + 2 + 4 + 4

// Serialize encodes the record to its fixed-header, variable-trailer
// on-disk format.
func (r *Record) Serialize() []byte {
	size := headerSize + len(r.Before) + len(r.After)

	var trailer []byte
	switch r.Kind {
	case Master:
		trailer = make([]byte, 8)
		binary.LittleEndian.PutUint64(trailer, uint64(r.LastCheckpointBeginLSN))
	case EndCheckpoint:
		trailer = serializeCheckpoint(r.DirtyPageTable, r.TxnTable)
	}
	size += len(trailer)

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.LSN))
	off += 8
	buf[off] = byte(r.Kind)
	off += 1
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.TxnID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.PrevLSN))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.UndoNextLSN))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.PageNum))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], r.PartNum)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], r.Offset)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Before)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.After)))
	off += 4
	off += copy(buf[off:], r.Before)
	off += copy(buf[off:], r.After)
	copy(buf[off:], trailer)

	return buf
}

// Deserialize decodes a record from buf, returning the number of bytes
// consumed.
func Deserialize(buf []byte) (*Record, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("wal: buffer too small for record header (%d bytes)", len(buf))
	}
	r := &Record{}
	off := 0
	r.LSN = types.LSN(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.Kind = Kind(buf[off])
	off += 1
	r.TxnID = types.TxnID(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.PrevLSN = types.LSN(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.UndoNextLSN = types.LSN(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.PageNum = types.PageID(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.PartNum = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.Offset = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	beforeLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	afterLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if len(buf) < off+int(beforeLen)+int(afterLen) {
		return nil, 0, fmt.Errorf("wal: buffer too small for record images")
	}
	if beforeLen > 0 {
		r.Before = append([]byte(nil), buf[off:off+int(beforeLen)]...)
		off += int(beforeLen)
	}
	if afterLen > 0 {
		r.After = append([]byte(nil), buf[off:off+int(afterLen)]...)
		off += int(afterLen)
	}

	switch r.Kind {
	case Master:
		if len(buf) < off+8 {
			return nil, 0, fmt.Errorf("wal: buffer too small for master trailer")
		}
		r.LastCheckpointBeginLSN = types.LSN(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	case EndCheckpoint:
		dpt, txns, n, err := deserializeCheckpoint(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		r.DirtyPageTable = dpt
		r.TxnTable = txns
		off += n
	}

	return r, off, nil
}

func serializeCheckpoint(dpt map[types.PageID]types.LSN, txns map[types.TxnID]CheckpointTxnEntry) []byte {
	size := 4 + len(dpt)*16 + 4 + len(txns)*17
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(dpt)))
	off += 4
	for page, recLSN := range dpt {
		binary.LittleEndian.PutUint64(buf[off:], uint64(page))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(recLSN))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(txns)))
	off += 4
	for txn, e := range txns {
		binary.LittleEndian.PutUint64(buf[off:], uint64(txn))
		off += 8
		buf[off] = byte(e.Status)
		off += 1
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.LastLSN))
		off += 8
	}
	return buf
}

func deserializeCheckpoint(buf []byte) (map[types.PageID]types.LSN, map[types.TxnID]CheckpointTxnEntry, int, error) {
	if len(buf) < 4 {
		return nil, nil, 0, fmt.Errorf("wal: buffer too small for checkpoint DPT count")
	}
	off := 0
	numDPT := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	dpt := make(map[types.PageID]types.LSN, numDPT)
	for i := uint32(0); i < numDPT; i++ {
		if len(buf) < off+16 {
			return nil, nil, 0, fmt.Errorf("wal: buffer too small for checkpoint DPT entry")
		}
		page := types.PageID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		recLSN := types.LSN(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		dpt[page] = recLSN
	}
	if len(buf) < off+4 {
		return nil, nil, 0, fmt.Errorf("wal: buffer too small for checkpoint txn count")
	}
	numTxns := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	txns := make(map[types.TxnID]CheckpointTxnEntry, numTxns)
	for i := uint32(0); i < numTxns; i++ {
		if len(buf) < off+17 {
			return nil, nil, 0, fmt.Errorf("wal: buffer too small for checkpoint txn entry")
		}
		txn := types.TxnID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		status := types.TxnStatus(buf[off])
		off += 1
		lastLSN := types.LSN(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		txns[txn] = CheckpointTxnEntry{Status: status, LastLSN: lastLSN}
	}
	return dpt, txns, off, nil
}

// CapacityOracle decides whether dptEntries dirty-page-table rows and
// txnEntries transaction-table rows fit in a single END_CHECKPOINT
// record. Checkpoint packing consults it before adding each entry; tests
// inject a tighter oracle to exercise multi-record packing.
type CapacityOracle func(dptEntries, txnEntries int) bool

const (
	dptEntrySize = 16
	txnEntrySize = 17
	// checkpointPayloadCap is half of storage's EffectivePageSize
	// (PageSize/2), i.e. a quarter page, spelled out here instead of
	// importing the storage package, to avoid a wal->storage dependency.
	checkpointPayloadCap = types.PageSize / 4
)

// DefaultCapacityOracle is FitsInOneRecord for production checkpoints.
func DefaultCapacityOracle(dptEntries, txnEntries int) bool {
	return dptEntries*dptEntrySize+txnEntries*txnEntrySize <= checkpointPayloadCap
}
