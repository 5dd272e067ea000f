package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"minidb/pkg/types"
)

// fileMagic/fileVersion identify an on-disk log file; fileHeaderSize is the
// fixed prefix before the master record slot.
const (
	fileMagic      = uint64(0x4D494E4944425741) // "MINIDBWA"
	fileVersion    = uint32(1)
	fileHeaderSize = 8 + 4

	// masterRecordSize is headerSize plus the MASTER trailer (8 bytes) and
	// no before/after images: always exactly this many bytes, which is
	// what lets RewriteMaster overwrite LSN 0 in place.
	masterRecordSize = headerSize + 8
	masterOffset     = int64(fileHeaderSize)
	firstRecordOffset = masterOffset + int64(masterRecordSize)

	lengthPrefixSize = 4
)

// Manager is the append-only log store: append, flushToLSN, fetch,
// scanFrom and rewriteMaster over a single file, with LSN 0 permanently
// reserved for the master record. It keeps the teaching code's
// file-header-plus-length-prefix-plus-buffered-write shape (internal/wal's
// old Writer), generalized to the Record sum type and extended with an
// LSN index so fetch/scanFrom don't need a linear file scan per call.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger

	file     *os.File
	fileSize int64 // bytes durably written to file

	nextLSN    types.LSN
	flushedLSN types.LSN

	buf     []byte               // bytes appended but not yet written+synced
	pending map[types.LSN]*Record // records backing buf, cleared on flush
	index   map[types.LSN]int64  // LSN -> file offset, valid once flushed
	order   []types.LSN          // LSNs in increasing order, for ScanFrom
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a zap.Logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Open opens or creates the log file at path, replaying its header and
// recovering the index of existing records so Append can continue
// assigning LSNs past whatever was already durable.
func Open(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:  zap.NewNop(),
		pending: make(map[types.LSN]*Record),
		index:   make(map[types.LSN]int64),
	}
	for _, opt := range opts {
		opt(m)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	m.file = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := m.initializeLocked(); err != nil {
			f.Close()
			return nil, err
		}
		return m, nil
	}

	if err := m.reopenLocked(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initializeLocked() error {
	hdr := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint64(hdr, fileMagic)
	binary.LittleEndian.PutUint32(hdr[8:], fileVersion)
	if _, err := m.file.Write(hdr); err != nil {
		return fmt.Errorf("wal: write file header: %w", err)
	}

	master := &Record{Kind: Master, TxnID: types.InvalidTxnID, PageNum: types.InvalidPageID,
		LastCheckpointBeginLSN: types.InvalidLSN}
	data := master.Serialize()
	if len(data) != masterRecordSize {
		return fmt.Errorf("wal: master record size %d, want %d", len(data), masterRecordSize)
	}
	if _, err := m.file.WriteAt(data, masterOffset); err != nil {
		return fmt.Errorf("wal: write initial master record: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync new log file: %w", err)
	}

	m.fileSize = firstRecordOffset
	m.nextLSN = 1
	m.flushedLSN = 0
	m.index[0] = masterOffset
	m.order = append(m.order, 0)
	return nil
}

func (m *Manager) reopenLocked(size int64) error {
	hdr := make([]byte, fileHeaderSize)
	if _, err := m.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("wal: read file header: %w", err)
	}
	if binary.LittleEndian.Uint64(hdr) != fileMagic {
		return fmt.Errorf("wal: bad file magic")
	}

	m.index[0] = masterOffset
	m.order = append(m.order, 0)

	off := firstRecordOffset
	maxLSN := types.LSN(0)
	for off < size {
		prefix := make([]byte, lengthPrefixSize)
		if _, err := m.file.ReadAt(prefix, off); err != nil {
			break // torn trailing write; stop at last complete record
		}
		n := binary.LittleEndian.Uint32(prefix)
		body := make([]byte, n)
		if _, err := m.file.ReadAt(body, off+lengthPrefixSize); err != nil {
			break
		}
		rec, _, err := Deserialize(body)
		if err != nil {
			break
		}
		m.index[rec.LSN] = off
		m.order = append(m.order, rec.LSN)
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		off += int64(lengthPrefixSize) + int64(n)
	}

	m.fileSize = off
	m.nextLSN = maxLSN + 1
	m.flushedLSN = maxLSN
	m.logger.Info("wal: recovered log file", zap.Int64("size", size),
		zap.Uint64("nextLSN", uint64(m.nextLSN)))
	return nil
}

// Append assigns the next LSN to record, queues it for write, and returns
// the assigned LSN. The record is immediately visible to Fetch/ScanFrom
// even before it is flushed.
func (m *Manager) Append(r *Record) types.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.LSN = m.nextLSN
	m.nextLSN++

	offset := m.fileSize + int64(len(m.buf))
	data := r.Serialize()
	prefix := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint32(prefix, uint32(len(data)))
	m.buf = append(m.buf, prefix...)
	m.buf = append(m.buf, data...)

	m.index[r.LSN] = offset
	m.order = append(m.order, r.LSN)
	m.pending[r.LSN] = r
	return r.LSN
}

// FlushToLSN durably writes and syncs every record up to and including
// lsn. A no-op if lsn is already flushed.
func (m *Manager) FlushToLSN(lsn types.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn <= m.flushedLSN {
		return nil
	}
	return m.flushLocked()
}

// Flush durably writes every appended record.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if len(m.buf) == 0 {
		return nil
	}
	n, err := m.file.WriteAt(m.buf, m.fileSize)
	if err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	m.fileSize += int64(n)
	m.flushedLSN = m.nextLSN - 1
	m.buf = m.buf[:0]
	m.pending = make(map[types.LSN]*Record)
	return nil
}

// Fetch returns the record at lsn, whether or not it has been flushed yet.
func (m *Manager) Fetch(lsn types.LSN) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchLocked(lsn)
}

func (m *Manager) fetchLocked(lsn types.LSN) (*Record, error) {
	if r, ok := m.pending[lsn]; ok {
		return r, nil
	}
	offset, ok := m.index[lsn]
	if !ok {
		return nil, fmt.Errorf("wal: no record at LSN %d", lsn)
	}
	if lsn == 0 {
		return m.readMasterLocked()
	}
	return m.readAtLocked(offset)
}

func (m *Manager) readAtLocked(offset int64) (*Record, error) {
	prefix := make([]byte, lengthPrefixSize)
	if _, err := m.file.ReadAt(prefix, offset); err != nil {
		return nil, fmt.Errorf("wal: read length prefix at %d: %w", offset, err)
	}
	n := binary.LittleEndian.Uint32(prefix)
	body := make([]byte, n)
	if _, err := m.file.ReadAt(body, offset+lengthPrefixSize); err != nil {
		return nil, fmt.Errorf("wal: read record body at %d: %w", offset, err)
	}
	rec, _, err := Deserialize(body)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) readMasterLocked() (*Record, error) {
	body := make([]byte, masterRecordSize)
	if _, err := m.file.ReadAt(body, masterOffset); err != nil {
		return nil, fmt.Errorf("wal: read master record: %w", err)
	}
	rec, _, err := Deserialize(body)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Master returns the current master record (LSN 0).
func (m *Manager) Master() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readMasterLocked()
}

// RewriteMaster overwrites the master record in place with a new
// lastCheckpointBeginLSN, then syncs. Used at the end of a successful
// checkpoint and at the end of restart.
func (m *Manager) RewriteMaster(lastCheckpointBeginLSN types.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	master := &Record{Kind: Master, TxnID: types.InvalidTxnID, PageNum: types.InvalidPageID,
		LastCheckpointBeginLSN: lastCheckpointBeginLSN}
	data := master.Serialize()
	if len(data) != masterRecordSize {
		return fmt.Errorf("wal: master record size %d, want %d", len(data), masterRecordSize)
	}
	if _, err := m.file.WriteAt(data, masterOffset); err != nil {
		return fmt.Errorf("wal: rewrite master: %w", err)
	}
	return m.file.Sync()
}

// NextLSN returns the LSN that will be assigned to the next Append.
func (m *Manager) NextLSN() types.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// FlushedLSN returns the highest durably-written LSN.
func (m *Manager) FlushedLSN() types.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// Close flushes and closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Close()
}

// Scanner is a lazy forward iterator over records from some starting LSN,
// returned by ScanFrom. It snapshots the set of known LSNs at creation
// time; records appended afterward are not visited.
type Scanner struct {
	m    *Manager
	lsns []types.LSN
	idx  int
}

// Next returns the next record in the scan, or ok=false at the end.
func (s *Scanner) Next() (*Record, bool, error) {
	if s.idx >= len(s.lsns) {
		return nil, false, nil
	}
	lsn := s.lsns[s.idx]
	s.idx++
	r, err := s.m.Fetch(lsn)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// ScanFrom returns a forward iterator over every record with LSN >= lsn,
// in LSN order. Scanning the master record itself
// (LSN 0) is skipped when lsn == 0, since callers scan forward through
// real log records, not the master slot.
func (m *Manager) ScanFrom(lsn types.LSN) *Scanner {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := sort.Search(len(m.order), func(i int) bool { return m.order[i] >= lsn })
	lsns := make([]types.LSN, 0, len(m.order)-start)
	for _, l := range m.order[start:] {
		if l == 0 {
			continue
		}
		lsns = append(lsns, l)
	}
	return &Scanner{m: m, lsns: lsns}
}

var _ io.Closer = (*Manager)(nil)
