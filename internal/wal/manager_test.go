package wal

import (
	"path/filepath"
	"testing"

	"minidb/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOpenNewFileReservesMasterAtLSNZero(t *testing.T) {
	m := newTestManager(t)
	if got := m.NextLSN(); got != 1 {
		t.Errorf("NextLSN = %d, want 1", got)
	}
	rec, err := m.Fetch(0)
	if err != nil {
		t.Fatalf("Fetch(0): %v", err)
	}
	if rec.Kind != Master {
		t.Errorf("Kind = %s, want MASTER", rec.Kind)
	}
	if rec.LastCheckpointBeginLSN != types.InvalidLSN {
		t.Errorf("LastCheckpointBeginLSN = %d, want InvalidLSN", rec.LastCheckpointBeginLSN)
	}
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	m := newTestManager(t)
	lsn1 := m.Append(&Record{Kind: UpdatePage, TxnID: 1, PageNum: types.InvalidPageID})
	lsn2 := m.Append(&Record{Kind: Commit, TxnID: 1, PrevLSN: lsn1, PageNum: types.InvalidPageID})
	if lsn1 != 1 {
		t.Errorf("first LSN = %d, want 1", lsn1)
	}
	if lsn2 != lsn1+1 {
		t.Errorf("second LSN = %d, want %d", lsn2, lsn1+1)
	}
}

func TestFetchSeesUnflushedRecords(t *testing.T) {
	m := newTestManager(t)
	lsn := m.Append(&Record{Kind: Commit, TxnID: 3, PageNum: types.InvalidPageID})
	rec, err := m.Fetch(lsn)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.TxnID != 3 {
		t.Errorf("TxnID = %d, want 3", rec.TxnID)
	}
}

func TestFlushThenFetchFromFile(t *testing.T) {
	m := newTestManager(t)
	lsn := m.Append(&Record{Kind: UpdatePage, TxnID: 1, PageNum: types.NewPageID(1, 1), After: []byte("x")})
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := m.FlushedLSN(); got != lsn {
		t.Errorf("FlushedLSN = %d, want %d", got, lsn)
	}
	rec, err := m.Fetch(lsn)
	if err != nil {
		t.Fatalf("Fetch after flush: %v", err)
	}
	if string(rec.After) != "x" {
		t.Errorf("After = %q, want x", rec.After)
	}
}

func TestScanFromReturnsRecordsInOrder(t *testing.T) {
	m := newTestManager(t)
	var lsns []types.LSN
	for i := 0; i < 5; i++ {
		lsns = append(lsns, m.Append(&Record{Kind: Commit, TxnID: types.TxnID(i), PageNum: types.InvalidPageID}))
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	scan := m.ScanFrom(lsns[1])
	var got []types.LSN
	for {
		rec, ok, err := scan.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, rec.LSN)
	}
	if len(got) != len(lsns)-1 {
		t.Fatalf("scanned %d records, want %d", len(got), len(lsns)-1)
	}
	for i, lsn := range got {
		if lsn != lsns[i+1] {
			t.Errorf("scan[%d] = %d, want %d", i, lsn, lsns[i+1])
		}
	}
}

func TestScanFromZeroSkipsMasterRecord(t *testing.T) {
	m := newTestManager(t)
	lsn := m.Append(&Record{Kind: Commit, TxnID: 1, PageNum: types.InvalidPageID})
	scan := m.ScanFrom(0)
	rec, ok, err := scan.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if rec.LSN != lsn {
		t.Errorf("first scanned LSN = %d, want %d (master skipped)", rec.LSN, lsn)
	}
}

func TestRewriteMasterPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.RewriteMaster(types.LSN(99)); err != nil {
		t.Fatalf("RewriteMaster: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	rec, err := m2.Master()
	if err != nil {
		t.Fatalf("Master: %v", err)
	}
	if rec.LastCheckpointBeginLSN != 99 {
		t.Errorf("LastCheckpointBeginLSN = %d, want 99", rec.LastCheckpointBeginLSN)
	}
}

func TestReopenRecoversNextLSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var last types.LSN
	for i := 0; i < 3; i++ {
		last = m.Append(&Record{Kind: Commit, TxnID: types.TxnID(i), PageNum: types.InvalidPageID})
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	if got := m2.NextLSN(); got != last+1 {
		t.Errorf("NextLSN after reopen = %d, want %d", got, last+1)
	}
	rec, err := m2.Fetch(last)
	if err != nil {
		t.Fatalf("Fetch after reopen: %v", err)
	}
	if rec.TxnID != types.TxnID(2) {
		t.Errorf("TxnID = %d, want 2", rec.TxnID)
	}
}

func TestFlushToLSNIsNoopWhenAlreadyFlushed(t *testing.T) {
	m := newTestManager(t)
	lsn := m.Append(&Record{Kind: Commit, TxnID: 1, PageNum: types.InvalidPageID})
	if err := m.FlushToLSN(lsn); err != nil {
		t.Fatalf("FlushToLSN: %v", err)
	}
	if err := m.FlushToLSN(lsn); err != nil {
		t.Fatalf("second FlushToLSN: %v", err)
	}
	if m.FlushedLSN() != lsn {
		t.Errorf("FlushedLSN = %d, want %d", m.FlushedLSN(), lsn)
	}
}
