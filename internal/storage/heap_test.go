package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"minidb/internal/recovery"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

// testTxn is the minimal recovery.Transaction a heap test needs: just a
// stable transaction number, since nothing here exercises Cleanup.
type testTxn struct{ id types.TxnID }

func (t *testTxn) TransNum() types.TxnID { return t.id }
func (t *testTxn) Cleanup()              {}

func newTestHeap(t *testing.T, capacity int) (*Heap, *recovery.Manager, *wal.Manager, recovery.Transaction) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dm, err := NewDiskManager(dbPath)
	if err != nil {
		t.Fatalf("NewDiskManager() error = %v", err)
	}
	part, err := dm.AllocPart()
	if err != nil {
		t.Fatalf("AllocPart() error = %v", err)
	}
	bp := NewBufferPool(dm, capacity)

	walPath := filepath.Join(t.TempDir(), "test.wal")
	logMgr, err := wal.Open(walPath)
	if err != nil {
		t.Fatalf("wal.Open() error = %v", err)
	}
	rec := recovery.NewManager(logMgr, bp, dm, bp.IterPageNums)
	bp.SetLogFlusher(rec)

	tx := &testTxn{id: 1}
	rec.Start(tx)

	h, err := NewHeap(context.Background(), bp, rec, tx, part)
	if err != nil {
		t.Fatalf("NewHeap() error = %v", err)
	}
	return h, rec, logMgr, tx
}

func TestHeapInsertGet(t *testing.T) {
	h, _, _, tx := newTestHeap(t, 10)
	ctx := context.Background()

	rid, err := h.Insert(ctx, tx, []byte("hello"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, err := h.Get(ctx, rid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

func TestHeapInsertLogsPageWrite(t *testing.T) {
	h, _, logMgr, tx := newTestHeap(t, 10)
	ctx := context.Background()

	before := logMgr.NextLSN()
	if _, err := h.Insert(ctx, tx, []byte("hello")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	after := logMgr.NextLSN()
	if after == before {
		t.Errorf("Insert() did not advance the WAL: next LSN stayed at %v", before)
	}
}

func TestHeapUpdateReturnsBeforeImage(t *testing.T) {
	h, _, _, tx := newTestHeap(t, 10)
	ctx := context.Background()

	rid, _ := h.Insert(ctx, tx, []byte("original"))
	before, err := h.Update(ctx, tx, rid, []byte("changed"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !bytes.Equal(before, []byte("original")) {
		t.Errorf("before-image = %q, want %q", before, "original")
	}
	got, _ := h.Get(ctx, rid)
	if !bytes.Equal(got, []byte("changed")) {
		t.Errorf("after update = %q, want %q", got, "changed")
	}
}

func TestHeapDeleteReturnsBeforeImage(t *testing.T) {
	h, _, _, tx := newTestHeap(t, 10)
	ctx := context.Background()

	rid, _ := h.Insert(ctx, tx, []byte("gone soon"))
	before, err := h.Delete(ctx, tx, rid)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !bytes.Equal(before, []byte("gone soon")) {
		t.Errorf("before-image = %q, want %q", before, "gone soon")
	}
	if _, err := h.Get(ctx, rid); err != ErrSlotNotFound {
		t.Errorf("Get() after delete = %v, want ErrSlotNotFound", err)
	}
}

func TestHeapInsertAllocatesNewPageWhenFull(t *testing.T) {
	h, _, _, tx := newTestHeap(t, 10)
	ctx := context.Background()

	first := h.firstPage
	big := make([]byte, 1000)
	var lastRID RID
	for i := 0; i < 10; i++ {
		rid, err := h.Insert(ctx, tx, big)
		if err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
		lastRID = rid
	}
	if h.lastPage == first {
		t.Fatal("expected a second page to have been allocated")
	}
	if lastRID.Page != h.lastPage {
		t.Errorf("last inserted record's page = %v, want %v", lastRID.Page, h.lastPage)
	}
}

func TestHeapScanReturnsAllLiveRecords(t *testing.T) {
	h, _, _, tx := newTestHeap(t, 10)
	ctx := context.Background()

	rid1, _ := h.Insert(ctx, tx, []byte("a"))
	_, _ = h.Insert(ctx, tx, []byte("b"))
	rid3, _ := h.Insert(ctx, tx, []byte("c"))
	h.Delete(ctx, tx, rid1)

	records, err := h.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Scan() returned %d records, want 2", len(records))
	}
	found := false
	for _, r := range records {
		if r.RID == rid3 && bytes.Equal(r.Data, []byte("c")) {
			found = true
		}
	}
	if !found {
		t.Error("expected rid3's record in scan results")
	}
}

func TestOpenHeapReattachesExistingChain(t *testing.T) {
	h, rec, _, tx := newTestHeap(t, 10)
	ctx := context.Background()
	rid, _ := h.Insert(ctx, tx, []byte("persisted"))

	reopened := OpenHeap(h.bp, rec, h.partNum, h.firstPage, h.lastPage)
	got, err := reopened.Get(ctx, rid)
	if err != nil {
		t.Fatalf("Get() on reopened heap error = %v", err)
	}
	if !bytes.Equal(got, []byte("persisted")) {
		t.Errorf("Get() = %q, want %q", got, "persisted")
	}
}
