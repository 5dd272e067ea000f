package storage

import (
	"context"
	"fmt"

	"minidb/internal/recovery"
	"minidb/pkg/types"
)

// RID locates one record: a page and a slot within it.
type RID struct {
	Page types.PageID
	Slot uint16
}

func (r RID) String() string { return fmt.Sprintf("%v:%d", r.Page, r.Slot) }

// Heap is a minimal slotted-page row store: an unordered, append-mostly
// chain of pages within one partition, holding opaque byte records. Every
// mutation is logged through a recovery.Manager's forward-processing
// hooks under the caller's transaction, so a crash leaves the WAL with
// enough to redo or undo it.
type Heap struct {
	bp  *BufferPool
	rec *recovery.Manager

	partNum   uint32
	firstPage types.PageID
	lastPage  types.PageID
}

// NewHeap creates a heap with one initial page in partNum, logging the
// page's allocation through rec under tx.
func NewHeap(ctx context.Context, bp *BufferPool, rec *recovery.Manager, tx recovery.Transaction, partNum uint32) (*Heap, error) {
	page, err := bp.NewPage(partNum, PageTypeData)
	if err != nil {
		return nil, err
	}
	if _, err := rec.LogAllocPage(tx, page.ID); err != nil {
		bp.UnpinPage(page.ID, false)
		return nil, err
	}
	h := &Heap{bp: bp, rec: rec, partNum: partNum, firstPage: page.ID, lastPage: page.ID}
	bp.UnpinPage(page.ID, true)
	return h, nil
}

// OpenHeap reattaches to an existing heap given its first/last page.
func OpenHeap(bp *BufferPool, rec *recovery.Manager, partNum uint32, firstPage, lastPage types.PageID) *Heap {
	return &Heap{bp: bp, rec: rec, partNum: partNum, firstPage: firstPage, lastPage: lastPage}
}

// FirstPage and LastPage expose the heap's page chain endpoints so a
// caller can persist them and later reopen the heap with OpenHeap.
func (h *Heap) FirstPage() types.PageID { return h.firstPage }
func (h *Heap) LastPage() types.PageID  { return h.lastPage }

// logPageWrite captures page's bytes as the after-image, logs an
// UPDATE_PAGE record against before, and stamps the page with the
// record's LSN. Heap mutations touch the tuple area, the slot array, and
// the page header in one pass, so the whole page is logged rather than a
// sub-page byte range.
func (h *Heap) logPageWrite(tx recovery.Transaction, page *Page, before []byte) {
	after := page.ReadBytes(0, PageSize)
	lsn := h.rec.LogPageWrite(tx, page.ID, 0, before, after)
	page.SetLSN(lsn)
}

// Insert appends data as a new record, allocating a fresh page if the
// last page in the chain is full.
func (h *Heap) Insert(ctx context.Context, tx recovery.Transaction, data []byte) (RID, error) {
	page, err := h.bp.FetchPage(ctx, h.lastPage)
	if err != nil {
		return RID{}, err
	}
	before := page.ReadBytes(0, PageSize)

	slot, err := page.InsertTuple(data)
	if err == nil {
		h.logPageWrite(tx, page, before)
		h.bp.UnpinPage(page.ID, true)
		return RID{Page: page.ID, Slot: slot}, nil
	}
	if err != ErrPageFull {
		h.bp.UnpinPage(page.ID, false)
		return RID{}, err
	}

	newPage, err := h.bp.NewPage(h.partNum, PageTypeData)
	if err != nil {
		h.bp.UnpinPage(page.ID, false)
		return RID{}, err
	}
	if _, err := h.rec.LogAllocPage(tx, newPage.ID); err != nil {
		h.bp.UnpinPage(page.ID, false)
		h.bp.UnpinPage(newPage.ID, false)
		return RID{}, err
	}
	page.SetNextPageID(newPage.ID)
	h.logPageWrite(tx, page, before)
	h.bp.UnpinPage(page.ID, true)
	h.lastPage = newPage.ID

	newBefore := newPage.ReadBytes(0, PageSize)
	slot, err = newPage.InsertTuple(data)
	if err != nil {
		h.bp.UnpinPage(newPage.ID, true)
		return RID{}, err
	}
	h.logPageWrite(tx, newPage, newBefore)
	h.bp.UnpinPage(newPage.ID, true)
	return RID{Page: newPage.ID, Slot: slot}, nil
}

// Get returns a copy of the record at rid.
func (h *Heap) Get(ctx context.Context, rid RID) ([]byte, error) {
	page, err := h.bp.FetchPage(ctx, rid.Page)
	if err != nil {
		return nil, err
	}
	defer h.bp.UnpinPage(rid.Page, false)
	return page.GetTuple(rid.Slot)
}

// Update overwrites the record at rid with data under tx, logging the
// page's before/after images, and returns the record's prior bytes.
func (h *Heap) Update(ctx context.Context, tx recovery.Transaction, rid RID, data []byte) (before []byte, err error) {
	page, err := h.bp.FetchPage(ctx, rid.Page)
	if err != nil {
		return nil, err
	}
	defer h.bp.UnpinPage(rid.Page, true)

	before, err = page.GetTuple(rid.Slot)
	if err != nil {
		return nil, err
	}
	pageBefore := page.ReadBytes(0, PageSize)
	if err := page.UpdateTuple(rid.Slot, data); err != nil {
		return nil, err
	}
	h.logPageWrite(tx, page, pageBefore)
	return before, nil
}

// Delete marks the record at rid deleted under tx, logging the page's
// before/after images, and returns its prior bytes.
func (h *Heap) Delete(ctx context.Context, tx recovery.Transaction, rid RID) (before []byte, err error) {
	page, err := h.bp.FetchPage(ctx, rid.Page)
	if err != nil {
		return nil, err
	}
	defer h.bp.UnpinPage(rid.Page, true)

	before, err = page.GetTuple(rid.Slot)
	if err != nil {
		return nil, err
	}
	pageBefore := page.ReadBytes(0, PageSize)
	if err := page.DeleteTuple(rid.Slot); err != nil {
		return nil, err
	}
	h.logPageWrite(tx, page, pageBefore)
	return before, nil
}

// RecordWithRID pairs a record with its location, returned by Scan.
type RecordWithRID struct {
	RID  RID
	Data []byte
}

// Scan walks every page in the chain and returns all live records.
func (h *Heap) Scan(ctx context.Context) ([]RecordWithRID, error) {
	var results []RecordWithRID
	pageID := h.firstPage

	for {
		page, err := h.bp.FetchPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		for _, t := range page.GetAllTuples() {
			results = append(results, RecordWithRID{RID: RID{Page: pageID, Slot: t.SlotNum}, Data: t.Data})
		}
		next := page.GetNextPageID()
		h.bp.UnpinPage(pageID, false)

		if pageID == h.lastPage {
			break
		}
		if next == types.InvalidPageID {
			break
		}
		pageID = next
	}
	return results, nil
}
