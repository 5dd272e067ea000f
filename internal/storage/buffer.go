package storage

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"minidb/pkg/types"
)

// LogFlusher is the one WAL operation the buffer pool depends on: forcing
// the log durable up to a given LSN before a dirty page carrying that LSN
// may be written back (the WAL force rule). wal.Manager.FlushToLSN
// satisfies this without either package importing the other.
type LogFlusher interface {
	FlushToLSN(lsn types.LSN) error
}

// BufferPool is minidb's buffer manager: an LRU page cache over a
// DiskManager, backed by golang-lru/v2 for recency tracking, enforcing
// the force-log-before-evict rule on every writeback.
type BufferPool struct {
	mu         sync.Mutex
	disk       *DiskManager
	logFlusher LogFlusher

	cache    *lru.Cache[types.PageID, *Page]
	capacity int

	hits   uint64
	misses uint64
}

// NewBufferPool creates a buffer pool of the given page capacity over
// disk.
func NewBufferPool(disk *DiskManager, capacity int) *BufferPool {
	bp := &BufferPool{disk: disk, capacity: capacity}
	cache, err := lru.New[types.PageID, *Page](capacity + 1)
	if err != nil {
		// capacity+1 > 0 is always a valid lru.New size; this can only
		// fail for a non-positive size, which NewBufferPool callers
		// never pass.
		panic(fmt.Sprintf("storage: lru.New: %v", err))
	}
	bp.cache = cache
	return bp
}

// SetLogFlusher wires the WAL's flushToLSN into the buffer pool so
// writeback can enforce the force rule. A pool with no flusher set
// performs no force (tests exercising the page cache in isolation don't
// need one).
func (bp *BufferPool) SetLogFlusher(f LogFlusher) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.logFlusher = f
}

// ensureRoom evicts the least-recently-used unpinned page if the pool is
// at capacity. Must be called with bp.mu held.
func (bp *BufferPool) ensureRoom() error {
	if bp.cache.Len() < bp.capacity {
		return nil
	}
	for _, id := range bp.cache.Keys() { // oldest to newest
		page, ok := bp.cache.Peek(id)
		if !ok || page.PinCount > 0 {
			continue
		}
		if err := bp.writeBackLocked(page); err != nil {
			return err
		}
		bp.cache.Remove(id)
		return nil
	}
	return fmt.Errorf("storage: all pages are pinned, cannot evict")
}

// writeBackLocked forces the log up to the page's LSN then writes the
// page to disk, if dirty. Must be called with bp.mu held.
func (bp *BufferPool) writeBackLocked(page *Page) error {
	if !page.IsDirty {
		return nil
	}
	if bp.logFlusher != nil {
		if err := bp.logFlusher.FlushToLSN(page.GetLSN()); err != nil {
			return fmt.Errorf("storage: force log before writeback: %w", err)
		}
	}
	if err := bp.disk.WritePage(page); err != nil {
		return err
	}
	page.IsDirty = false
	return nil
}

// FetchPage retrieves a page, reading from disk and evicting if
// necessary. The caller must UnpinPage when done.
func (bp *BufferPool) FetchPage(ctx context.Context, pageID types.PageID) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if page, ok := bp.cache.Get(pageID); ok {
		bp.hits++
		page.PinCount++
		return page, nil
	}
	bp.misses++

	page, err := bp.disk.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	if err := bp.ensureRoom(); err != nil {
		return nil, err
	}
	page.PinCount = 1
	bp.cache.Add(pageID, page)
	return page, nil
}

// NewPage allocates a fresh page in partNum and adds it to the pool,
// pinned once.
func (bp *BufferPool) NewPage(partNum uint32, pageType uint8) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	pageID, err := bp.disk.AllocPage(partNum)
	if err != nil {
		return nil, err
	}
	if err := bp.ensureRoom(); err != nil {
		return nil, err
	}
	page := NewPage(pageID, pageType)
	page.IsDirty = true
	page.PinCount = 1
	bp.cache.Add(pageID, page)
	return page, nil
}

// UnpinPage decrements a page's pin count, optionally marking it dirty.
func (bp *BufferPool) UnpinPage(pageID types.PageID, isDirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page, ok := bp.cache.Peek(pageID)
	if !ok {
		return
	}
	if isDirty {
		page.IsDirty = true
	}
	if page.PinCount > 0 {
		page.PinCount--
	}
}

// FlushPage forces the page's log prefix and writes it to disk if dirty.
func (bp *BufferPool) FlushPage(pageID types.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page, ok := bp.cache.Peek(pageID)
	if !ok {
		return nil
	}
	return bp.writeBackLocked(page)
}

// FlushAllPages writes every dirty page to disk and syncs the file.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, id := range bp.cache.Keys() {
		page, ok := bp.cache.Peek(id)
		if !ok {
			continue
		}
		if err := bp.writeBackLocked(page); err != nil {
			return err
		}
	}
	return bp.disk.Sync()
}

// IterPageNums visits every buffer-resident page, reporting its dirty
// bit, used by restart's DPT cleanup to drop entries for pages that are
// not dirty in the pool.
func (bp *BufferPool) IterPageNums(f func(pageNum types.PageID, isDirty bool)) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, id := range bp.cache.Keys() {
		page, ok := bp.cache.Peek(id)
		if !ok {
			continue
		}
		f(id, page.IsDirty)
	}
}

// GetPage returns a buffer-resident page without pinning it, or nil if
// pageID isn't cached.
func (bp *BufferPool) GetPage(pageID types.PageID) *Page {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page, _ := bp.cache.Peek(pageID)
	return page
}

// GetDirtyPages returns the current page LSN of every dirty
// buffer-resident page.
func (bp *BufferPool) GetDirtyPages() map[types.PageID]types.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	dirty := make(map[types.PageID]types.LSN)
	for _, id := range bp.cache.Keys() {
		page, ok := bp.cache.Peek(id)
		if ok && page.IsDirty {
			dirty[id] = page.LSN
		}
	}
	return dirty
}

// Stats reports cache hit/miss counters and current occupancy.
func (bp *BufferPool) Stats() (hits, misses uint64, cached int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hits, bp.misses, bp.cache.Len()
}

// MarkDirty marks a buffer-resident page dirty without changing its LSN.
func (bp *BufferPool) MarkDirty(pageID types.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.cache.Peek(pageID); ok {
		page.IsDirty = true
	}
}

// SetPageLSN sets a buffer-resident page's LSN, per WritePageBytes's
// redo-time collaborator contract (wal.PageStore).
func (bp *BufferPool) SetPageLSN(pageID types.PageID, lsn types.LSN) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.cache.Peek(pageID); ok {
		page.SetLSN(lsn)
		page.IsDirty = true
	}
}

// PageLSN returns a buffer-resident page's LSN, or InvalidLSN if it is
// not in the pool.
func (bp *BufferPool) PageLSN(pageID types.PageID) types.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if page, ok := bp.cache.Peek(pageID); ok {
		return page.GetLSN()
	}
	return types.InvalidLSN
}

// WritePageBytes overwrites length(data) bytes of a buffer-resident page
// at offset, fetching it from disk first if necessary. This is the
// wal.PageStore primitive redo uses when the page may or may not already
// be cached.
func (bp *BufferPool) WritePageBytes(pageID types.PageID, offset uint16, data []byte) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page, ok := bp.cache.Peek(pageID)
	if !ok {
		disk, err := bp.disk.ReadPage(pageID)
		if err != nil {
			return err
		}
		if err := bp.ensureRoom(); err != nil {
			return err
		}
		disk.PinCount = 0
		bp.cache.Add(pageID, disk)
		page = disk
	}
	page.WriteBytes(offset, data)
	return nil
}
