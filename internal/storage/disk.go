package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"minidb/pkg/types"
)

const (
	diskHeaderSize = 16 // Magic(8) + Version(4) + NumPartitions(4)
	diskMagic      = uint64(0x4D494E4944425044) // "MINIDBPD"
	diskVersion    = uint32(2)

	// partitionHeaderSize: NumPages(4) + reserved(4), written at the start
	// of each partition's region of the file.
	partitionHeaderSize = 8

	// maxPagesPerPartition bounds how much file space a partition's header
	// region reserves up front: a fixed per-partition page capacity keeps
	// offset arithmetic simple for a teaching disk manager.
	maxPagesPerPartition = 1 << 16
)

// DiskManager is the partitioned disk-space manager behind
// wal.SpaceManager: partitions are logical table/index spaces, each
// holding up to maxPagesPerPartition pages, addressed by the high/low
// split in types.PageID. Partition 0 is reserved for the WAL and is never
// handed out by AllocPart.
type DiskManager struct {
	mu            sync.Mutex
	file          *os.File
	filePath      string
	numPartitions uint32
	partPages     map[uint32]uint32 // partition -> number of pages allocated
	freedParts    map[uint32]bool
	freedPages    map[types.PageID]bool
}

// NewDiskManager creates or opens a database file. Partition 0 (reserved
// for the WAL, per types.LogPartition) always exists.
func NewDiskManager(path string) (*DiskManager, error) {
	dm := &DiskManager{
		filePath:   path,
		partPages:  make(map[uint32]uint32),
		freedParts: make(map[uint32]bool),
		freedPages: make(map[types.PageID]bool),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: create data file: %w", err)
		}
		dm.file = file
		dm.numPartitions = 1 // reserve partition 0 for the WAL
		if err := dm.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := dm.writePartitionHeader(types.LogPartition, 0); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		file, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open data file: %w", err)
		}
		dm.file = file
		if err := dm.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		for p := uint32(0); p < dm.numPartitions; p++ {
			n, err := dm.readPartitionHeader(p)
			if err != nil {
				file.Close()
				return nil, err
			}
			dm.partPages[p] = n
		}
	}

	return dm, nil
}

func (dm *DiskManager) writeHeader() error {
	header := make([]byte, diskHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], diskMagic)
	binary.LittleEndian.PutUint32(header[8:12], diskVersion)
	binary.LittleEndian.PutUint32(header[12:16], dm.numPartitions)
	if _, err := dm.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("storage: write header: %w", err)
	}
	return dm.file.Sync()
}

func (dm *DiskManager) readHeader() error {
	header := make([]byte, diskHeaderSize)
	n, err := dm.file.ReadAt(header, 0)
	if err != nil || n < diskHeaderSize {
		return fmt.Errorf("storage: read header: %w", err)
	}
	if binary.LittleEndian.Uint64(header[0:8]) != diskMagic {
		return fmt.Errorf("storage: invalid data file magic")
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != diskVersion {
		return fmt.Errorf("storage: unsupported data file version %d", v)
	}
	dm.numPartitions = binary.LittleEndian.Uint32(header[12:16])
	return nil
}

// partitionBase returns the file offset at which partition p's header
// region begins.
func (dm *DiskManager) partitionBase(p uint32) int64 {
	partSize := int64(partitionHeaderSize) + int64(maxPagesPerPartition)*int64(PageSize)
	return int64(diskHeaderSize) + int64(p)*partSize
}

func (dm *DiskManager) writePartitionHeader(p uint32, numPages uint32) error {
	buf := make([]byte, partitionHeaderSize)
	binary.LittleEndian.PutUint32(buf, numPages)
	if _, err := dm.file.WriteAt(buf, dm.partitionBase(p)); err != nil {
		return fmt.Errorf("storage: write partition %d header: %w", p, err)
	}
	return dm.file.Sync()
}

func (dm *DiskManager) readPartitionHeader(p uint32) (uint32, error) {
	buf := make([]byte, partitionHeaderSize)
	if _, err := dm.file.ReadAt(buf, dm.partitionBase(p)); err != nil {
		return 0, fmt.Errorf("storage: read partition %d header: %w", p, err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (dm *DiskManager) pageOffset(pageID types.PageID) int64 {
	part := pageID.PartNum()
	idx := pageID.Idx()
	return dm.partitionBase(part) + int64(partitionHeaderSize) + int64(idx)*int64(PageSize)
}

// GetPartNum returns the partition number a page belongs to.
func (dm *DiskManager) GetPartNum(pageNum types.PageID) uint32 {
	return pageNum.PartNum()
}

// AllocPart allocates a new partition (a new logical table/index space)
// and returns its number.
func (dm *DiskManager) AllocPart() (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for p := range dm.freedParts {
		if dm.freedParts[p] {
			delete(dm.freedParts, p)
			dm.partPages[p] = 0
			if err := dm.writePartitionHeader(p, 0); err != nil {
				return 0, err
			}
			return p, nil
		}
	}

	p := dm.numPartitions
	dm.numPartitions++
	if err := dm.writeHeader(); err != nil {
		dm.numPartitions--
		return 0, err
	}
	dm.partPages[p] = 0
	if err := dm.writePartitionHeader(p, 0); err != nil {
		return 0, err
	}
	return p, nil
}

// AllocPartAt recreates partition partNum at its original number, used
// only by WAL redo to reconstruct an allocation idempotently instead of
// picking the next free slot.
func (dm *DiskManager) AllocPartAt(partNum uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	delete(dm.freedParts, partNum)
	if partNum >= dm.numPartitions {
		dm.numPartitions = partNum + 1
		if err := dm.writeHeader(); err != nil {
			return err
		}
	}
	if _, ok := dm.partPages[partNum]; !ok {
		dm.partPages[partNum] = 0
		return dm.writePartitionHeader(partNum, 0)
	}
	return nil
}

// FreePart marks a partition free for reuse. It is the caller's
// responsibility to have freed every page in it first.
func (dm *DiskManager) FreePart(partNum uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if partNum == types.LogPartition {
		return fmt.Errorf("storage: cannot free the reserved log partition")
	}
	dm.freedParts[partNum] = true
	return nil
}

// AllocPage allocates the next free page within partNum.
func (dm *DiskManager) AllocPage(partNum uint32) (types.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	n, ok := dm.partPages[partNum]
	if !ok {
		return types.InvalidPageID, fmt.Errorf("storage: partition %d does not exist", partNum)
	}
	if n >= maxPagesPerPartition {
		return types.InvalidPageID, fmt.Errorf("storage: partition %d is full", partNum)
	}
	idx := n
	pageID := types.NewPageID(partNum, idx)
	dm.partPages[partNum] = n + 1
	if err := dm.writePartitionHeader(partNum, n+1); err != nil {
		dm.partPages[partNum] = n
		return types.InvalidPageID, err
	}
	delete(dm.freedPages, pageID)

	page := NewPage(pageID, PageTypeData)
	if _, err := dm.file.WriteAt(page.Serialize(), dm.pageOffset(pageID)); err != nil {
		return types.InvalidPageID, fmt.Errorf("storage: init page %v: %w", pageID, err)
	}
	return pageID, nil
}

// AllocPageAt recreates pageID in place, used only by WAL redo to
// reconstruct the exact original allocation.
func (dm *DiskManager) AllocPageAt(pageID types.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	part, idx := pageID.PartNum(), pageID.Idx()
	if _, ok := dm.partPages[part]; !ok {
		dm.partPages[part] = 0
	}
	if dm.partPages[part] <= idx {
		dm.partPages[part] = idx + 1
		if err := dm.writePartitionHeader(part, idx+1); err != nil {
			return err
		}
	}
	delete(dm.freedPages, pageID)
	return nil
}

// FreePage marks a page free. Its bytes remain on disk until overwritten
// by a later allocation at the same slot.
func (dm *DiskManager) FreePage(pageID types.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.freedPages[pageID] = true
	return nil
}

// ReadPage reads a page from disk.
func (dm *DiskManager) ReadPage(pageID types.PageID) (*Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	data := make([]byte, PageSize)
	n, err := dm.file.ReadAt(data, dm.pageOffset(pageID))
	if err != nil || n != PageSize {
		return nil, fmt.Errorf("storage: read page %v: %w", pageID, err)
	}
	page := &Page{}
	page.Deserialize(data)
	return page, nil
}

// WritePage writes a page to disk.
func (dm *DiskManager) WritePage(page *Page) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	n, err := dm.file.WriteAt(page.Serialize(), dm.pageOffset(page.ID))
	if err != nil || n != PageSize {
		return fmt.Errorf("storage: write page %v: %w", page.ID, err)
	}
	return nil
}

// WritePageBytes overwrites length(data) bytes of a page at offset,
// without reading the rest of the page back in. This is the wal.PageStore
// primitive redo uses to apply an UPDATE_PAGE record directly to disk
// when the page is not buffer-resident.
func (dm *DiskManager) WritePageBytes(pageID types.PageID, offset uint16, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, err := dm.file.WriteAt(data, dm.pageOffset(pageID)+int64(offset)); err != nil {
		return fmt.Errorf("storage: write page bytes %v: %w", pageID, err)
	}
	return nil
}

// Sync flushes all pending writes to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Sync()
}

// Close closes the disk manager.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Close()
}
