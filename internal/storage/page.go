// Package storage implements minidb's buffer-managed, partitioned page
// store: fixed-size slotted pages, a partitioned disk manager, and a
// buffer pool enforcing the WAL's force-log-before-evict rule.
package storage

import (
	"encoding/binary"
	"errors"

	"minidb/pkg/types"
)

const (
	// PageSize mirrors types.PageSize; storage owns page layout, so it
	// gets its own name for the constant rather than every call site
	// spelling out types.PageSize.
	PageSize = types.PageSize

	// EffectivePageSize bounds how much of a page a single WAL record's
	// before/after image may span: half a page, so that a worst-case
	// update (old image + new image) never itself exceeds one page of
	// log space.
	EffectivePageSize = PageSize / 2

	// PageHeaderSize: PageID(8) + Type(1) + reserved(3) + LSN(8) +
	// SlotCount(2) + FreeSpaceOffset(2) + FreeSpaceEnd(2) + NextPageID(8)
	// + reserved(6).
	PageHeaderSize = 8 + 1 + 3 + 8 + 2 + 2 + 2 + 8 + 6

	PageTypeData    = 1
	PageTypeBTree   = 2
	PageTypeCatalog = 3
)

var (
	ErrPageFull     = errors.New("storage: page is full")
	ErrSlotNotFound = errors.New("storage: slot not found")
)

// Page is a fixed-size slotted page: a header, a slot array growing
// forward from just past the header, and tuple data growing backward from
// the end of the page.
type Page struct {
	ID         types.PageID
	Type       uint8
	LSN        types.LSN
	NextPageID types.PageID
	IsDirty    bool
	PinCount   int
	Data       [PageSize]byte
}

// NewPage creates a new empty page with the given id and type.
func NewPage(id types.PageID, pageType uint8) *Page {
	p := &Page{ID: id, Type: pageType}
	p.init()
	return p
}

func (p *Page) init() {
	for i := range p.Data {
		p.Data[i] = 0
	}
	binary.LittleEndian.PutUint64(p.Data[0:8], uint64(p.ID))
	p.Data[8] = p.Type
	binary.LittleEndian.PutUint64(p.Data[12:20], uint64(p.LSN))
	binary.LittleEndian.PutUint16(p.Data[20:22], 0)
	binary.LittleEndian.PutUint16(p.Data[22:24], PageHeaderSize)
	binary.LittleEndian.PutUint16(p.Data[24:26], PageSize)
	p.NextPageID = types.InvalidPageID
	binary.LittleEndian.PutUint64(p.Data[26:34], uint64(types.InvalidPageID))
}

func (p *Page) GetSlotCount() uint16          { return binary.LittleEndian.Uint16(p.Data[20:22]) }
func (p *Page) setSlotCount(count uint16)     { binary.LittleEndian.PutUint16(p.Data[20:22], count) }
func (p *Page) GetFreeSpaceOffset() uint16    { return binary.LittleEndian.Uint16(p.Data[22:24]) }
func (p *Page) setFreeSpaceOffset(off uint16) { binary.LittleEndian.PutUint16(p.Data[22:24], off) }
func (p *Page) GetFreeSpaceEnd() uint16       { return binary.LittleEndian.Uint16(p.Data[24:26]) }
func (p *Page) setFreeSpaceEnd(end uint16)    { binary.LittleEndian.PutUint16(p.Data[24:26], end) }

func (p *Page) SetLSN(lsn types.LSN) {
	p.LSN = lsn
	binary.LittleEndian.PutUint64(p.Data[12:20], uint64(lsn))
}

func (p *Page) GetLSN() types.LSN {
	return types.LSN(binary.LittleEndian.Uint64(p.Data[12:20]))
}

func (p *Page) GetNextPageID() types.PageID {
	return types.PageID(binary.LittleEndian.Uint64(p.Data[26:34]))
}

func (p *Page) SetNextPageID(nextID types.PageID) {
	p.NextPageID = nextID
	binary.LittleEndian.PutUint64(p.Data[26:34], uint64(nextID))
	p.IsDirty = true
}

// slot format: offset(2) + length(2)
const slotSize = 4

func (p *Page) getSlot(slotNum uint16) (offset uint16, length uint16) {
	slotPos := PageHeaderSize + int(slotNum)*slotSize
	offset = binary.LittleEndian.Uint16(p.Data[slotPos : slotPos+2])
	length = binary.LittleEndian.Uint16(p.Data[slotPos+2 : slotPos+4])
	return
}

func (p *Page) setSlot(slotNum uint16, offset, length uint16) {
	slotPos := PageHeaderSize + int(slotNum)*slotSize
	binary.LittleEndian.PutUint16(p.Data[slotPos:slotPos+2], offset)
	binary.LittleEndian.PutUint16(p.Data[slotPos+2:slotPos+4], length)
}

// FreeSpace returns how many bytes are available for a new tuple plus its
// slot entry.
func (p *Page) FreeSpace() int {
	return int(p.GetFreeSpaceEnd()) - int(p.GetFreeSpaceOffset()) - slotSize
}

// InsertTuple appends data to the page and returns its slot number.
func (p *Page) InsertTuple(data []byte) (uint16, error) {
	if p.FreeSpace() < len(data) {
		return 0, ErrPageFull
	}
	freeEnd := p.GetFreeSpaceEnd()
	newEnd := freeEnd - uint16(len(data))
	p.setFreeSpaceEnd(newEnd)
	copy(p.Data[newEnd:freeEnd], data)

	slotNum := p.GetSlotCount()
	p.setSlot(slotNum, newEnd, uint16(len(data)))
	p.setSlotCount(slotNum + 1)
	p.setFreeSpaceOffset(p.GetFreeSpaceOffset() + slotSize)
	p.IsDirty = true
	return slotNum, nil
}

// GetTuple returns a copy of the tuple data at slotNum.
func (p *Page) GetTuple(slotNum uint16) ([]byte, error) {
	if slotNum >= p.GetSlotCount() {
		return nil, ErrSlotNotFound
	}
	offset, length := p.getSlot(slotNum)
	if length == 0 {
		return nil, ErrSlotNotFound
	}
	data := make([]byte, length)
	copy(data, p.Data[offset:offset+length])
	return data, nil
}

// UpdateTuple overwrites the tuple at slotNum, relocating it within the
// page if the new value is larger than the old.
func (p *Page) UpdateTuple(slotNum uint16, data []byte) error {
	if slotNum >= p.GetSlotCount() {
		return ErrSlotNotFound
	}
	offset, oldLen := p.getSlot(slotNum)
	newLen := uint16(len(data))

	if newLen <= oldLen {
		copy(p.Data[offset:], data)
		p.setSlot(slotNum, offset, newLen)
		p.IsDirty = true
		return nil
	}
	if p.FreeSpace() < int(newLen) {
		return ErrPageFull
	}
	p.setSlot(slotNum, offset, 0)

	freeEnd := p.GetFreeSpaceEnd()
	newEnd := freeEnd - newLen
	p.setFreeSpaceEnd(newEnd)
	copy(p.Data[newEnd:freeEnd], data)
	p.setSlot(slotNum, newEnd, newLen)
	p.IsDirty = true
	return nil
}

// DeleteTuple marks a slot deleted (zero length); the bytes themselves
// are left in place until the page is compacted.
func (p *Page) DeleteTuple(slotNum uint16) error {
	if slotNum >= p.GetSlotCount() {
		return ErrSlotNotFound
	}
	offset, _ := p.getSlot(slotNum)
	p.setSlot(slotNum, offset, 0)
	p.IsDirty = true
	return nil
}

// TupleSlot pairs a slot number with its tuple bytes.
type TupleSlot struct {
	SlotNum uint16
	Data    []byte
}

// GetAllTuples returns every non-deleted tuple on the page.
func (p *Page) GetAllTuples() []TupleSlot {
	var tuples []TupleSlot
	count := p.GetSlotCount()
	for i := uint16(0); i < count; i++ {
		offset, length := p.getSlot(i)
		if length == 0 {
			continue
		}
		data := make([]byte, length)
		copy(data, p.Data[offset:offset+length])
		tuples = append(tuples, TupleSlot{SlotNum: i, Data: data})
	}
	return tuples
}

// ReadBytes returns a copy of length bytes starting at offset, used to
// capture a before-image prior to a WritePageBytes call.
func (p *Page) ReadBytes(offset uint16, length int) []byte {
	out := make([]byte, length)
	copy(out, p.Data[offset:int(offset)+length])
	return out
}

// WriteBytes overwrites length(data) bytes at offset without touching the
// slot array; callers needing a real tuple update should use UpdateTuple.
// This is the raw primitive the WAL redo path applies through
// BufferPool.WritePageBytes.
func (p *Page) WriteBytes(offset uint16, data []byte) {
	copy(p.Data[offset:], data)
	p.IsDirty = true
}

// Serialize returns the raw page bytes.
func (p *Page) Serialize() []byte {
	data := make([]byte, PageSize)
	copy(data, p.Data[:])
	return data
}

// Deserialize loads page state from raw bytes.
func (p *Page) Deserialize(data []byte) {
	copy(p.Data[:], data)
	p.ID = types.PageID(binary.LittleEndian.Uint64(p.Data[0:8]))
	p.Type = p.Data[8]
	p.LSN = types.LSN(binary.LittleEndian.Uint64(p.Data[12:20]))
	p.NextPageID = types.PageID(binary.LittleEndian.Uint64(p.Data[26:34]))
}
