package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// Reader serves reads from one immutable table file through a
// memory-mapped ReaderAt. Readers are safe for concurrent use and are
// reference counted: the opener holds the first reference, snapshot
// holders take more with Retain, and the file is closed (and, if doomed
// by compaction, unlinked) when the last reference is released.
type Reader struct {
	path      string
	seq       uint64
	mm        *mmap.ReaderAt
	cellCount uint64
	flags     uint16
	index     []indexEntry
	minRow    []byte
	maxRow    []byte
	dataEnd   uint64 // first byte past the cell region

	refs   atomic.Int64
	doomed atomic.Bool
}

// Open validates the file and loads the sparse index and row bounds.
func Open(path string) (*Reader, error) {
	seq, ok := ParseSeq(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an sstable file name", ErrCorrupt, path)
	}

	mm, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sstable %s: %w", path, err)
	}

	r := &Reader{path: path, seq: seq, mm: mm}
	r.refs.Store(1)
	if err := r.load(); err != nil {
		mm.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) load() error {
	if r.mm.Len() < headerSize+len(Magic) {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, r.mm.Len())
	}

	header := make([]byte, headerSize)
	if _, err := r.mm.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[:4]) != Magic {
		return fmt.Errorf("%w: bad header magic %q", ErrCorrupt, header[:4])
	}
	version := binary.LittleEndian.Uint16(header[4:])
	if version != Version {
		return fmt.Errorf("%w: unknown version %d", ErrCorrupt, version)
	}
	r.flags = binary.LittleEndian.Uint16(header[6:])
	r.cellCount = binary.LittleEndian.Uint64(header[8:])

	// The footer is found by walking the length-framed cell region; only
	// the length fields are touched.
	off := uint64(headerSize)
	for i := uint64(0); i < r.cellCount; i++ {
		next, err := r.skipCell(off)
		if err != nil {
			return fmt.Errorf("%w: cell %d: %v", ErrCorrupt, i, err)
		}
		off = next
	}
	r.dataEnd = off

	if r.flags&FlagHasIndex != 0 {
		end, err := r.loadIndex(off)
		if err != nil {
			return err
		}
		off = end
	}
	return r.loadFooter(off)
}

func (r *Reader) skipCell(off uint64) (uint64, error) {
	rowLen, err := r.u32At(off)
	if err != nil {
		return 0, err
	}
	off += 4 + uint64(rowLen)
	colLen, err := r.u32At(off)
	if err != nil {
		return 0, err
	}
	off += 4 + uint64(colLen) + 8
	kind, err := r.byteAt(off)
	if err != nil {
		return 0, err
	}
	off++
	switch cell.Kind(kind) {
	case cell.KindPut:
		valLen, err := r.u32At(off)
		if err != nil {
			return 0, err
		}
		off += 4 + uint64(valLen)
	case cell.KindTombstone, cell.KindTombstoneTTL:
		off += 8
	default:
		return 0, fmt.Errorf("unknown cell kind %d", kind)
	}
	if off > uint64(r.mm.Len()) {
		return 0, fmt.Errorf("cell overruns file")
	}
	return off, nil
}

func (r *Reader) loadIndex(off uint64) (uint64, error) {
	count, err := r.u32At(off)
	if err != nil {
		return 0, fmt.Errorf("%w: index count: %v", ErrCorrupt, err)
	}
	off += 4
	r.index = make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		rowLen, err := r.u32At(off)
		if err != nil {
			return 0, fmt.Errorf("%w: index entry %d: %v", ErrCorrupt, i, err)
		}
		off += 4
		row, err := r.bytesAt(off, int(rowLen))
		if err != nil {
			return 0, fmt.Errorf("%w: index entry %d: %v", ErrCorrupt, i, err)
		}
		off += uint64(rowLen)
		target, err := r.u64At(off)
		if err != nil {
			return 0, fmt.Errorf("%w: index entry %d: %v", ErrCorrupt, i, err)
		}
		off += 8
		r.index = append(r.index, indexEntry{row: row, offset: target})
	}
	return off, nil
}

func (r *Reader) loadFooter(off uint64) error {
	indexOffset, err := r.u64At(off)
	if err != nil {
		return fmt.Errorf("%w: footer: %v", ErrCorrupt, err)
	}
	if indexOffset != r.dataEnd {
		return fmt.Errorf("%w: footer index offset %d does not match cell region end %d",
			ErrCorrupt, indexOffset, r.dataEnd)
	}
	off += 8

	minLen, err := r.u32At(off)
	if err != nil {
		return fmt.Errorf("%w: footer: %v", ErrCorrupt, err)
	}
	off += 4
	r.minRow, err = r.bytesAt(off, int(minLen))
	if err != nil {
		return fmt.Errorf("%w: footer min row: %v", ErrCorrupt, err)
	}
	off += uint64(minLen)

	maxLen, err := r.u32At(off)
	if err != nil {
		return fmt.Errorf("%w: footer: %v", ErrCorrupt, err)
	}
	off += 4
	r.maxRow, err = r.bytesAt(off, int(maxLen))
	if err != nil {
		return fmt.Errorf("%w: footer max row: %v", ErrCorrupt, err)
	}
	off += uint64(maxLen)

	magic, err := r.bytesAt(off, len(Magic))
	if err != nil || string(magic) != Magic {
		return fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}
	off += uint64(len(Magic))
	if off != uint64(r.mm.Len()) {
		return fmt.Errorf("%w: %d trailing bytes after footer", ErrCorrupt, uint64(r.mm.Len())-off)
	}
	return nil
}

// Seq returns the table's file sequence number.
func (r *Reader) Seq() uint64 { return r.seq }

// Path returns the table's file path.
func (r *Reader) Path() string { return r.path }

// CellCount returns the number of cells in the table.
func (r *Reader) CellCount() uint64 { return r.cellCount }

// Bounds returns the table's (min, max) row keys.
func (r *Reader) Bounds() (minRow, maxRow []byte) { return r.minRow, r.maxRow }

// OverlapsRow reports whether row falls within the table's bounds.
func (r *Reader) OverlapsRow(row []byte) bool {
	return bytes.Compare(row, r.minRow) >= 0 && bytes.Compare(row, r.maxRow) <= 0
}

// OverlapsRange reports whether [lo, hi] intersects the table's bounds.
func (r *Reader) OverlapsRange(lo, hi []byte) bool {
	return bytes.Compare(lo, r.maxRow) <= 0 && bytes.Compare(hi, r.minRow) >= 0
}

// seekOffset returns the offset of the nearest index sample at or before
// row, or the start of the cell region.
func (r *Reader) seekOffset(row []byte) uint64 {
	if len(r.index) == 0 {
		return headerSize
	}
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].row, row) > 0
	})
	if i == 0 {
		return headerSize
	}
	return r.index[i-1].offset
}

// Get returns up to max versions of (row, col) newest first, optionally
// restricted to [tLo, tHi]. max <= 0 means no limit. Tombstones are
// returned; visibility is the reader-merge layer's concern.
func (r *Reader) Get(row, col []byte, max int, tLo, tHi int64, timeRange bool) ([]cell.Cell, error) {
	if !r.OverlapsRow(row) {
		return nil, nil
	}

	var out []cell.Cell
	it := r.iterateFrom(r.seekOffset(row))
	for {
		c, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cmp := bytes.Compare(c.Row, row)
		if cmp < 0 {
			continue
		}
		if cmp > 0 {
			break
		}
		switch colCmp := bytes.Compare(c.Column, col); {
		case colCmp < 0:
			continue
		case colCmp > 0:
			return out, nil
		}
		if timeRange && (c.Timestamp < tLo || c.Timestamp > tHi) {
			continue
		}
		out = append(out, c)
		if max > 0 && len(out) == max {
			return out, nil
		}
	}
	return out, nil
}

// Scan returns a single-shot iterator over cells with row keys in
// [lo, hi], in file order.
func (r *Reader) Scan(lo, hi []byte) *Iterator {
	it := r.iterateFrom(r.seekOffset(lo))
	it.lo = lo
	it.hi = hi
	return it
}

// All returns a single-shot iterator over the whole table.
func (r *Reader) All() *Iterator {
	return r.iterateFrom(headerSize)
}

// Retain takes an additional reference for a snapshot holder.
func (r *Reader) Retain() {
	r.refs.Add(1)
}

// Release drops one reference. The last release closes the mapping and,
// if the table was doomed, unlinks the file.
func (r *Reader) Release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	err := r.mm.Close()
	if r.doomed.Load() {
		if rmErr := os.Remove(r.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
		if syncErr := syncDir(filepath.Dir(r.path)); syncErr != nil && err == nil {
			err = syncErr
		}
	}
	return err
}

// Doom marks the file for removal once the last reference is released.
// Compaction dooms its inputs after the replacement table is durable.
func (r *Reader) Doom() {
	r.doomed.Store(true)
}

// Raw read helpers over the mmap region.

func (r *Reader) bytesAt(off uint64, n int) ([]byte, error) {
	if off+uint64(n) > uint64(r.mm.Len()) {
		return nil, fmt.Errorf("read past end of file")
	}
	buf := make([]byte, n)
	if _, err := r.mm.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) byteAt(off uint64) (byte, error) {
	b, err := r.bytesAt(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) u32At(off uint64) (uint32, error) {
	b, err := r.bytesAt(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) u64At(off uint64) (uint64, error) {
	b, err := r.bytesAt(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
