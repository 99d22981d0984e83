package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// Writer streams cells into a new table file. Cells must arrive in
// ascending (row, column) order with timestamps descending within a
// column; Append rejects anything else. The file is written under a
// temporary name and renamed into place by Finish.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer

	offset    uint64
	cellCount uint64
	minRow    []byte
	maxRow    []byte
	index     []indexEntry
	lastCell  *cell.Cell
	sinceIdx  int
}

// NewWriter opens a temporary file for a table that will live at path.
func NewWriter(path string) (*Writer, error) {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create sstable temp file %s: %w", tmpPath, err)
	}

	w := &Writer{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		w:       bufio.NewWriter(file),
		offset:  headerSize,
	}

	// Placeholder header; the final cell count is patched in by Finish.
	if err := w.writeHeader(0); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader(count uint64) error {
	if _, err := w.w.WriteString(Magic); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, Version); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, FlagHasIndex); err != nil {
		return err
	}
	return binary.Write(w.w, binary.LittleEndian, count)
}

// Append writes one cell.
func (w *Writer) Append(c *cell.Cell) error {
	if w.lastCell != nil && cell.CompareKey(w.lastCell, c) >= 0 {
		return fmt.Errorf("cell out of order: (%q,%q,%d) after (%q,%q,%d)",
			c.Row, c.Column, c.Timestamp, w.lastCell.Row, w.lastCell.Column, w.lastCell.Timestamp)
	}

	newRow := w.lastCell == nil || !bytes.Equal(w.lastCell.Row, c.Row)
	if newRow && (w.cellCount == 0 || w.sinceIdx >= IndexInterval) {
		w.index = append(w.index, indexEntry{
			row:    append([]byte(nil), c.Row...),
			offset: w.offset,
		})
		w.sinceIdx = 0
	}

	size, err := w.writeCell(c)
	if err != nil {
		return err
	}
	w.offset += uint64(size)
	w.cellCount++
	w.sinceIdx++

	if w.minRow == nil {
		w.minRow = append([]byte(nil), c.Row...)
	}
	if newRow {
		w.maxRow = append([]byte(nil), c.Row...)
	}
	cp := *c
	w.lastCell = &cp
	return nil
}

func (w *Writer) writeCell(c *cell.Cell) (int, error) {
	size := 0
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(c.Row))); err != nil {
		return 0, err
	}
	size += 4
	if _, err := w.w.Write(c.Row); err != nil {
		return 0, err
	}
	size += len(c.Row)
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(c.Column))); err != nil {
		return 0, err
	}
	size += 4
	if _, err := w.w.Write(c.Column); err != nil {
		return 0, err
	}
	size += len(c.Column)
	if err := binary.Write(w.w, binary.LittleEndian, c.Timestamp); err != nil {
		return 0, err
	}
	size += 8
	if err := w.w.WriteByte(byte(c.Kind)); err != nil {
		return 0, err
	}
	size++

	switch c.Kind {
	case cell.KindPut:
		if err := binary.Write(w.w, binary.LittleEndian, uint32(len(c.Value))); err != nil {
			return 0, err
		}
		if _, err := w.w.Write(c.Value); err != nil {
			return 0, err
		}
		size += 4 + len(c.Value)
	case cell.KindTombstone:
		if err := binary.Write(w.w, binary.LittleEndian, cell.NoTTL); err != nil {
			return 0, err
		}
		size += 8
	case cell.KindTombstoneTTL:
		if err := binary.Write(w.w, binary.LittleEndian, c.TTLMillis); err != nil {
			return 0, err
		}
		size += 8
	default:
		return 0, fmt.Errorf("unknown cell kind %d", c.Kind)
	}
	return size, nil
}

// CellCount returns the number of cells appended so far.
func (w *Writer) CellCount() uint64 { return w.cellCount }

// Finish writes the index and footer, patches the header, fsyncs the
// file and its directory, and renames the temporary file into place.
func (w *Writer) Finish() error {
	indexOffset := w.offset

	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(w.index))); err != nil {
		return err
	}
	for _, ie := range w.index {
		if err := binary.Write(w.w, binary.LittleEndian, uint32(len(ie.row))); err != nil {
			return err
		}
		if _, err := w.w.Write(ie.row); err != nil {
			return err
		}
		if err := binary.Write(w.w, binary.LittleEndian, ie.offset); err != nil {
			return err
		}
	}

	if err := binary.Write(w.w, binary.LittleEndian, indexOffset); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(w.minRow))); err != nil {
		return err
	}
	if _, err := w.w.Write(w.minRow); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(w.maxRow))); err != nil {
		return err
	}
	if _, err := w.w.Write(w.maxRow); err != nil {
		return err
	}
	if _, err := w.w.WriteString(Magic); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}

	// Patch the real cell count into the header.
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], w.cellCount)
	if _, err := w.file.WriteAt(countBuf[:], 8); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("rename sstable into place: %w", err)
	}
	return syncDir(filepath.Dir(w.path))
}

// Abort discards the temporary file.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

// Create writes all cells to a new table at path. Cells must already be
// in iteration order.
func Create(path string, cells []cell.Cell) error {
	w, err := NewWriter(path)
	if err != nil {
		return err
	}
	for i := range cells {
		if err := w.Append(&cells[i]); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return err
	}
	return nil
}

// syncDir fsyncs a directory so entry creation and removal is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
