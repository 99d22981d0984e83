package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// Record format, little-endian:
//
//	[len:u32][row_len:u32][row][col_len:u32][col][ts:i64][kind:u8][payload]
//
// len covers every field after itself. The payload is the value bytes for
// a Put, empty for a no-TTL tombstone, and ttl_ms:i64 for a TTL tombstone.
// The length prefix lets recovery stop cleanly at the last complete record.

const recordHeaderSize = 4 // the len prefix itself

// encodedLen returns the value of the len prefix for c.
func encodedLen(c *cell.Cell) (uint32, error) {
	n := 4 + len(c.Row) + 4 + len(c.Column) + 8 + 1
	switch c.Kind {
	case cell.KindPut:
		n += len(c.Value)
	case cell.KindTombstone:
	case cell.KindTombstoneTTL:
		n += 8
	default:
		return 0, fmt.Errorf("unknown cell kind %d", c.Kind)
	}
	return uint32(n), nil
}

// writeRecord appends one record to w.
func writeRecord(w *bufio.Writer, c *cell.Cell) error {
	total, err := encodedLen(c)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, total); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(c.Row))); err != nil {
		return err
	}
	if _, err := w.Write(c.Row); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(c.Column))); err != nil {
		return err
	}
	if _, err := w.Write(c.Column); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.Timestamp); err != nil {
		return err
	}
	if err := w.WriteByte(byte(c.Kind)); err != nil {
		return err
	}
	switch c.Kind {
	case cell.KindPut:
		if _, err := w.Write(c.Value); err != nil {
			return err
		}
	case cell.KindTombstoneTTL:
		if err := binary.Write(w, binary.LittleEndian, c.TTLMillis); err != nil {
			return err
		}
	}
	return nil
}

// readRecord reads one complete record. io.EOF means a clean end of the
// segment; io.ErrUnexpectedEOF means a partial trailing record.
func readRecord(r *bufio.Reader) (cell.Cell, error) {
	var total uint32
	if err := binary.Read(r, binary.LittleEndian, &total); err != nil {
		if err == io.ErrUnexpectedEOF {
			return cell.Cell{}, io.ErrUnexpectedEOF
		}
		return cell.Cell{}, err
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return cell.Cell{}, io.ErrUnexpectedEOF
	}

	return decodeBody(body)
}

func decodeBody(body []byte) (cell.Cell, error) {
	off := 0
	readU32 := func() (uint32, bool) {
		if off+4 > len(body) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(body[off:])
		off += 4
		return v, true
	}

	rowLen, ok := readU32()
	if !ok || off+int(rowLen) > len(body) {
		return cell.Cell{}, fmt.Errorf("record body truncated in row")
	}
	row := append([]byte(nil), body[off:off+int(rowLen)]...)
	off += int(rowLen)

	colLen, ok := readU32()
	if !ok || off+int(colLen) > len(body) {
		return cell.Cell{}, fmt.Errorf("record body truncated in column")
	}
	col := append([]byte(nil), body[off:off+int(colLen)]...)
	off += int(colLen)

	if off+9 > len(body) {
		return cell.Cell{}, fmt.Errorf("record body truncated in timestamp")
	}
	ts := int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	kind := cell.Kind(body[off])
	off++

	c := cell.Cell{Row: row, Column: col, Timestamp: ts, Kind: kind, TTLMillis: cell.NoTTL}
	switch kind {
	case cell.KindPut:
		c.Value = append([]byte(nil), body[off:]...)
	case cell.KindTombstone:
		if off != len(body) {
			return cell.Cell{}, fmt.Errorf("tombstone record has %d trailing bytes", len(body)-off)
		}
	case cell.KindTombstoneTTL:
		if off+8 != len(body) {
			return cell.Cell{}, fmt.Errorf("ttl tombstone record has bad payload size %d", len(body)-off)
		}
		c.TTLMillis = int64(binary.LittleEndian.Uint64(body[off:]))
	default:
		return cell.Cell{}, fmt.Errorf("unknown record kind %d", kind)
	}
	return c, nil
}
