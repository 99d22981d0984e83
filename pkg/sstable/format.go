// Package sstable implements the immutable on-disk sorted runs.
//
// File layout, little-endian:
//
//	Header:  magic "RBST" | version:u16 | flags:u16 | cell_count:u64
//	Cells:   row_len:u32 | row | col_len:u32 | col | ts:i64 | kind:u8 |
//	         [value_len:u32 | value]  (Put)
//	         [ttl_ms:i64, -1 = no TTL] (Tombstone)
//	Index:   count:u32 | (row_len:u32 | row | offset:u64)*   (flags bit 0)
//	Footer:  index_offset:u64 | min_row_len:u32 | min_row |
//	         max_row_len:u32 | max_row | magic
//
// Cells are ordered ascending by (row, column) and descending by
// timestamp within a column. The header and footer magics and the cell
// framing are a compatibility surface: files written at the same version
// by any conforming implementation must stay readable.
package sstable

import (
	"errors"
	"fmt"
	"path/filepath"
)

const (
	// Magic brackets every table file.
	Magic = "RBST"
	// Version is the current format version.
	Version uint16 = 1

	// FlagHasIndex marks files carrying the optional sparse index.
	FlagHasIndex uint16 = 1 << 0

	// IndexInterval is the cell spacing between sparse index samples.
	IndexInterval = 128

	headerSize = 4 + 2 + 2 + 8

	filePrefix = "sst-"
	fileSuffix = ".sst"
)

// ErrCorrupt marks magic mismatches, truncated or malformed files, and
// unknown versions. Callers match it with errors.Is.
var ErrCorrupt = errors.New("sstable corrupt")

// FilePath returns the table path for a sequence number. Sequence
// numbers are zero-padded so lexicographic file order matches numeric
// order.
func FilePath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%010d%s", filePrefix, seq, fileSuffix))
}

// ParseSeq extracts the sequence number from a table file name.
func ParseSeq(name string) (uint64, bool) {
	base := filepath.Base(name)
	var seq uint64
	if _, err := fmt.Sscanf(base, filePrefix+"%d"+fileSuffix, &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// indexEntry maps a row key to the file offset of its first cell.
type indexEntry struct {
	row    []byte
	offset uint64
}
