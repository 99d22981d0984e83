// Package memstore implements the in-memory mutable buffer for a column
// family. Cells are held in a two-level sorted structure (row, then
// column) with per-column versions ordered newest first.
package memstore

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// ErrFrozen is returned when a mutation reaches a memstore that has been
// frozen for flush.
var ErrFrozen = errors.New("memstore is frozen")

// version is one stored version of a column.
type version struct {
	ts        int64
	kind      cell.Kind
	value     []byte
	ttlMillis int64
}

// columnVersions holds the versions of one column, timestamp descending.
type columnVersions struct {
	name     []byte
	versions []version
}

// rowEntry holds the columns of one row.
type rowEntry struct {
	key     []byte
	columns map[string]*columnVersions
	names   []string // column names, sorted on demand
	sorted  bool
}

// MemStore buffers recent mutations in sorted order. It is safe for
// concurrent use; the engine additionally serializes mutations against
// snapshots with its own state lock.
type MemStore struct {
	mu          sync.RWMutex
	rows        map[string]*rowEntry
	rowKeys     []string
	rowsSorted  bool
	cellCount   int
	approxBytes int
	frozen      bool
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		rows:       make(map[string]*rowEntry),
		rowsSorted: true,
	}
}

// Put inserts a Put cell.
func (ms *MemStore) Put(row, col []byte, ts int64, value []byte) error {
	return ms.insert(version{ts: ts, kind: cell.KindPut, value: value, ttlMillis: cell.NoTTL}, row, col)
}

// Delete inserts a tombstone. ttlMillis < 0 means the tombstone never
// expires.
func (ms *MemStore) Delete(row, col []byte, ts int64, ttlMillis int64) error {
	kind := cell.KindTombstone
	if ttlMillis >= 0 {
		kind = cell.KindTombstoneTTL
	} else {
		ttlMillis = cell.NoTTL
	}
	return ms.insert(version{ts: ts, kind: kind, ttlMillis: ttlMillis}, row, col)
}

// Insert adds an already-built cell, used by WAL replay.
func (ms *MemStore) Insert(c *cell.Cell) error {
	return ms.insert(version{ts: c.Timestamp, kind: c.Kind, value: c.Value, ttlMillis: c.TTLMillis}, c.Row, c.Column)
}

func (ms *MemStore) insert(v version, row, col []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.frozen {
		return ErrFrozen
	}

	rowKey := string(row)
	re, ok := ms.rows[rowKey]
	if !ok {
		re = &rowEntry{
			key:     append([]byte(nil), row...),
			columns: make(map[string]*columnVersions),
			sorted:  true,
		}
		ms.rows[rowKey] = re
		ms.rowKeys = append(ms.rowKeys, rowKey)
		ms.rowsSorted = false
		ms.approxBytes += len(row)
	}

	colKey := string(col)
	cv, ok := re.columns[colKey]
	if !ok {
		cv = &columnVersions{name: append([]byte(nil), col...)}
		re.columns[colKey] = cv
		re.names = append(re.names, colKey)
		re.sorted = false
		ms.approxBytes += len(col)
	}

	// Timestamps are monotonic so the common case is a prepend; fall back
	// to a sorted insert for replayed or out-of-order cells.
	if n := len(cv.versions); n == 0 || v.ts >= cv.versions[0].ts {
		cv.versions = append([]version{v}, cv.versions...)
	} else {
		i := sort.Search(n, func(i int) bool { return cv.versions[i].ts <= v.ts })
		cv.versions = append(cv.versions, version{})
		copy(cv.versions[i+1:], cv.versions[i:])
		cv.versions[i] = v
	}

	ms.cellCount++
	ms.approxBytes += len(v.value) + 17 // ts + kind + ttl
	return nil
}

// GetVersions returns up to max versions of (row, col) newest first,
// optionally restricted to timestamps within [tLo, tHi]. max <= 0 means
// no limit. Tombstone versions are included; visibility is the reader's
// concern.
func (ms *MemStore) GetVersions(row, col []byte, max int, tLo, tHi int64, timeRange bool) []cell.Cell {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	re, ok := ms.rows[string(row)]
	if !ok {
		return nil
	}
	cv, ok := re.columns[string(col)]
	if !ok {
		return nil
	}

	out := make([]cell.Cell, 0, len(cv.versions))
	for _, v := range cv.versions {
		if timeRange && (v.ts < tLo || v.ts > tHi) {
			continue
		}
		out = append(out, materialize(re.key, cv.name, v))
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// ScanRow returns every cell of the row in column-ascending,
// timestamp-descending order.
func (ms *MemStore) ScanRow(row []byte) []cell.Cell {
	return ms.ScanRange(row, row)
}

// ScanRange returns every cell with row key in [lo, hi] (inclusive), in
// row-ascending, column-ascending, timestamp-descending order.
func (ms *MemStore) ScanRange(lo, hi []byte) []cell.Cell {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sortRows()

	var out []cell.Cell
	for _, rowKey := range ms.rowKeys {
		rk := []byte(rowKey)
		if bytes.Compare(rk, lo) < 0 {
			continue
		}
		if bytes.Compare(rk, hi) > 0 {
			break
		}
		re := ms.rows[rowKey]
		if !re.sorted {
			sort.Strings(re.names)
			re.sorted = true
		}
		for _, colKey := range re.names {
			cv := re.columns[colKey]
			for _, v := range cv.versions {
				out = append(out, materialize(re.key, cv.name, v))
			}
		}
	}
	return out
}

// RowKeysInRange returns the distinct row keys within [lo, hi], ascending.
func (ms *MemStore) RowKeysInRange(lo, hi []byte) [][]byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sortRows()

	var out [][]byte
	for _, rowKey := range ms.rowKeys {
		rk := []byte(rowKey)
		if bytes.Compare(rk, lo) < 0 {
			continue
		}
		if bytes.Compare(rk, hi) > 0 {
			break
		}
		out = append(out, ms.rows[rowKey].key)
	}
	return out
}

// All returns every cell in iteration order. Used by flush.
func (ms *MemStore) All() []cell.Cell {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sortRows()

	out := make([]cell.Cell, 0, ms.cellCount)
	for _, rowKey := range ms.rowKeys {
		re := ms.rows[rowKey]
		if !re.sorted {
			sort.Strings(re.names)
			re.sorted = true
		}
		for _, colKey := range re.names {
			cv := re.columns[colKey]
			for _, v := range cv.versions {
				out = append(out, materialize(re.key, cv.name, v))
			}
		}
	}
	return out
}

// Len returns the number of buffered cells.
func (ms *MemStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.cellCount
}

// ApproxBytes returns the approximate heap footprint of buffered cells.
func (ms *MemStore) ApproxBytes() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.approxBytes
}

// Freeze marks the memstore immutable. Subsequent mutations fail with
// ErrFrozen; reads continue to work.
func (ms *MemStore) Freeze() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.frozen = true
}

// Frozen reports whether Freeze has been called.
func (ms *MemStore) Frozen() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.frozen
}

// sortRows sorts the row-key slice if needed. Caller holds mu.
func (ms *MemStore) sortRows() {
	if !ms.rowsSorted {
		sort.Strings(ms.rowKeys)
		ms.rowsSorted = true
	}
}

func materialize(row, col []byte, v version) cell.Cell {
	return cell.Cell{
		Row:       row,
		Column:    col,
		Timestamp: v.ts,
		Kind:      v.kind,
		Value:     v.value,
		TTLMillis: v.ttlMillis,
	}
}
