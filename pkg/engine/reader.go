package engine

import (
	"bytes"
	"sort"
	"time"

	"github.com/VishnuRaman/RBase/pkg/cell"
	"github.com/VishnuRaman/RBase/pkg/logging"
	"github.com/VishnuRaman/RBase/pkg/sstable"
)

// Source precedence ranks for merge tie-breaking at equal timestamps.
// The monotonic clock makes such ties rare; precedence keeps the merge
// deterministic anyway: active memstore wins over the frozen one, which
// wins over any table; between tables the higher file sequence wins.
const (
	rankMemStore = uint64(1) << 63
	rankFrozen   = uint64(1) << 62
)

// snapshot pins the set of sources a single query merges over. It is
// captured under the shared state lock and used lock-free afterwards.
type snapshot struct {
	cf     *ColumnFamily
	mem    *memstoreSource
	frozen *memstoreSource
	tables []*sstable.Reader
}

type memstoreSource struct {
	store memStoreReader
	rank  uint64
}

// memStoreReader is the read surface the merge needs from a memstore.
type memStoreReader interface {
	GetVersions(row, col []byte, max int, tLo, tHi int64, timeRange bool) []cell.Cell
	ScanRange(lo, hi []byte) []cell.Cell
	RowKeysInRange(lo, hi []byte) [][]byte
}

// acquireSnapshot captures the current memstore handles and table list.
// Table references are retained; release must be called when done.
func (cf *ColumnFamily) acquireSnapshot() (*snapshot, error) {
	cf.state.RLock()
	defer cf.state.RUnlock()

	if cf.closed {
		return nil, ErrEngineClosed
	}
	snap := &snapshot{
		cf:  cf,
		mem: &memstoreSource{store: cf.mem, rank: rankMemStore},
	}
	if cf.frozen != nil {
		snap.frozen = &memstoreSource{store: cf.frozen, rank: rankFrozen}
	}
	snap.tables = make([]*sstable.Reader, len(cf.tables))
	copy(snap.tables, cf.tables)
	for _, t := range snap.tables {
		t.Retain()
	}
	return snap, nil
}

func (s *snapshot) release() {
	for _, t := range s.tables {
		if err := t.Release(); err != nil {
			s.cf.log.Warn("releasing sstable reference", logging.Error(err))
		}
	}
}

// sourced couples a cell with its source precedence rank.
type sourced struct {
	cell.Cell
	rank uint64
}

// sortMerged orders cells newest first, ties broken by source rank, and
// drops duplicate timestamps (the same logical cell seen from more than
// one source).
func sortMerged(cells []sourced) []sourced {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Timestamp != cells[j].Timestamp {
			return cells[i].Timestamp > cells[j].Timestamp
		}
		return cells[i].rank > cells[j].rank
	})
	out := cells[:0]
	for i, c := range cells {
		if i > 0 && c.Timestamp == out[len(out)-1].Timestamp {
			continue
		}
		out = append(out, c)
	}
	return out
}

// visibleVersions walks a merged column newest-first and returns the
// surviving Put versions under tombstone visibility:
//
//   - a no-TTL tombstone hides everything at or below its timestamp;
//   - a TTL tombstone hides only while now-ts < ttl, and is ignored once
//     expired, which makes the older Puts visible again;
//   - Puts above any effective tombstone are visible.
//
// max <= 0 means no limit. When timeRange is set only Puts within
// [tLo, tHi] are returned; tombstones outside the range still shadow.
func visibleVersions(cells []sourced, max int, now int64, timeRange bool, tLo, tHi int64) []cell.Version {
	var out []cell.Version
	for i := range cells {
		c := &cells[i].Cell
		if c.IsTombstone() {
			if c.TombstoneExpired(now) {
				continue
			}
			break
		}
		if timeRange && (c.Timestamp < tLo || c.Timestamp > tHi) {
			continue
		}
		out = append(out, cell.Version{Timestamp: c.Timestamp, Value: c.Value})
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// Get returns the value of the newest visible Put under (row, col), or
// (nil, false) if the newest visible cell is a tombstone or the column
// is absent.
func (cf *ColumnFamily) Get(row, col []byte) ([]byte, bool, error) {
	versions, err := cf.GetVersions(row, col, 1)
	if err != nil {
		return nil, false, err
	}
	if len(versions) == 0 {
		return nil, false, nil
	}
	return versions[0].Value, true, nil
}

// GetVersions returns up to max surviving Put versions of (row, col),
// newest first. max <= 0 means every surviving version.
func (cf *ColumnFamily) GetVersions(row, col []byte, max int) ([]cell.Version, error) {
	return cf.getVersions("GetVersions", row, col, max, false, 0, 0)
}

// GetVersionsInRange returns up to max surviving Put versions with
// timestamps inside [tLo, tHi], newest first.
func (cf *ColumnFamily) GetVersionsInRange(row, col []byte, max int, tLo, tHi int64) ([]cell.Version, error) {
	if tLo > tHi {
		return nil, invalidArgument("GetVersions", cf.name, "inverted time range")
	}
	return cf.getVersions("GetVersions", row, col, max, true, tLo, tHi)
}

func (cf *ColumnFamily) getVersions(op string, row, col []byte, max int, timeRange bool, tLo, tHi int64) ([]cell.Version, error) {
	if err := validateKey(op, cf.name, row, col); err != nil {
		return nil, err
	}
	start := time.Now()

	snap, err := cf.acquireSnapshot()
	if err != nil {
		return nil, opError(op, cf.name, err)
	}
	defer snap.release()

	merged, err := snap.columnCells(row, col)
	if err != nil {
		cf.observe(op, start, err)
		return nil, opError(op, cf.name, err)
	}

	out := visibleVersions(sortMerged(merged), max, cf.clk.NowMillis(), timeRange, tLo, tHi)
	cf.observe(op, start, nil)
	return out, nil
}

// columnCells gathers every stored version of (row, col) across the
// snapshot's sources. Tables whose row bounds do not cover the row are
// skipped without touching the file.
func (s *snapshot) columnCells(row, col []byte) ([]sourced, error) {
	var merged []sourced
	for _, src := range []*memstoreSource{s.mem, s.frozen} {
		if src == nil {
			continue
		}
		for _, c := range src.store.GetVersions(row, col, 0, 0, 0, false) {
			merged = append(merged, sourced{Cell: c, rank: src.rank})
		}
	}
	for _, t := range s.tables {
		cells, err := t.Get(row, col, 0, 0, 0, false)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			merged = append(merged, sourced{Cell: c, rank: t.Seq()})
		}
	}
	return merged, nil
}

// RowVersions is one row of a range scan.
type RowVersions struct {
	Row     []byte
	Columns map[string][]cell.Version
}

// ScanRowVersions returns, for each column under row, up to max
// surviving Put versions newest first. Columns with no surviving
// version are omitted.
func (cf *ColumnFamily) ScanRowVersions(row []byte, max int) (map[string][]cell.Version, error) {
	if len(row) == 0 {
		return nil, invalidArgument("ScanRow", cf.name, "empty row key")
	}
	rows, err := cf.scanRange("ScanRow", row, row, max, false, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string][]cell.Version{}, nil
	}
	return rows[0].Columns, nil
}

// ScanRange returns rows with keys in [lo, hi] (inclusive) in ascending
// order; per column up to max surviving Put versions, newest first.
func (cf *ColumnFamily) ScanRange(lo, hi []byte, max int) ([]RowVersions, error) {
	if len(lo) == 0 || len(hi) == 0 {
		return nil, invalidArgument("ScanRange", cf.name, "empty row bound")
	}
	if bytes.Compare(lo, hi) > 0 {
		return nil, invalidArgument("ScanRange", cf.name, "inverted row range")
	}
	return cf.scanRange("ScanRange", lo, hi, max, false, 0, 0)
}

func (cf *ColumnFamily) scanRange(op string, lo, hi []byte, max int, timeRange bool, tLo, tHi int64) ([]RowVersions, error) {
	start := time.Now()

	snap, err := cf.acquireSnapshot()
	if err != nil {
		return nil, opError(op, cf.name, err)
	}
	defer snap.release()

	// row -> column -> merged cells
	grouped := make(map[string]map[string][]sourced)
	add := func(c cell.Cell, rank uint64) {
		rowKey := string(c.Row)
		cols, ok := grouped[rowKey]
		if !ok {
			cols = make(map[string][]sourced)
			grouped[rowKey] = cols
		}
		colKey := string(c.Column)
		cols[colKey] = append(cols[colKey], sourced{Cell: c, rank: rank})
	}

	for _, src := range []*memstoreSource{snap.mem, snap.frozen} {
		if src == nil {
			continue
		}
		for _, c := range src.store.ScanRange(lo, hi) {
			add(c, src.rank)
		}
	}
	for _, t := range snap.tables {
		if !t.OverlapsRange(lo, hi) {
			continue
		}
		it := t.Scan(lo, hi)
		for {
			c, ok := it.Next()
			if !ok {
				break
			}
			add(c, t.Seq())
		}
		if err := it.Err(); err != nil {
			cf.observe(op, start, err)
			return nil, opError(op, cf.name, err)
		}
	}

	now := cf.clk.NowMillis()
	out := make([]RowVersions, 0, len(grouped))
	for rowKey, cols := range grouped {
		visible := make(map[string][]cell.Version, len(cols))
		for colKey, cells := range cols {
			versions := visibleVersions(sortMerged(cells), max, now, timeRange, tLo, tHi)
			if len(versions) > 0 {
				visible[colKey] = versions
			}
		}
		if len(visible) > 0 {
			out = append(out, RowVersions{Row: []byte(rowKey), Columns: visible})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Row, out[j].Row) < 0
	})
	cf.observe(op, start, nil)
	return out, nil
}

// RowKeysInRange returns the distinct row keys present in [lo, hi]
// across every layer, ascending. Tombstoned rows are still listed; use
// ScanRange for visibility-aware results.
func (cf *ColumnFamily) RowKeysInRange(lo, hi []byte) ([][]byte, error) {
	if len(lo) == 0 || len(hi) == 0 {
		return nil, invalidArgument("RowKeys", cf.name, "empty row bound")
	}
	if bytes.Compare(lo, hi) > 0 {
		return nil, invalidArgument("RowKeys", cf.name, "inverted row range")
	}

	snap, err := cf.acquireSnapshot()
	if err != nil {
		return nil, opError("RowKeys", cf.name, err)
	}
	defer snap.release()

	seen := make(map[string]struct{})
	for _, src := range []*memstoreSource{snap.mem, snap.frozen} {
		if src == nil {
			continue
		}
		for _, rk := range src.store.RowKeysInRange(lo, hi) {
			seen[string(rk)] = struct{}{}
		}
	}
	for _, t := range snap.tables {
		if !t.OverlapsRange(lo, hi) {
			continue
		}
		it := t.Scan(lo, hi)
		for {
			c, ok := it.Next()
			if !ok {
				break
			}
			seen[string(c.Row)] = struct{}{}
		}
		if err := it.Err(); err != nil {
			return nil, opError("RowKeys", cf.name, err)
		}
	}

	out := make([][]byte, 0, len(seen))
	for rk := range seen {
		out = append(out, []byte(rk))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}
