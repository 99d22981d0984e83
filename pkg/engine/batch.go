package engine

import (
	"sort"
	"time"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// Put accumulates multiple columns for a single row. Every column is
// written with one shared timestamp. Application is best-effort and
// non-atomic: the cells hit the WAL in column order under a single
// sync, and a failure mid-apply can leave a prefix applied.
type Put struct {
	row     []byte
	columns map[string][]byte
}

// NewPut creates a multi-column Put for row.
func NewPut(row []byte) *Put {
	return &Put{row: row, columns: make(map[string][]byte)}
}

// AddColumn adds (or replaces) one column value.
func (p *Put) AddColumn(col, value []byte) *Put {
	p.columns[string(col)] = value
	return p
}

// Row returns the row key.
func (p *Put) Row() []byte { return p.row }

// ExecutePut applies a multi-column Put with one shared timestamp.
func (cf *ColumnFamily) ExecutePut(p *Put) error {
	if len(p.row) == 0 {
		return invalidArgument("ExecutePut", cf.name, "empty row key")
	}
	if len(p.columns) == 0 {
		return invalidArgument("ExecutePut", cf.name, "no columns")
	}
	cols := make([]string, 0, len(p.columns))
	for col := range p.columns {
		if col == "" {
			return invalidArgument("ExecutePut", cf.name, "empty column key")
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	ts := cf.clk.NextTimestamp()
	cells := make([]cell.Cell, 0, len(cols))
	for _, col := range cols {
		cells = append(cells, cell.NewPut(p.row, []byte(col), ts, p.columns[col]))
	}
	return cf.applyShared("ExecutePut", cells)
}

// Get describes a row read with an optional per-column version limit
// and time range.
type Get struct {
	row         []byte
	maxVersions int
	tLo, tHi    int64
	timeRange   bool
}

// NewGet creates a Get for row. The default returns one version per
// column.
func NewGet(row []byte) *Get {
	return &Get{row: row, maxVersions: 1}
}

// SetMaxVersions sets the per-column version limit.
func (g *Get) SetMaxVersions(n int) *Get {
	g.maxVersions = n
	return g
}

// SetTimeRange restricts returned versions to [tLo, tHi].
func (g *Get) SetTimeRange(tLo, tHi int64) *Get {
	g.tLo, g.tHi = tLo, tHi
	g.timeRange = true
	return g
}

// Row returns the row key.
func (g *Get) Row() []byte { return g.row }

// ExecuteGet reads the whole row described by g.
func (cf *ColumnFamily) ExecuteGet(g *Get) (map[string][]cell.Version, error) {
	if len(g.row) == 0 {
		return nil, invalidArgument("ExecuteGet", cf.name, "empty row key")
	}
	if g.timeRange && g.tLo > g.tHi {
		return nil, invalidArgument("ExecuteGet", cf.name, "inverted time range")
	}
	rows, err := cf.scanRange("ExecuteGet", g.row, g.row, g.maxVersions, g.timeRange, g.tLo, g.tHi)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string][]cell.Version{}, nil
	}
	return rows[0].Columns, nil
}

// ExecuteGetColumn reads a single column under g's row, honoring the
// version limit and time range.
func (cf *ColumnFamily) ExecuteGetColumn(g *Get, col []byte) ([]cell.Version, error) {
	if g.timeRange {
		return cf.GetVersionsInRange(g.row, col, g.maxVersions, g.tLo, g.tHi)
	}
	return cf.GetVersions(g.row, col, g.maxVersions)
}

// batchOpKind discriminates batch operations.
type batchOpKind int

const (
	batchPut batchOpKind = iota
	batchDelete
	batchDeleteTTL
	batchGetRow
	batchPutRow
)

type batchOp struct {
	kind   batchOpKind
	row    []byte
	col    []byte
	value  []byte
	ttl    time.Duration
	get    *Get
	putRow *Put
}

// Batch queues mutations and row reads for sequential application. Each
// mutation receives its own timestamp; there is no cross-operation
// atomicity. Execution stops at the first mutation error.
type Batch struct {
	ops []batchOp
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put queues a single-column put.
func (b *Batch) Put(row, col, value []byte) *Batch {
	b.ops = append(b.ops, batchOp{kind: batchPut, row: row, col: col, value: value})
	return b
}

// Delete queues a tombstone without TTL.
func (b *Batch) Delete(row, col []byte) *Batch {
	b.ops = append(b.ops, batchOp{kind: batchDelete, row: row, col: col})
	return b
}

// DeleteWithTTL queues a tombstone with a TTL.
func (b *Batch) DeleteWithTTL(row, col []byte, ttl time.Duration) *Batch {
	b.ops = append(b.ops, batchOp{kind: batchDeleteTTL, row: row, col: col, ttl: ttl})
	return b
}

// GetRow queues a whole-row read.
func (b *Batch) GetRow(g *Get) *Batch {
	b.ops = append(b.ops, batchOp{kind: batchGetRow, get: g})
	return b
}

// PutRow queues a multi-column put sharing one timestamp.
func (b *Batch) PutRow(p *Put) *Batch {
	b.ops = append(b.ops, batchOp{kind: batchPutRow, putRow: p})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// BatchResult carries the outcome of one batch operation, positionally
// matching the queue order. Row holds results for GetRow operations.
type BatchResult struct {
	Row map[string][]cell.Version
	Err error
}

// ExecuteBatch applies the batch in order. Mutations are durable
// individually; the first mutation error aborts the remainder and is
// returned alongside the per-op results gathered so far.
func (cf *ColumnFamily) ExecuteBatch(b *Batch) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(b.ops))
	for i := range b.ops {
		op := &b.ops[i]
		var res BatchResult
		switch op.kind {
		case batchPut:
			res.Err = cf.Put(op.row, op.col, op.value)
		case batchDelete:
			res.Err = cf.Delete(op.row, op.col)
		case batchDeleteTTL:
			res.Err = cf.DeleteWithTTL(op.row, op.col, op.ttl)
		case batchGetRow:
			res.Row, res.Err = cf.ExecuteGet(op.get)
		case batchPutRow:
			res.Err = cf.ExecutePut(op.putRow)
		}
		results = append(results, res)
		if res.Err != nil && op.kind != batchGetRow {
			return results, res.Err
		}
	}
	return results, nil
}
