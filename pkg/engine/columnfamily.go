// Package engine implements the per-column-family LSM storage path: the
// write path through WAL and memstore, the merging read path across the
// memstore and SSTable set, flushes, and compaction.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/VishnuRaman/RBase/pkg/cell"
	"github.com/VishnuRaman/RBase/pkg/clock"
	"github.com/VishnuRaman/RBase/pkg/logging"
	"github.com/VishnuRaman/RBase/pkg/memstore"
	"github.com/VishnuRaman/RBase/pkg/metrics"
	"github.com/VishnuRaman/RBase/pkg/sstable"
	"github.com/VishnuRaman/RBase/pkg/wal"
)

// ColumnFamily owns one column family's memstore, WAL, and SSTable set,
// and coordinates flushes and compactions over them.
//
// Lock discipline: the state lock guards the identity of the active
// memstore, the frozen memstore, the active WAL, and the SSTable list.
// Writers and snapshot-taking readers hold it shared; it is held
// exclusively only to swap the memstore/WAL pair or to replace the
// SSTable list. The flush lock serializes flushes, the compaction lock
// serializes compactions; the two may be held concurrently.
type ColumnFamily struct {
	name string
	dir  string
	cfg  Config
	clk  clock.MonotonicClock
	log  logging.Logger
	met  *metrics.Registry

	state         sync.RWMutex
	mem           *memstore.MemStore
	frozen        *memstore.MemStore
	tables        []*sstable.Reader // ascending file sequence
	activeWAL     *wal.Segment
	memWALSeqs    []uint64 // segments backing the active memstore
	frozenWALSeqs []uint64 // segments backing the frozen memstore
	nextSeq       uint64
	closing       bool
	closed        bool

	flushMu   sync.Mutex
	compactMu sync.Mutex

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// OpenColumnFamily opens (or creates) the column family directory under
// tableDir, replays any write-ahead log present, and enumerates the
// existing SSTables. WAL replay errors are fatal for the column family.
func OpenColumnFamily(tableDir, name string, cfg Config) (*ColumnFamily, error) {
	if name == "" {
		return nil, invalidArgument("Open", name, "empty column family name")
	}
	cfg = cfg.withDefaults()

	dir := filepath.Join(tableDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pathError("Open", name, dir, err)
	}

	cf := &ColumnFamily{
		name:    name,
		dir:     dir,
		cfg:     cfg,
		clk:     cfg.Clock,
		log:     cfg.Logger.With(logging.Component("engine"), logging.ColumnFamily(name)),
		met:     cfg.Metrics,
		mem:     memstore.New(),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		nextSeq: 1,
	}

	if err := cf.loadTables(); err != nil {
		return nil, err
	}
	if err := cf.recoverWAL(); err != nil {
		return nil, err
	}

	seg, err := wal.CreateSegment(dir, cf.nextSeq)
	if err != nil {
		return nil, pathError("Open", name, dir, err)
	}
	cf.activeWAL = seg
	cf.memWALSeqs = append(cf.memWALSeqs, cf.nextSeq)
	cf.nextSeq++

	cf.wg.Add(1)
	go cf.flushWorker()
	if !cfg.DisableAutoCompaction {
		cf.wg.Add(1)
		go cf.compactionWorker()
	}

	cf.log.Info("column family opened",
		logging.SSTables(len(cf.tables)), logging.Cells(cf.mem.Len()))
	return cf, nil
}

// loadTables opens every sst-*.sst in sequence order. An unreadable
// table is quarantined with a .quarantine suffix rather than taken into
// the live set.
func (cf *ColumnFamily) loadTables() error {
	matches, err := filepath.Glob(filepath.Join(cf.dir, "sst-*.sst"))
	if err != nil {
		return pathError("Open", cf.name, cf.dir, err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		seq, ok := sstable.ParseSeq(path)
		if !ok {
			continue
		}
		r, err := sstable.Open(path)
		if err != nil {
			cf.log.Error("quarantining unreadable sstable",
				logging.Path(path), logging.Error(err))
			if renameErr := os.Rename(path, path+".quarantine"); renameErr != nil {
				return pathError("Open", cf.name, path, renameErr)
			}
			continue
		}
		cf.tables = append(cf.tables, r)
		if seq >= cf.nextSeq {
			cf.nextSeq = seq + 1
		}
	}
	return nil
}

// recoverWAL replays segments left behind by a crash into the fresh
// memstore. The segments stay on disk until that memstore flushes.
func (cf *ColumnFamily) recoverWAL() error {
	cells, seqs, err := wal.Recover(cf.dir, cf.log)
	if err != nil {
		return opError("Recover", cf.name, err)
	}
	for i := range cells {
		if err := cf.mem.Insert(&cells[i]); err != nil {
			return opError("Recover", cf.name, err)
		}
	}
	cf.memWALSeqs = seqs
	for _, seq := range seqs {
		if seq >= cf.nextSeq {
			cf.nextSeq = seq + 1
		}
	}
	if len(cells) > 0 {
		cf.log.Info("replayed write-ahead log", logging.Cells(len(cells)))
	}
	return nil
}

// Name returns the column family name.
func (cf *ColumnFamily) Name() string { return cf.name }

// Dir returns the column family directory.
func (cf *ColumnFamily) Dir() string { return cf.dir }

// Put writes value under (row, col) at a fresh timestamp. It returns
// once the mutation is durable in the write-ahead log.
func (cf *ColumnFamily) Put(row, col, value []byte) error {
	if err := validateKey("Put", cf.name, row, col); err != nil {
		return err
	}
	c := cell.NewPut(row, col, cf.clk.NextTimestamp(), value)
	return cf.applyMutation("Put", &c)
}

// Delete writes a tombstone that never expires for (row, col).
func (cf *ColumnFamily) Delete(row, col []byte) error {
	if err := validateKey("Delete", cf.name, row, col); err != nil {
		return err
	}
	c := cell.NewTombstone(row, col, cf.clk.NextTimestamp(), cell.NoTTL)
	return cf.applyMutation("Delete", &c)
}

// DeleteWithTTL writes a tombstone that reads stop honoring once
// ttl has elapsed, and that compaction may discard once its age reaches
// the larger of ttl and the tombstone grace period.
func (cf *ColumnFamily) DeleteWithTTL(row, col []byte, ttl time.Duration) error {
	if err := validateKey("Delete", cf.name, row, col); err != nil {
		return err
	}
	if ttl < 0 {
		return invalidArgument("Delete", cf.name, "negative TTL")
	}
	c := cell.NewTombstone(row, col, cf.clk.NextTimestamp(), ttl.Milliseconds())
	return cf.applyMutation("Delete", &c)
}

// applyMutation appends the cell to the WAL (durably) and then inserts
// it into the active memstore, all under the shared state lock so a
// concurrent swap cannot split the pair.
func (cf *ColumnFamily) applyMutation(op string, c *cell.Cell) error {
	start := time.Now()

	cf.state.RLock()
	if cf.closed {
		cf.state.RUnlock()
		return opError(op, cf.name, ErrEngineClosed)
	}
	err := cf.activeWAL.Append(c)
	if err == nil {
		err = cf.mem.Insert(c)
	}
	memLen := cf.mem.Len()
	cf.state.RUnlock()

	cf.observe(op, start, err)
	if err != nil {
		return opError(op, cf.name, err)
	}
	if cf.met != nil {
		cf.met.WALSyncsTotal.Inc()
		cf.met.MemStoreCells.WithLabelValues(cf.name).Set(float64(memLen))
	}
	if memLen >= cf.cfg.FlushThreshold {
		cf.triggerFlush()
	}
	return nil
}

// applyShared appends several cells in one WAL sync and inserts them in
// order. Used by ExecutePut. No cross-mutation atomicity: a failure
// mid-batch leaves the earlier cells applied.
func (cf *ColumnFamily) applyShared(op string, cells []cell.Cell) error {
	start := time.Now()

	cf.state.RLock()
	if cf.closed {
		cf.state.RUnlock()
		return opError(op, cf.name, ErrEngineClosed)
	}
	err := cf.activeWAL.AppendBatch(cells)
	if err == nil {
		for i := range cells {
			if err = cf.mem.Insert(&cells[i]); err != nil {
				break
			}
		}
	}
	memLen := cf.mem.Len()
	cf.state.RUnlock()

	cf.observe(op, start, err)
	if err != nil {
		return opError(op, cf.name, err)
	}
	if cf.met != nil {
		cf.met.WALSyncsTotal.Inc()
		cf.met.MemStoreCells.WithLabelValues(cf.name).Set(float64(memLen))
	}
	if memLen >= cf.cfg.FlushThreshold {
		cf.triggerFlush()
	}
	return nil
}

func (cf *ColumnFamily) observe(op string, start time.Time, err error) {
	if cf.met == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	cf.met.RecordOperation(cf.name, op, status, time.Since(start))
}

// triggerFlush nudges the flush worker without blocking.
func (cf *ColumnFamily) triggerFlush() {
	select {
	case cf.flushCh <- struct{}{}:
	default:
	}
}

// flushWorker services auto-flush requests from the write path.
func (cf *ColumnFamily) flushWorker() {
	defer cf.wg.Done()

	for {
		select {
		case <-cf.flushCh:
			if err := cf.Flush(); err != nil {
				cf.log.Error("auto flush failed", logging.Error(err))
			}
		case <-cf.stopCh:
			return
		}
	}
}

// compactionWorker periodically runs a minor compaction when the table
// count exceeds the trigger. A failed run is logged and retried on the
// next wake-up.
func (cf *ColumnFamily) compactionWorker() {
	defer cf.wg.Done()

	ticker := time.NewTicker(cf.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cf.state.RLock()
			count := len(cf.tables)
			cf.state.RUnlock()
			if count <= cf.cfg.MinorCompactionTrigger {
				continue
			}
			if err := cf.Compact(CompactionOptions{Type: MinorCompaction}); err != nil {
				cf.log.Error("background compaction failed", logging.Error(err))
			}
		case <-cf.stopCh:
			return
		}
	}
}

// Flush freezes the active memstore, writes it to a new SSTable, and
// removes the WAL segments that backed it. It returns once the table is
// durable. Flushing an empty memstore is a no-op.
func (cf *ColumnFamily) Flush() error {
	cf.flushMu.Lock()
	defer cf.flushMu.Unlock()

	start := time.Now()
	timer := logging.StartTimer(cf.log, "flush complete", logging.Operation("Flush"))

	// Swap unless a previous failed flush left a frozen memstore behind;
	// then this call retries writing that one first.
	cf.state.Lock()
	if cf.closed {
		cf.state.Unlock()
		return opError("Flush", cf.name, ErrEngineClosed)
	}
	if cf.frozen == nil {
		if cf.mem.Len() == 0 {
			cf.state.Unlock()
			return nil
		}
		// Open the replacement segment before freezing anything so a
		// failure here leaves the column family untouched.
		seg, err := wal.CreateSegment(cf.dir, cf.nextSeq)
		if err != nil {
			cf.state.Unlock()
			return opError("Flush", cf.name, err)
		}
		cf.mem.Freeze()
		cf.frozen = cf.mem
		cf.frozenWALSeqs = cf.memWALSeqs
		cf.mem = memstore.New()

		oldWAL := cf.activeWAL
		cf.activeWAL = seg
		cf.memWALSeqs = []uint64{cf.nextSeq}
		cf.nextSeq++
		if err := oldWAL.Close(); err != nil {
			cf.log.Warn("closing rotated wal segment", logging.Error(err))
		}
	}
	frozen := cf.frozen
	outSeq := cf.nextSeq
	cf.nextSeq++
	cf.state.Unlock()

	path := sstable.FilePath(cf.dir, outSeq)
	if err := sstable.Create(path, frozen.All()); err != nil {
		if cf.met != nil {
			cf.met.RecordFlush(cf.name, "error")
		}
		timer.EndError(err)
		return pathError("Flush", cf.name, path, err)
	}

	reader, err := sstable.Open(path)
	if err != nil {
		timer.EndError(err)
		return pathError("Flush", cf.name, path, err)
	}

	cf.state.Lock()
	cf.tables = append(cf.tables, reader)
	cf.frozen = nil
	doneSeqs := cf.frozenWALSeqs
	cf.frozenWALSeqs = nil
	tableCount := len(cf.tables)
	cf.state.Unlock()

	for _, seq := range doneSeqs {
		if err := wal.Remove(cf.dir, seq); err != nil {
			cf.log.Warn("removing flushed wal segment", logging.Seq(seq), logging.Error(err))
		}
	}

	if cf.met != nil {
		cf.met.RecordFlush(cf.name, "ok")
		cf.met.MemStoreCells.WithLabelValues(cf.name).Set(0)
		cf.met.SSTableCount.WithLabelValues(cf.name).Set(float64(tableCount))
	}
	cf.observe("Flush", start, nil)
	timer.End(logging.Seq(outSeq), logging.Cells(int(reader.CellCount())))
	return nil
}

// SSTableCount returns the number of live tables. Exposed for tests and
// tooling.
func (cf *ColumnFamily) SSTableCount() int {
	cf.state.RLock()
	defer cf.state.RUnlock()
	return len(cf.tables)
}

// MemStoreLen returns the cell count of the active memstore.
func (cf *ColumnFamily) MemStoreLen() int {
	cf.state.RLock()
	defer cf.state.RUnlock()
	return cf.mem.Len()
}

// Close stops the background workers, flushes what is buffered, and
// closes the WAL and table handles.
func (cf *ColumnFamily) Close() error {
	cf.state.Lock()
	if cf.closing {
		cf.state.Unlock()
		return nil
	}
	cf.closing = true
	cf.state.Unlock()

	close(cf.stopCh)
	cf.wg.Wait()

	// Final flush so reopening replays nothing.
	if err := cf.Flush(); err != nil {
		cf.log.Error("final flush failed", logging.Error(err))
	}

	cf.state.Lock()
	cf.closed = true
	tables := cf.tables
	cf.tables = nil
	activeWAL := cf.activeWAL
	cf.state.Unlock()

	var firstErr error
	if err := activeWAL.Close(); err != nil {
		firstErr = err
	}
	for _, t := range tables {
		if err := t.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cf.log.Info("column family closed")
	return opError("Close", cf.name, firstErr)
}

// validateKey rejects empty row or column keys before any side effect.
func validateKey(op, cf string, row, col []byte) error {
	if len(row) == 0 {
		return invalidArgument(op, cf, "empty row key")
	}
	if len(col) == 0 {
		return invalidArgument(op, cf, "empty column key")
	}
	return nil
}
