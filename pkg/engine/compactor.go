package engine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/VishnuRaman/RBase/pkg/cell"
	"github.com/VishnuRaman/RBase/pkg/logging"
	"github.com/VishnuRaman/RBase/pkg/sstable"
)

// CompactionType selects the input set of a compaction.
type CompactionType int

const (
	// MinorCompaction merges a bounded prefix of the oldest tables.
	MinorCompaction CompactionType = iota
	// MajorCompaction merges every table, flushing the memstore first.
	MajorCompaction
)

func (t CompactionType) String() string {
	if t == MajorCompaction {
		return "major"
	}
	return "minor"
}

// CompactionOptions controls input selection and the retention policy
// applied while merging.
type CompactionOptions struct {
	Type CompactionType

	// MaxVersions keeps at most this many newest Put versions per
	// column. 0 means unlimited.
	MaxVersions int

	// MaxAgeMillis drops Put versions older than this. 0 means
	// unlimited.
	MaxAgeMillis int64

	// CleanupTombstones allows discarding tombstones whose retention
	// window has closed. No-TTL tombstones are only ever discarded by a
	// major compaction, where every older Put is guaranteed to be part
	// of the merge.
	CleanupTombstones bool
}

// Compact runs one compaction synchronously. Compactions are serialized
// by the compaction lock; callers racing the background worker simply
// wait their turn.
func (cf *ColumnFamily) Compact(opts CompactionOptions) error {
	cf.compactMu.Lock()
	defer cf.compactMu.Unlock()

	if opts.MaxVersions < 0 {
		return invalidArgument("Compact", cf.name, "negative max versions")
	}
	if opts.MaxAgeMillis < 0 {
		return invalidArgument("Compact", cf.name, "negative max age")
	}

	// A major compaction folds the memstore in by flushing it first, so
	// the merge sees every cell and tombstone reclamation is safe.
	if opts.Type == MajorCompaction && cf.MemStoreLen() > 0 {
		if err := cf.Flush(); err != nil {
			return err
		}
	}

	start := time.Now()
	jobID := uuid.NewString()
	log := cf.log.With(logging.Operation("Compact"), logging.JobID(jobID),
		logging.String("type", opts.Type.String()))

	inputs, outSeq, ok := cf.selectInputs(opts.Type)
	if !ok {
		log.Debug("nothing to compact")
		return nil
	}
	// The merge holds its own references so a concurrent Close cannot
	// unmap the inputs underneath it.
	defer func() {
		for _, in := range inputs {
			if err := in.Release(); err != nil {
				cf.log.Warn("releasing compaction input", logging.Path(in.Path()), logging.Error(err))
			}
		}
	}()
	log.Info("compaction started", logging.SSTables(len(inputs)))

	output, dropped, err := cf.mergeInputs(inputs, outSeq, opts)
	if err != nil {
		if cf.met != nil {
			cf.met.RecordCompaction(cf.name, opts.Type.String(), "error", time.Since(start))
		}
		log.Error("compaction failed", logging.Error(err))
		return opError("Compact", cf.name, err)
	}

	cf.installOutput(inputs, output)

	if cf.met != nil {
		cf.met.RecordCompaction(cf.name, opts.Type.String(), "ok", time.Since(start))
		cf.met.SSTableCount.WithLabelValues(cf.name).Set(float64(cf.SSTableCount()))
	}
	outCells := uint64(0)
	if output != nil {
		outCells = output.CellCount()
	}
	log.Info("compaction complete",
		logging.Cells(int(outCells)),
		logging.Int("dropped", dropped),
		logging.Latency(time.Since(start)))
	return nil
}

// selectInputs picks the tables to merge and allocates the output
// sequence number, which is greater than every input's.
func (cf *ColumnFamily) selectInputs(t CompactionType) ([]*sstable.Reader, uint64, bool) {
	cf.state.Lock()
	defer cf.state.Unlock()

	if cf.closed || len(cf.tables) == 0 {
		return nil, 0, false
	}

	var inputs []*sstable.Reader
	switch t {
	case MajorCompaction:
		inputs = append(inputs, cf.tables...)
	default:
		if len(cf.tables) < 2 {
			return nil, 0, false
		}
		// Oldest half, at least two.
		k := len(cf.tables) / 2
		if k < 2 {
			k = 2
		}
		inputs = append(inputs, cf.tables[:k]...)
	}
	for _, in := range inputs {
		in.Retain()
	}

	outSeq := cf.nextSeq
	cf.nextSeq++
	return inputs, outSeq, true
}

// mergeInputs streams a k-way merge of the inputs into a new table,
// applying the retention policy one (row, column) group at a time. It
// returns the opened output reader (nil when every cell was dropped)
// and the number of dropped cells.
func (cf *ColumnFamily) mergeInputs(inputs []*sstable.Reader, outSeq uint64, opts CompactionOptions) (*sstable.Reader, int, error) {
	path := sstable.FilePath(cf.dir, outSeq)
	w, err := sstable.NewWriter(path)
	if err != nil {
		return nil, 0, err
	}

	iters := make([]*sstable.Iterator, len(inputs))
	seqs := make([]uint64, len(inputs))
	for i, in := range inputs {
		iters[i] = in.All()
		seqs[i] = in.Seq()
	}

	merge := &groupMerger{iters: iters, seqs: seqs}
	policy := retentionPolicy{
		opts:        opts,
		now:         cf.clk.NowMillis(),
		graceMillis: cf.cfg.TombstoneGraceMillis,
	}

	dropped := 0
	for {
		select {
		case <-cf.stopCh:
			// Shutdown requested; abort cleanly before installing.
			w.Abort()
			return nil, 0, fmt.Errorf("compaction aborted: engine closing")
		default:
		}

		group, ok, err := merge.next()
		if err != nil {
			w.Abort()
			return nil, 0, err
		}
		if !ok {
			break
		}

		survivors := policy.apply(group)
		dropped += len(group) - len(survivors)
		for i := range survivors {
			if err := w.Append(&survivors[i]); err != nil {
				w.Abort()
				return nil, 0, err
			}
		}
	}

	if w.CellCount() == 0 {
		// Policy dropped everything; install no output at all.
		w.Abort()
		return nil, dropped, nil
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, 0, err
	}
	out, err := sstable.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return out, dropped, nil
}

// installOutput atomically swaps the input tables for the output in the
// live list, then dooms the inputs so their files are unlinked once the
// last snapshot holding them lets go.
func (cf *ColumnFamily) installOutput(inputs []*sstable.Reader, output *sstable.Reader) {
	inSet := make(map[uint64]struct{}, len(inputs))
	for _, in := range inputs {
		inSet[in.Seq()] = struct{}{}
	}

	cf.state.Lock()
	kept := cf.tables[:0]
	for _, t := range cf.tables {
		if _, gone := inSet[t.Seq()]; !gone {
			kept = append(kept, t)
		}
	}
	if output != nil {
		// The output sequence exceeds every input's, but a flush may have
		// installed a newer table while the merge ran, so move the output
		// back into sequence order.
		kept = append(kept, output)
		for i := len(kept) - 1; i > 0 && kept[i-1].Seq() > kept[i].Seq(); i-- {
			kept[i-1], kept[i] = kept[i], kept[i-1]
		}
	}
	cf.tables = kept
	cf.state.Unlock()

	for _, in := range inputs {
		in.Doom()
		if err := in.Release(); err != nil {
			cf.log.Warn("releasing compacted sstable", logging.Path(in.Path()), logging.Error(err))
		}
	}
}

// retentionPolicy applies the version, age, and tombstone rules to one
// (row, column) group ordered newest first.
type retentionPolicy struct {
	opts        CompactionOptions
	now         int64
	graceMillis int64
}

// apply walks the group newest-first.
//
// A no-TTL tombstone permanently shadows everything at or below its
// timestamp, so the group ends there; when its retention window has
// closed (major compaction only) the tombstone itself goes too. A TTL
// tombstone still inside its TTL shadows the history beneath it: with
// CleanupTombstones the shadowed history is discarded outright, without
// it both the tombstone and the history are kept so the older Puts can
// become visible again when the TTL lapses. An expired TTL tombstone no
// longer shadows anything; it is kept until CleanupTombstones is set and
// its age has reached max(ttl, grace).
func (p *retentionPolicy) apply(group []cell.Cell) []cell.Cell {
	var (
		out      []cell.Cell
		keptPuts int
	)
	for i := range group {
		c := group[i]
		if c.Kind == cell.KindTombstone {
			if !p.tombstoneReclaimable(&c) {
				out = append(out, c)
			}
			return out
		}
		if c.Kind == cell.KindTombstoneTTL {
			if !c.TombstoneExpired(p.now) {
				out = append(out, c)
				if p.opts.CleanupTombstones {
					return out
				}
				continue
			}
			if !p.tombstoneReclaimable(&c) {
				out = append(out, c)
			}
			continue
		}

		if p.opts.MaxAgeMillis > 0 && p.now-c.Timestamp > p.opts.MaxAgeMillis {
			continue
		}
		if p.opts.MaxVersions > 0 && keptPuts >= p.opts.MaxVersions {
			continue
		}
		out = append(out, c)
		keptPuts++
	}
	return out
}

// tombstoneReclaimable decides whether the retention window of a
// tombstone has closed. TTL tombstones may go once now-ts has passed
// max(ttl, grace). No-TTL tombstones may only go in a major compaction,
// after the grace period: a minor compaction cannot see Puts hiding in
// the tables outside its input set.
func (p *retentionPolicy) tombstoneReclaimable(c *cell.Cell) bool {
	if !p.opts.CleanupTombstones {
		return false
	}
	age := p.now - c.Timestamp
	if age < 0 {
		// The monotonic clock can stamp a mutation slightly ahead of the
		// wall clock; such a tombstone counts as brand new.
		age = 0
	}
	if c.Kind == cell.KindTombstoneTTL {
		window := c.TTLMillis
		if p.graceMillis > window {
			window = p.graceMillis
		}
		return age >= window
	}
	return p.opts.Type == MajorCompaction && age >= p.graceMillis
}

// groupMerger performs the streaming k-way merge, emitting one
// (row, column) group at a time in ascending key order with the group's
// cells sorted newest first and de-duplicated across inputs (a newer
// table shadows an older one at an identical timestamp).
type groupMerger struct {
	iters []*sstable.Iterator
	seqs  []uint64
}

// next collects the group for the smallest (row, column) present on any
// iterator.
func (m *groupMerger) next() ([]cell.Cell, bool, error) {
	var minRow, minCol []byte
	found := false
	for _, it := range m.iters {
		c, ok := it.Peek()
		if err := it.Err(); err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if !found || lessKey(c.Row, c.Column, minRow, minCol) {
			minRow, minCol = c.Row, c.Column
			found = true
		}
	}
	if !found {
		return nil, false, nil
	}

	var group []sourced
	for i, it := range m.iters {
		for {
			c, ok := it.Peek()
			if !ok {
				break
			}
			if !bytes.Equal(c.Row, minRow) || !bytes.Equal(c.Column, minCol) {
				break
			}
			it.Next()
			group = append(group, sourced{Cell: c, rank: m.seqs[i]})
		}
		if err := it.Err(); err != nil {
			return nil, false, err
		}
	}

	deduped := sortMerged(group)
	out := make([]cell.Cell, len(deduped))
	for i := range deduped {
		out[i] = deduped[i].Cell
	}
	return out, true, nil
}

func lessKey(rowA, colA, rowB, colB []byte) bool {
	if c := bytes.Compare(rowA, rowB); c != 0 {
		return c < 0
	}
	return bytes.Compare(colA, colB) < 0
}
