// Package wal implements the per-memstore write-ahead log. An active
// memstore is backed by one append-only segment, or, after recovery, by
// the replayed segments plus a fresh one; a segment is removed once the
// memstore it covers has been durably flushed to an SSTable.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// SegmentPath returns the path of the segment with the given sequence
// number. Sequence numbers are zero-padded so lexicographic file order
// matches numeric order.
func SegmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%010d%s", segmentPrefix, seq, segmentSuffix))
}

// ParseSegmentSeq extracts the sequence number from a segment file name.
func ParseSegmentSeq(name string) (uint64, bool) {
	base := filepath.Base(name)
	if len(base) <= len(segmentPrefix)+len(segmentSuffix) {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(base, segmentPrefix+"%d"+segmentSuffix, &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// Segment is one append-only log file. Append is durable: it returns
// only after the record has reached the device.
type Segment struct {
	mu     sync.Mutex
	seq    uint64
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// CreateSegment creates (or reopens for append) the segment with the
// given sequence number.
func CreateSegment(dir string, seq uint64) (*Segment, error) {
	path := SegmentPath(dir, seq)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal segment %s: %w", path, err)
	}
	return &Segment{
		seq:    seq,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Seq returns the segment's sequence number.
func (s *Segment) Seq() uint64 { return s.seq }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Append writes one record, flushes, and fsyncs. If Append returns an
// error the caller must not consider the mutation applied.
func (s *Segment) Append(c *cell.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("wal segment %s is closed", s.path)
	}
	if err := writeRecord(s.writer, c); err != nil {
		return fmt.Errorf("append to wal segment %s: %w", s.path, err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal segment %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync wal segment %s: %w", s.path, err)
	}
	return nil
}

// AppendBatch writes several records and performs a single fsync after
// the last one. Either the whole batch is durable or the caller must
// treat every record as unapplied.
func (s *Segment) AppendBatch(cells []cell.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("wal segment %s is closed", s.path)
	}
	for i := range cells {
		if err := writeRecord(s.writer, &cells[i]); err != nil {
			return fmt.Errorf("append batch to wal segment %s: %w", s.path, err)
		}
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal segment %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync wal segment %s: %w", s.path, err)
	}
	return nil
}

// Close flushes, syncs, and closes the segment file.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

// Remove unlinks the segment file for the given sequence number. Called
// after the memstore the segment backs has been durably written to an
// SSTable.
func Remove(dir string, seq uint64) error {
	path := SegmentPath(dir, seq)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove wal segment %s: %w", path, err)
	}
	return nil
}
