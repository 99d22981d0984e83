package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/VishnuRaman/RBase/pkg/cell"
	"github.com/VishnuRaman/RBase/pkg/logging"
)

// ListSegments returns the sequence numbers of every segment present in
// dir, in ascending order.
func ListSegments(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	seqs := make([]uint64, 0, len(matches))
	for _, m := range matches {
		if seq, ok := ParseSegmentSeq(m); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Recover replays every segment in dir in sequence order and returns the
// recovered cells plus the sequence numbers of the segments they came
// from. A partial trailing record is truncated off the segment in place;
// anything before it is kept. Corruption before the tail is an error:
// recovery at open time must not silently drop acknowledged mutations.
func Recover(dir string, log logging.Logger) ([]cell.Cell, []uint64, error) {
	seqs, err := ListSegments(dir)
	if err != nil {
		return nil, nil, err
	}

	var cells []cell.Cell
	for _, seq := range seqs {
		replayed, err := replaySegment(SegmentPath(dir, seq), log)
		if err != nil {
			return nil, nil, fmt.Errorf("replay wal segment %d: %w", seq, err)
		}
		cells = append(cells, replayed...)
	}
	return cells, seqs, nil
}

func replaySegment(path string, log logging.Logger) ([]cell.Cell, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var (
		cells  []cell.Cell
		offset int64
	)
	for {
		c, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Torn write at the tail: the crash happened mid-append and
			// the mutation was never acknowledged. Cut the file back to
			// the last complete record.
			log.Warn("truncating partial wal record",
				logging.Path(path), logging.Int64("offset", offset))
			if err := file.Truncate(offset); err != nil {
				return nil, fmt.Errorf("truncate partial record: %w", err)
			}
			if err := file.Sync(); err != nil {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		n, err := encodedLen(&c)
		if err != nil {
			return nil, err
		}
		offset += recordHeaderSize + int64(n)
		cells = append(cells, c)
	}
	return cells, nil
}
