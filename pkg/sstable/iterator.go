package sstable

import (
	"bytes"
	"fmt"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

// Iterator streams cells from a table in file order. It is finite and
// single-shot: once next returns false the iterator is exhausted.
type Iterator struct {
	r   *Reader
	off uint64
	lo  []byte // inclusive row bound, nil = unbounded
	hi  []byte

	peeked *cell.Cell
	err    error
}

func (r *Reader) iterateFrom(off uint64) *Iterator {
	return &Iterator{r: r, off: off}
}

// next decodes the cell at the current offset, applying the row bounds.
func (it *Iterator) next() (cell.Cell, bool, error) {
	for it.off < it.r.dataEnd {
		c, nextOff, err := it.readCell(it.off)
		if err != nil {
			return cell.Cell{}, false, err
		}
		it.off = nextOff

		if it.lo != nil && bytes.Compare(c.Row, it.lo) < 0 {
			continue
		}
		if it.hi != nil && bytes.Compare(c.Row, it.hi) > 0 {
			it.off = it.r.dataEnd
			return cell.Cell{}, false, nil
		}
		return c, true, nil
	}
	return cell.Cell{}, false, nil
}

func (it *Iterator) readCell(off uint64) (cell.Cell, uint64, error) {
	r := it.r

	rowLen, err := r.u32At(off)
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off += 4
	row, err := r.bytesAt(off, int(rowLen))
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off += uint64(rowLen)

	colLen, err := r.u32At(off)
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off += 4
	col, err := r.bytesAt(off, int(colLen))
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off += uint64(colLen)

	tsBits, err := r.u64At(off)
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off += 8
	kind, err := r.byteAt(off)
	if err != nil {
		return cell.Cell{}, 0, err
	}
	off++

	c := cell.Cell{
		Row:       row,
		Column:    col,
		Timestamp: int64(tsBits),
		Kind:      cell.Kind(kind),
		TTLMillis: cell.NoTTL,
	}

	switch c.Kind {
	case cell.KindPut:
		valLen, err := r.u32At(off)
		if err != nil {
			return cell.Cell{}, 0, err
		}
		off += 4
		c.Value, err = r.bytesAt(off, int(valLen))
		if err != nil {
			return cell.Cell{}, 0, err
		}
		off += uint64(valLen)
	case cell.KindTombstone, cell.KindTombstoneTTL:
		ttlBits, err := r.u64At(off)
		if err != nil {
			return cell.Cell{}, 0, err
		}
		off += 8
		ttl := int64(ttlBits)
		if c.Kind == cell.KindTombstoneTTL && ttl >= 0 {
			c.TTLMillis = ttl
		} else if c.Kind == cell.KindTombstone && ttl >= 0 {
			// A no-TTL kind with a real TTL payload is accepted as TTL'd;
			// conforming writers use the sentinel.
			c.Kind = cell.KindTombstoneTTL
			c.TTLMillis = ttl
		}
	default:
		return cell.Cell{}, 0, fmt.Errorf("%w: unknown cell kind %d at offset %d", ErrCorrupt, kind, off-1)
	}
	return c, off, nil
}

// Next returns the next cell, or false when the iterator is exhausted.
// A decoding error ends iteration; it is reported by Err.
func (it *Iterator) Next() (cell.Cell, bool) {
	if it.err != nil {
		return cell.Cell{}, false
	}
	if it.peeked != nil {
		c := *it.peeked
		it.peeked = nil
		return c, true
	}
	c, ok, err := it.next()
	if err != nil {
		it.err = err
		return cell.Cell{}, false
	}
	return c, ok
}

// Peek returns the next cell without consuming it.
func (it *Iterator) Peek() (cell.Cell, bool) {
	if it.err != nil {
		return cell.Cell{}, false
	}
	if it.peeked == nil {
		c, ok, err := it.next()
		if err != nil {
			it.err = err
			return cell.Cell{}, false
		}
		if !ok {
			return cell.Cell{}, false
		}
		it.peeked = &c
	}
	return *it.peeked, true
}

// Err returns the first decoding error encountered, if any.
func (it *Iterator) Err() error { return it.err }
