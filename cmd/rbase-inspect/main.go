// rbase-inspect dumps the on-disk state of a column family directory or
// a single SSTable file. It is a read-only debugging tool: it never
// opens the write path and can run against a live directory.
//
// Usage:
//
//	rbase-inspect <cf-dir>            summarize WAL segments and SSTables
//	rbase-inspect <file.sst>          summarize one SSTable
//	rbase-inspect -cells <file.sst>   also list every cell
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/VishnuRaman/RBase/pkg/cell"
	"github.com/VishnuRaman/RBase/pkg/sstable"
	"github.com/VishnuRaman/RBase/pkg/wal"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func main() {
	showCells := flag.Bool("cells", false, "list every cell of an SSTable")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rbase-inspect [-cells] <cf-dir | file.sst>")
		os.Exit(2)
	}
	target := flag.Arg(0)

	info, err := os.Stat(target)
	if err != nil {
		fatal(err)
	}

	if info.IsDir() {
		if err := inspectDir(target); err != nil {
			fatal(err)
		}
		return
	}
	if err := inspectTable(target, *showCells); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
	os.Exit(1)
}

func inspectDir(dir string) error {
	fmt.Println(titleStyle.Render("column family " + filepath.Base(dir)))

	walSeqs, err := wal.ListSegments(dir)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d\n", keyStyle.Render("wal segments:"), len(walSeqs))
	for _, seq := range walSeqs {
		fi, err := os.Stat(wal.SegmentPath(dir, seq))
		if err != nil {
			return err
		}
		fmt.Printf("  %s %s\n",
			filepath.Base(wal.SegmentPath(dir, seq)),
			dimStyle.Render(fmt.Sprintf("%d bytes", fi.Size())))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sst-*.sst"))
	if err != nil {
		return err
	}
	fmt.Printf("%s %d\n", keyStyle.Render("sstables:"), len(matches))
	for _, path := range matches {
		if err := inspectTable(path, false); err != nil {
			fmt.Printf("  %s %s\n", filepath.Base(path), errStyle.Render(err.Error()))
		}
	}
	return nil
}

func inspectTable(path string, showCells bool) error {
	r, err := sstable.Open(path)
	if err != nil {
		return err
	}
	defer r.Release()

	minRow, maxRow := r.Bounds()
	fmt.Printf("%s %s seq=%d cells=%d rows=[%s .. %s]\n",
		keyStyle.Render("sstable"),
		filepath.Base(path), r.Seq(), r.CellCount(),
		printable(minRow), printable(maxRow))

	if !showCells {
		return nil
	}
	it := r.All()
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		fmt.Printf("  %s/%s @%d %s\n",
			printable(c.Row), printable(c.Column), c.Timestamp, describe(&c))
	}
	return it.Err()
}

func describe(c *cell.Cell) string {
	switch c.Kind {
	case cell.KindPut:
		return fmt.Sprintf("put %s", dimStyle.Render(printable(c.Value)))
	case cell.KindTombstoneTTL:
		return dimStyle.Render(fmt.Sprintf("tombstone ttl=%dms", c.TTLMillis))
	default:
		return dimStyle.Render("tombstone")
	}
}

// printable renders arbitrary key bytes, escaping anything non-ASCII.
func printable(b []byte) string {
	var sb strings.Builder
	for _, ch := range b {
		if ch >= 0x20 && ch < 0x7f {
			sb.WriteByte(ch)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", ch)
		}
	}
	return sb.String()
}
