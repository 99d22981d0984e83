package engine

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/VishnuRaman/RBase/pkg/logging"
)

// Table is a directory containing one column family subdirectory per
// named CF. It owns the ColumnFamily handles and their lifecycles.
type Table struct {
	path string
	cfg  Config
	log  logging.Logger

	mu  sync.RWMutex
	cfs map[string]*ColumnFamily
}

// OpenTable opens (or creates) the table directory and every column
// family found inside it.
func OpenTable(path string, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create table directory %s: %w", path, err)
	}

	t := &Table{
		path: path,
		cfg:  cfg,
		log:  cfg.Logger.With(logging.Component("table"), logging.Path(path)),
		cfs:  make(map[string]*ColumnFamily),
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read table directory %s: %w", path, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		cf, err := OpenColumnFamily(path, name, cfg)
		if err != nil {
			t.closeAll()
			return nil, err
		}
		t.cfs[name] = cf
	}

	t.log.Info("table opened", logging.Int("column_families", len(t.cfs)))
	return t, nil
}

// CreateCF creates a new column family. It fails with ErrCFExists if
// the name is already taken.
func (t *Table) CreateCF(name string) (*ColumnFamily, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.cfs[name]; ok {
		return nil, opError("CreateCF", name, ErrCFExists)
	}
	cf, err := OpenColumnFamily(t.path, name, t.cfg)
	if err != nil {
		return nil, err
	}
	t.cfs[name] = cf
	return cf, nil
}

// CF returns the handle of an existing column family, or ErrCFNotFound.
func (t *Table) CF(name string) (*ColumnFamily, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cf, ok := t.cfs[name]
	if !ok {
		return nil, opError("CF", name, ErrCFNotFound)
	}
	return cf, nil
}

// CFNames returns the column family names in sorted order.
func (t *Table) CFNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.cfs))
	for name := range t.cfs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the table directory.
func (t *Table) Path() string { return t.path }

// Close closes every column family.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeAll()
}

func (t *Table) closeAll() error {
	var firstErr error
	for name, cf := range t.cfs {
		if err := cf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.cfs, name)
	}
	return firstErr
}
