package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestMajorCompactionCleansTombstoneAndHistory(t *testing.T) {
	env := newTestCF(t)

	mustPut(t, env.cf, "r1", "c1", "v1")
	if err := env.cf.Delete([]byte("r1"), []byte("c1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	mustPut(t, env.cf, "r2", "c1", "keep")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := env.cf.Compact(CompactionOptions{
		Type:              MajorCompaction,
		CleanupTombstones: true,
	}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	if _, ok := mustGet(t, env.cf, "r1", "c1"); ok {
		t.Error("deleted value visible after cleanup compaction")
	}
	if v, ok := mustGet(t, env.cf, "r2", "c1"); !ok || v != "keep" {
		t.Errorf("untouched column = (%q,%v), want (keep,true)", v, ok)
	}

	// The surviving table holds only the untouched column: neither the
	// put nor the tombstone of r1/c1 remains anywhere.
	cf2 := env.reopen(t)
	versions, err := cf2.GetVersions([]byte("r1"), []byte("c1"), 0)
	if err != nil {
		t.Fatalf("GetVersions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("r1/c1 history survived cleanup: %v", versions)
	}
}

func TestMinorCompactionRetainsNoTTLTombstones(t *testing.T) {
	env := newTestCF(t)

	// Oldest table holds the put, a newer one the tombstone; two more
	// tables keep the minor input set (the oldest two) short of every
	// table.
	mustPut(t, env.cf, "r1", "c1", "v1")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := env.cf.Delete([]byte("r1"), []byte("c1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		mustPut(t, env.cf, fmt.Sprintf("other-%d", i), "c", "x")
		if err := env.cf.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	if err := env.cf.Compact(CompactionOptions{
		Type:              MinorCompaction,
		CleanupTombstones: true,
	}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// The tombstone must still hide the value: a minor compaction can
	// never prove there is no older put outside its inputs.
	if _, ok := mustGet(t, env.cf, "r1", "c1"); ok {
		t.Error("no-TTL tombstone dropped by minor compaction")
	}
}

func TestMinorCompactionMergesOldestTables(t *testing.T) {
	env := newTestCF(t)

	for i := 0; i < 5; i++ {
		mustPut(t, env.cf, fmt.Sprintf("row-%d", i), "c", fmt.Sprintf("v%d", i))
		if err := env.cf.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
	if got := env.cf.SSTableCount(); got != 5 {
		t.Fatalf("expected 5 tables, got %d", got)
	}

	if err := env.cf.Compact(CompactionOptions{Type: MinorCompaction}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// Oldest two merged into one: 5 -> 4.
	if got := env.cf.SSTableCount(); got != 4 {
		t.Fatalf("expected 4 tables after minor compaction, got %d", got)
	}
	for i := 0; i < 5; i++ {
		row := fmt.Sprintf("row-%d", i)
		if v, ok := mustGet(t, env.cf, row, "c"); !ok || v != fmt.Sprintf("v%d", i) {
			t.Errorf("row %s = (%q,%v)", row, v, ok)
		}
	}
}

func TestCompactionPreservesStateWithoutPolicy(t *testing.T) {
	env := newTestCF(t)

	for i := 0; i < 3; i++ {
		mustPut(t, env.cf, "r1", "c1", fmt.Sprintf("v%d", i))
	}
	mustPut(t, env.cf, "r2", "c1", "x")
	if err := env.cf.DeleteWithTTL([]byte("r2"), []byte("c1"), time.Hour); err != nil {
		t.Fatalf("DeleteWithTTL failed: %v", err)
	}
	mustPut(t, env.cf, "r3", "c1", "y")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mustPut(t, env.cf, "r3", "c1", "y2")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	type colState struct {
		versions int
		newest   string
		present  bool
	}
	capture := func() map[string]colState {
		state := make(map[string]colState)
		for _, row := range []string{"r1", "r2", "r3"} {
			versions, err := env.cf.GetVersions([]byte(row), []byte("c1"), 0)
			if err != nil {
				t.Fatalf("GetVersions failed: %v", err)
			}
			cs := colState{versions: len(versions), present: len(versions) > 0}
			if cs.present {
				cs.newest = string(versions[0].Value)
			}
			state[row] = cs
		}
		return state
	}

	before := capture()
	if err := env.cf.Compact(CompactionOptions{Type: MajorCompaction}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	after := capture()

	for row, b := range before {
		if after[row] != b {
			t.Errorf("row %s changed across compaction: %+v -> %+v", row, b, after[row])
		}
	}

	// The TTL tombstone must also have survived: expiry later still
	// resurrects the put.
	env.clk.Advance(2 * time.Hour)
	if v, ok := mustGet(t, env.cf, "r2", "c1"); !ok || v != "x" {
		t.Errorf("r2/c1 after ttl expiry = (%q,%v), want (x,true)", v, ok)
	}
}

func TestCompactionMaxVersions(t *testing.T) {
	env := newTestCF(t)

	for i := 1; i <= 5; i++ {
		mustPut(t, env.cf, "r", "c", fmt.Sprintf("v%d", i))
	}
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := env.cf.Compact(CompactionOptions{
		Type:        MajorCompaction,
		MaxVersions: 2,
	}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	versions, err := env.cf.GetVersions([]byte("r"), []byte("c"), 0)
	if err != nil {
		t.Fatalf("GetVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 surviving versions, got %d", len(versions))
	}
	if string(versions[0].Value) != "v5" || string(versions[1].Value) != "v4" {
		t.Errorf("survivors [%s, %s], want [v5, v4]", versions[0].Value, versions[1].Value)
	}
}

func TestCompactionMaxAge(t *testing.T) {
	env := newTestCF(t)

	mustPut(t, env.cf, "r", "c", "old")
	env.clk.Advance(10 * time.Minute)
	mustPut(t, env.cf, "r", "c", "new")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := env.cf.Compact(CompactionOptions{
		Type:         MajorCompaction,
		MaxAgeMillis: (5 * time.Minute).Milliseconds(),
	}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	versions, err := env.cf.GetVersions([]byte("r"), []byte("c"), 0)
	if err != nil {
		t.Fatalf("GetVersions failed: %v", err)
	}
	if len(versions) != 1 || string(versions[0].Value) != "new" {
		t.Errorf("survivors %v, want only new", versions)
	}
}

func TestTTLTombstoneReclaimedAfterWindow(t *testing.T) {
	env := newTestCFWith(t, Config{TombstoneGraceMillis: (time.Minute).Milliseconds()})

	mustPut(t, env.cf, "r", "c", "v1")
	if err := env.cf.DeleteWithTTL([]byte("r"), []byte("c"), 100*time.Millisecond); err != nil {
		t.Fatalf("DeleteWithTTL failed: %v", err)
	}
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Inside the grace window the tombstone is retained even though the
	// TTL has lapsed for visibility purposes.
	env.clk.Advance(time.Second)
	if err := env.cf.Compact(CompactionOptions{Type: MajorCompaction, CleanupTombstones: true}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if v, ok := mustGet(t, env.cf, "r", "c"); !ok || v != "v1" {
		t.Fatalf("resurrected value = (%q,%v), want (v1,true)", v, ok)
	}

	// Past max(ttl, grace) the tombstone itself is dropped; the put
	// stays.
	env.clk.Advance(2 * time.Minute)
	if err := env.cf.Compact(CompactionOptions{Type: MajorCompaction, CleanupTombstones: true}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	cf2 := env.reopen(t)
	versions, err := cf2.GetVersions([]byte("r"), []byte("c"), 0)
	if err != nil {
		t.Fatalf("GetVersions failed: %v", err)
	}
	if len(versions) != 1 || string(versions[0].Value) != "v1" {
		t.Errorf("after reclaim: %v, want just v1", versions)
	}
}

func TestMajorCompactionFoldsMemStoreIn(t *testing.T) {
	env := newTestCF(t)

	mustPut(t, env.cf, "r", "c", "v1")
	if err := env.cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mustPut(t, env.cf, "r", "c", "v2") // only in the memstore

	if err := env.cf.Compact(CompactionOptions{Type: MajorCompaction}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	if got := env.cf.SSTableCount(); got != 1 {
		t.Errorf("expected 1 table after major compaction, got %d", got)
	}
	if env.cf.MemStoreLen() != 0 {
		t.Errorf("memstore not folded in: %d cells", env.cf.MemStoreLen())
	}
	versions, err := env.cf.GetVersions([]byte("r"), []byte("c"), 0)
	if err != nil {
		t.Fatalf("GetVersions failed: %v", err)
	}
	if len(versions) != 2 || string(versions[0].Value) != "v2" {
		t.Errorf("versions after fold-in: %v", versions)
	}
}

func TestCompactionOptionsValidation(t *testing.T) {
	env := newTestCF(t)

	if err := env.cf.Compact(CompactionOptions{MaxVersions: -1}); !IsInvalidArgument(err) {
		t.Errorf("negative MaxVersions: %v", err)
	}
	if err := env.cf.Compact(CompactionOptions{MaxAgeMillis: -5}); !IsInvalidArgument(err) {
		t.Errorf("negative MaxAgeMillis: %v", err)
	}

	// Compacting an empty column family is a no-op.
	if err := env.cf.Compact(CompactionOptions{Type: MinorCompaction}); err != nil {
		t.Errorf("minor compaction on empty cf: %v", err)
	}
}
