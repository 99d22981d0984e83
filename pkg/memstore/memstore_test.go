package memstore

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/VishnuRaman/RBase/pkg/cell"
)

func TestPutAndGetVersions(t *testing.T) {
	ms := New()

	for i := 1; i <= 3; i++ {
		if err := ms.Put([]byte("r1"), []byte("c1"), int64(i*100), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	versions := ms.GetVersions([]byte("r1"), []byte("c1"), 0, 0, 0, false)
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, want := range []int64{300, 200, 100} {
		if versions[i].Timestamp != want {
			t.Errorf("version %d: ts=%d, want %d", i, versions[i].Timestamp, want)
		}
	}
	if !bytes.Equal(versions[0].Value, []byte("v3")) {
		t.Errorf("newest version value %q, want v3", versions[0].Value)
	}

	limited := ms.GetVersions([]byte("r1"), []byte("c1"), 2, 0, 0, false)
	if len(limited) != 2 {
		t.Errorf("expected 2 limited versions, got %d", len(limited))
	}

	ranged := ms.GetVersions([]byte("r1"), []byte("c1"), 0, 150, 250, true)
	if len(ranged) != 1 || ranged[0].Timestamp != 200 {
		t.Errorf("time-ranged query returned %v", ranged)
	}
}

func TestDeleteStoresTombstone(t *testing.T) {
	ms := New()

	if err := ms.Put([]byte("r"), []byte("c"), 1, []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ms.Delete([]byte("r"), []byte("c"), 2, -1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := ms.Delete([]byte("r"), []byte("c"), 3, 1500); err != nil {
		t.Fatalf("Delete with ttl failed: %v", err)
	}

	versions := ms.GetVersions([]byte("r"), []byte("c"), 0, 0, 0, false)
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	if versions[0].Kind != cell.KindTombstoneTTL || versions[0].TTLMillis != 1500 {
		t.Errorf("newest should be ttl tombstone, got kind=%d ttl=%d", versions[0].Kind, versions[0].TTLMillis)
	}
	if versions[1].Kind != cell.KindTombstone {
		t.Errorf("middle should be plain tombstone, got kind=%d", versions[1].Kind)
	}
	if versions[2].Kind != cell.KindPut {
		t.Errorf("oldest should be put, got kind=%d", versions[2].Kind)
	}
}

func TestIterationOrder(t *testing.T) {
	ms := New()

	// Inserted deliberately out of order.
	ms.Put([]byte("r2"), []byte("ca"), 5, []byte("x"))
	ms.Put([]byte("r1"), []byte("cb"), 1, []byte("x"))
	ms.Put([]byte("r1"), []byte("ca"), 2, []byte("x"))
	ms.Put([]byte("r1"), []byte("ca"), 4, []byte("y"))
	ms.Put([]byte("r3"), []byte("cc"), 3, []byte("x"))

	all := ms.All()
	if len(all) != 5 {
		t.Fatalf("expected 5 cells, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if cell.CompareKey(&all[i-1], &all[i]) >= 0 {
			t.Errorf("cells %d,%d out of order: (%s,%s,%d) then (%s,%s,%d)",
				i-1, i,
				all[i-1].Row, all[i-1].Column, all[i-1].Timestamp,
				all[i].Row, all[i].Column, all[i].Timestamp)
		}
	}
	// Within (r1, ca) newest first.
	if all[0].Timestamp != 4 || all[1].Timestamp != 2 {
		t.Errorf("versions not newest-first: %d, %d", all[0].Timestamp, all[1].Timestamp)
	}
}

func TestScanRange(t *testing.T) {
	ms := New()
	for _, row := range []string{"a", "b", "c", "d"} {
		ms.Put([]byte(row), []byte("c1"), 1, []byte("v"))
	}

	got := ms.ScanRange([]byte("b"), []byte("c"))
	if len(got) != 2 {
		t.Fatalf("expected 2 cells in [b,c], got %d", len(got))
	}
	if string(got[0].Row) != "b" || string(got[1].Row) != "c" {
		t.Errorf("wrong rows: %s, %s", got[0].Row, got[1].Row)
	}

	keys := ms.RowKeysInRange([]byte("a"), []byte("d"))
	if len(keys) != 4 {
		t.Errorf("expected 4 row keys, got %d", len(keys))
	}
}

func TestLenAndApproxBytes(t *testing.T) {
	ms := New()
	if ms.Len() != 0 || ms.ApproxBytes() != 0 {
		t.Fatal("fresh memstore not empty")
	}

	ms.Put([]byte("row"), []byte("col"), 1, []byte("value"))
	if ms.Len() != 1 {
		t.Errorf("Len=%d, want 1", ms.Len())
	}
	if ms.ApproxBytes() <= 0 {
		t.Errorf("ApproxBytes=%d, want > 0", ms.ApproxBytes())
	}

	// Another version of the same column still counts as a cell.
	ms.Put([]byte("row"), []byte("col"), 2, []byte("value2"))
	if ms.Len() != 2 {
		t.Errorf("Len=%d, want 2", ms.Len())
	}
}

func TestFreezeRejectsMutations(t *testing.T) {
	ms := New()
	ms.Put([]byte("r"), []byte("c"), 1, []byte("v"))
	ms.Freeze()

	if !ms.Frozen() {
		t.Fatal("Frozen() false after Freeze")
	}
	if err := ms.Put([]byte("r"), []byte("c"), 2, []byte("v2")); err != ErrFrozen {
		t.Errorf("Put on frozen memstore: err=%v, want ErrFrozen", err)
	}
	if err := ms.Delete([]byte("r"), []byte("c"), 3, -1); err != ErrFrozen {
		t.Errorf("Delete on frozen memstore: err=%v, want ErrFrozen", err)
	}

	// Reads still work.
	versions := ms.GetVersions([]byte("r"), []byte("c"), 0, 0, 0, false)
	if len(versions) != 1 {
		t.Errorf("expected 1 version after freeze, got %d", len(versions))
	}
}

func TestOutOfOrderTimestampsSortDescending(t *testing.T) {
	ms := New()
	// WAL replay can insert any timestamp order.
	for _, ts := range []int64{5, 1, 9, 3, 7} {
		c := cell.NewPut([]byte("r"), []byte("c"), ts, []byte{byte(ts)})
		if err := ms.Insert(&c); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	versions := ms.GetVersions([]byte("r"), []byte("c"), 0, 0, 0, false)
	want := []int64{9, 7, 5, 3, 1}
	if len(versions) != len(want) {
		t.Fatalf("expected %d versions, got %d", len(want), len(versions))
	}
	for i, ts := range want {
		if versions[i].Timestamp != ts {
			t.Errorf("version %d: ts=%d, want %d", i, versions[i].Timestamp, ts)
		}
	}
}
