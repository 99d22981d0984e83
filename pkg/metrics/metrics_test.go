package metrics

import (
	"testing"
	"time"
)

func TestRegistryRecords(t *testing.T) {
	r := NewRegistry()

	r.RecordOperation("cf1", "Put", "ok", time.Millisecond)
	r.RecordOperation("cf1", "Put", "error", time.Millisecond)
	r.RecordFlush("cf1", "ok")
	r.RecordCompaction("cf1", "major", "ok", time.Second)
	r.WALSyncsTotal.Inc()
	r.MemStoreCells.WithLabelValues("cf1").Set(42)
	r.SSTableCount.WithLabelValues("cf1").Set(3)

	families, err := r.Prometheus().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"rbase_storage_operations_total",
		"rbase_storage_operation_duration_seconds",
		"rbase_flushes_total",
		"rbase_compactions_total",
		"rbase_compaction_duration_seconds",
		"rbase_wal_syncs_total",
		"rbase_memstore_cells",
		"rbase_sstables",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestSeparateRegistries(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.RecordFlush("cf1", "ok")

	families, err := b.Prometheus().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "rbase_flushes_total" && len(mf.GetMetric()) > 0 {
			t.Error("registries share state")
		}
	}
}
