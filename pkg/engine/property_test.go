package engine

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/VishnuRaman/RBase/pkg/clock"
	"github.com/VishnuRaman/RBase/pkg/logging"
)

func newPropertyTestCF(tb testing.TB, dir string) *ColumnFamily {
	cf, err := OpenColumnFamily(dir, "prop", Config{
		Clock:                 clock.NewManualClock(1_000_000),
		Logger:                logging.NewNopLogger(),
		DisableAutoCompaction: true,
	})
	if err != nil {
		tb.Fatalf("open failed: %v", err)
	}
	return cf
}

// TestEngineInvariants checks properties that must hold for any write
// sequence.
func TestEngineInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based tests in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	// Property 1: the last put to each (row, col) is the value read back.
	properties.Property("last put wins", prop.ForAll(
		func(keys []string, values []string) bool {
			if len(keys) == 0 || len(values) == 0 {
				return true
			}
			cf := newPropertyTestCF(t, t.TempDir())
			defer cf.Close()

			final := make(map[string]string)
			for i, key := range keys {
				if key == "" {
					continue
				}
				value := values[i%len(values)]
				if err := cf.Put([]byte(key), []byte("c"), []byte(value)); err != nil {
					return false
				}
				final[key] = value
			}
			for key, want := range final {
				got, ok, err := cf.Get([]byte(key), []byte("c"))
				if err != nil || !ok || string(got) != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	// Property 2: N puts to one column yield min(N, M) versions for any
	// request of M, newest first.
	properties.Property("version history is complete and ordered", prop.ForAll(
		func(n uint8, m uint8) bool {
			count := int(n%20) + 1
			limit := int(m%25) + 1

			cf := newPropertyTestCF(t, t.TempDir())
			defer cf.Close()

			for i := 0; i < count; i++ {
				if err := cf.Put([]byte("r"), []byte("c"), []byte(fmt.Sprintf("v%d", i))); err != nil {
					return false
				}
			}
			versions, err := cf.GetVersions([]byte("r"), []byte("c"), limit)
			if err != nil {
				return false
			}
			want := count
			if limit < want {
				want = limit
			}
			if len(versions) != want {
				return false
			}
			for i := range versions {
				if i > 0 && versions[i].Timestamp >= versions[i-1].Timestamp {
					return false
				}
				if string(versions[i].Value) != fmt.Sprintf("v%d", count-1-i) {
					return false
				}
			}
			return true
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	// Property 5: flushing never changes what reads observe.
	properties.Property("flush is transparent", prop.ForAll(
		func(keys []string) bool {
			cf := newPropertyTestCF(t, t.TempDir())
			defer cf.Close()

			for i, key := range keys {
				if key == "" {
					continue
				}
				if err := cf.Put([]byte(key), []byte("c"), []byte(fmt.Sprintf("v%d", i))); err != nil {
					return false
				}
				if i%3 == 2 {
					if err := cf.Delete([]byte(key), []byte("c")); err != nil {
						return false
					}
				}
			}

			before := make(map[string]string)
			for _, key := range keys {
				if key == "" {
					continue
				}
				if v, ok, _ := cf.Get([]byte(key), []byte("c")); ok {
					before[key] = string(v)
				}
			}

			if err := cf.Flush(); err != nil {
				return false
			}

			for _, key := range keys {
				if key == "" {
					continue
				}
				v, ok, err := cf.Get([]byte(key), []byte("c"))
				if err != nil {
					return false
				}
				want, existed := before[key]
				if ok != existed || (ok && string(v) != want) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
