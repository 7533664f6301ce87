package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrafficCountersFlushOnlyNonzero(t *testing.T) {
	tc := NewTrafficCounters()
	tc.AddIn("fw1", 100)
	tc.AddOut("fw1", 50)
	tc.AddIn("fw2", 0) // no-op, fw2 should not appear

	deltas := tc.FlushAll()
	require.Len(t, deltas, 1)
	require.Equal(t, "fw1", deltas[0].ForwardID)
	require.EqualValues(t, 100, deltas[0].BytesIn)
	require.EqualValues(t, 50, deltas[0].BytesOut)

	// A second flush with no new traffic yields nothing.
	require.Empty(t, tc.FlushAll())
}

func TestTrafficCountersConcurrentAdds(t *testing.T) {
	tc := NewTrafficCounters()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc.AddIn("fw1", 10)
			tc.AddOut("fw1", 5)
		}()
	}
	wg.Wait()

	deltas := tc.FlushAll()
	require.Len(t, deltas, 1)
	require.EqualValues(t, 1000, deltas[0].BytesIn)
	require.EqualValues(t, 500, deltas[0].BytesOut)
}
