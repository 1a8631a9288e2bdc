package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

func reading(device string, flow float64, at time.Time) types.CanonicalReading {
	return types.CanonicalReading{DeviceID: device, FlowMeter: types.Fixed2(flow), IngestedAt: at}
}

func TestWindowed_LastWriteWins(t *testing.T) {
	w := NewWindowed()
	base := time.Date(2025, 5, 1, 10, 0, 5, 0, time.UTC)

	w.Put("T", reading("dev-1", 10.00, base))
	w.Put("T", reading("dev-1", 12.50, base.Add(10*time.Second)))
	w.Put("T", reading("dev-1", 11.25, base.Add(20*time.Second)))

	got := w.DrainAll()
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].DeviceID)
	assert.Equal(t, "11.25", got[0].FlowMeter.Decimal.StringFixed(2))
}

func TestWindowed_OverwriteAcrossBuckets(t *testing.T) {
	w := NewWindowed()
	first := time.Date(2025, 5, 1, 10, 0, 59, 0, time.UTC)

	w.Put("T", reading("dev-1", 1, first))
	w.Put("T", reading("dev-1", 2, first.Add(2*time.Second)))

	entries := w.DrainEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 1, 0, 0, time.UTC), entries[0].Bucket)
	assert.Equal(t, "2.00", entries[0].Reading.FlowMeter.Decimal.StringFixed(2))
}

func TestWindowed_DrainClearsExactlyOnce(t *testing.T) {
	w := NewWindowed()
	now := time.Now()
	w.Put("A", reading("a", 1, now))
	w.Put("B", reading("b", 2, now))
	assert.Equal(t, 2, w.Len())

	assert.Len(t, w.DrainAll(), 2)
	assert.Empty(t, w.DrainAll())
	assert.Equal(t, 0, w.Len())

	w.Put("A", reading("a", 3, now))
	assert.Len(t, w.DrainAll(), 1, "new generation starts after a drain")
}

func TestWindowed_IndependentInstances(t *testing.T) {
	a, b := NewWindowed(), NewWindowed()
	a.Put("T", reading("dev", 1, time.Now()))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestWindowed_ConcurrentPutAndDrainLosesNothing(t *testing.T) {
	w := NewWindowed()
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				w.Put(fmt.Sprintf("topic-%d-%d", id, j), reading("d", float64(j), time.Now()))
			}
		}(i)
	}

	seen := make(map[string]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for draining := true; draining; {
		select {
		case <-done:
			draining = false
		default:
		}
		for _, e := range w.DrainEntries() {
			seen[e.Topic]++
		}
	}
	for _, e := range w.DrainEntries() {
		seen[e.Topic]++
	}

	assert.Len(t, seen, writers*perWriter)
	for topic, n := range seen {
		assert.Equal(t, 1, n, "topic %s drained more than once", topic)
	}
}
