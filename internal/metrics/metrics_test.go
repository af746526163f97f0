package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	r := New()
	r.Requests.Add(3)
	r.LiveServed.Add(2)
	r.CacheServed.Add(1)
	r.ObserveAttempt("yahoo_finance", false, 300*time.Millisecond)
	r.ObserveAttempt("moex", true, 100*time.Millisecond)
	r.ObserveAttempt("moex", true, 300*time.Millisecond)
	r.Provider("moex").Retries.Add(1)

	s := r.Snapshot()
	assert.Equal(t, int64(3), s.Requests)
	assert.InDelta(t, 1.0/3.0, s.CacheHitRatio, 1e-9)
	require.Len(t, s.Providers, 2)
	assert.Equal(t, "moex", s.Providers[0].Name)
	assert.Equal(t, int64(2), s.Providers[0].Successes)
	assert.Equal(t, int64(1), s.Providers[0].Retries)
	assert.InDelta(t, 200.0, s.Providers[0].AvgLatencyMs, 1e-6)
	assert.Equal(t, int64(1), s.Providers[1].Failures)
}

func TestCountersAreMonotonicUnderConcurrency(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.ObserveAttempt("cbr", j%2 == 0, time.Millisecond)
			}
		}()
	}
	wg.Wait()
	s := r.Snapshot()
	require.Len(t, s.Providers, 1)
	assert.Equal(t, int64(4000), s.Providers[0].Requests)
	assert.Equal(t, int64(2000), s.Providers[0].Successes)
}
