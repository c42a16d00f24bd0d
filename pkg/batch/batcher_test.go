package batch

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records flushed batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches map[string][][]string
}

func newCollector() *collector {
	return &collector{batches: make(map[string][][]string)}
}

func (c *collector) flush(sessionID string, eventIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[sessionID] = append(c.batches[sessionID], eventIDs)
}

func (c *collector) batchesFor(sessionID string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[sessionID]
}

func TestAddFlushesAtMaxEvents(t *testing.T) {
	c := newCollector()
	b := New(time.Hour, 3, c.flush, slog.Default())

	b.Add("s1", "e1")
	b.Add("s1", "e2")
	assert.Empty(t, c.batchesFor("s1"), "no flush below the size threshold")

	b.Add("s1", "e3")
	batches := c.batchesFor("s1")
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e1", "e2", "e3"}, batches[0])
	assert.Zero(t, b.Pending())
}

func TestTimerFlushesPartialBatch(t *testing.T) {
	c := newCollector()
	b := New(20*time.Millisecond, 10, c.flush, slog.Default())

	b.Add("s1", "e1")
	b.Add("s1", "e2")

	require.Eventually(t, func() bool {
		return len(c.batchesFor("s1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1", "e2"}, c.batchesFor("s1")[0])
}

func TestNoEventsNoFlush(t *testing.T) {
	c := newCollector()
	b := New(10*time.Millisecond, 10, c.flush, slog.Default())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.batches)
	assert.Zero(t, b.Pending())
}

func TestSizeFlushCancelsTimer(t *testing.T) {
	c := newCollector()
	b := New(20*time.Millisecond, 2, c.flush, slog.Default())

	b.Add("s1", "e1")
	b.Add("s1", "e2") // size flush; timer must not fire a second batch

	time.Sleep(60 * time.Millisecond)
	batches := c.batchesFor("s1")
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e1", "e2"}, batches[0])
}

func TestSessionsAreIndependent(t *testing.T) {
	c := newCollector()
	b := New(time.Hour, 2, c.flush, slog.Default())

	b.Add("s1", "a1")
	b.Add("s2", "b1")
	b.Add("s1", "a2")

	require.Len(t, c.batchesFor("s1"), 1)
	assert.Empty(t, c.batchesFor("s2"))
	assert.Equal(t, 1, b.Pending())
}

func TestFlushAllDrainsEverything(t *testing.T) {
	c := newCollector()
	b := New(time.Hour, 10, c.flush, slog.Default())

	b.Add("s1", "a1")
	b.Add("s2", "b1")
	b.Add("s2", "b2")

	b.FlushAll()
	assert.Equal(t, [][]string{{"a1"}}, c.batchesFor("s1"))
	assert.Equal(t, [][]string{{"b1", "b2"}}, c.batchesFor("s2"))
	assert.Zero(t, b.Pending())

	// Second drain is a no-op.
	b.FlushAll()
	assert.Len(t, c.batchesFor("s1"), 1)
}

func TestCloseDeliversLateEvents(t *testing.T) {
	c := newCollector()
	b := New(time.Hour, 10, c.flush, slog.Default())

	b.Add("s1", "e1")
	b.Close()
	require.Equal(t, [][]string{{"e1"}}, c.batchesFor("s1"))

	b.Add("s1", "e2")
	assert.Equal(t, [][]string{{"e1"}, {"e2"}}, c.batchesFor("s1"))
}

func TestExactlyOnceUnderConcurrency(t *testing.T) {
	c := newCollector()
	b := New(5*time.Millisecond, 7, c.flush, slog.Default())

	const (
		sessions = 8
		perSess  = 100
	)
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", s)
			for i := 0; i < perSess; i++ {
				b.Add(sid, fmt.Sprintf("%s-e%d", sid, i))
			}
		}(s)
	}
	wg.Wait()
	b.FlushAll()

	for s := 0; s < sessions; s++ {
		sid := fmt.Sprintf("s%d", s)
		seen := make(map[string]int)
		for _, batch := range c.batchesFor(sid) {
			for _, id := range batch {
				seen[id]++
			}
		}
		assert.Len(t, seen, perSess, "every event delivered for %s", sid)
		for id, n := range seen {
			assert.Equal(t, 1, n, "event %s delivered once", id)
		}
	}
}
