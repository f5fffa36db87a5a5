package collection

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stratum/model"
)

func TestCompactionDropsTombstonesAndPreservesSearch(t *testing.T) {
	const (
		dim     = 128
		total   = 1000
		deleted = 100
	)
	c := openTestCollection(t, t.TempDir(), dim)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	ids := insertN(t, c, total, dim, rng)
	for i := 0; i < deleted; i++ {
		require.NoError(t, c.Delete(ctx, ids[i]))
	}
	deletedSet := make(map[model.DocID]bool, deleted)
	for i := 0; i < deleted; i++ {
		deletedSet[ids[i]] = true
	}

	require.NoError(t, c.Compact(ctx))

	seg := c.store.Sealed()
	require.NotNil(t, seg)
	assert.Equal(t, total-deleted, seg.Len())
	assert.Equal(t, model.Generation(1), seg.Generation())
	assert.Equal(t, 0, c.store.OverlaySize())
	for _, rec := range seg.Records() {
		assert.False(t, deletedSet[rec.DocID])
	}

	q := make([]float32, dim)
	for j := range q {
		q[j] = rng.Float32()
	}
	results, err := c.Query(ctx, QueryRequest{Vector: q, K: 10})
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.False(t, deletedSet[r.DocID])
		if i > 0 {
			assert.GreaterOrEqual(t, r.Distance, results[i-1].Distance)
		}
	}
}

func TestCompactionIsIdempotent(t *testing.T) {
	c := openTestCollection(t, t.TempDir(), 2)
	ctx := context.Background()

	insertN(t, c, 10, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, c.Compact(ctx))
	gen := c.store.Sealed().Generation()

	// Nothing accumulated since: a repeat run changes nothing.
	require.NoError(t, c.Compact(ctx))
	assert.Equal(t, gen, c.store.Sealed().Generation())
}

func TestCompactionResetsCounters(t *testing.T) {
	c := openTestCollection(t, t.TempDir(), 2)
	ctx := context.Background()

	ids := insertN(t, c, 5, 2, rand.New(rand.NewSource(2)))
	require.NoError(t, c.Delete(ctx, ids[0]))
	require.Equal(t, uint64(5), c.Stats().Inserts)
	require.Equal(t, uint64(1), c.Stats().Deletes)

	require.NoError(t, c.Compact(ctx))

	stats := c.Stats()
	assert.Zero(t, stats.Inserts)
	assert.Zero(t, stats.Deletes)
	assert.Equal(t, model.LSN(6), stats.LastCompacted)
	assert.Equal(t, model.Generation(1), stats.Generation)
}

func TestWritesDuringCompactionSurvive(t *testing.T) {
	c := openTestCollection(t, t.TempDir(), 2)
	ctx := context.Background()

	insertN(t, c, 20, 2, rand.New(rand.NewSource(3)))
	require.NoError(t, c.Compact(ctx))

	// New writes land in the overlay of the fresh generation.
	id, err := c.Insert(ctx, InsertRequest{ExternalID: "late", Vector: []float32{0.5, 0.5}})
	require.NoError(t, err)

	rec, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "late", rec.ExternalID)
	assert.Equal(t, 21, c.store.Live())

	require.NoError(t, c.Compact(ctx))
	assert.Equal(t, 21, c.store.Sealed().Len())
	assert.Equal(t, model.Generation(2), c.store.Sealed().Generation())
}

func TestReopenAfterCompactionUsesSegmentBaseline(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir, 2)
	ids := insertN(t, c, 10, 2, rand.New(rand.NewSource(4)))
	require.NoError(t, c.Delete(ctx, ids[3]))
	require.NoError(t, c.Compact(ctx))

	// A post-compaction write that only exists in the WAL tail.
	late, err := c.Insert(ctx, InsertRequest{ExternalID: "tail", Vector: []float32{9, 9}})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened := openTestCollection(t, dir, 2)
	stats := reopened.Stats()
	assert.Equal(t, 10, stats.Live) // 9 sealed + 1 replayed
	assert.Equal(t, model.Generation(1), stats.Generation)

	rec, err := reopened.Get(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, "tail", rec.ExternalID)

	_, err = reopened.Get(ctx, ids[3])
	assert.True(t, model.IsNotFound(err))
}

func TestBackgroundCompactionTriggersAtThreshold(t *testing.T) {
	c, err := Open(t.TempDir(), testCollectionConfig(2), func(o *Options) {
		o.CompactionThreshold = 8
	})
	require.NoError(t, err)
	defer c.Close()

	insertN(t, c, 16, 2, rand.New(rand.NewSource(5)))

	assert.Eventually(t, func() bool {
		return c.store.Sealed() != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCompactionKeepsConcurrentInsertsResolvable(t *testing.T) {
	c := openTestCollection(t, t.TempDir(), 2)
	ctx := context.Background()

	// One writer inserts continuously while compactions run. An insert
	// whose WAL append finished just before the compactor snapshots the
	// log position must still be resolvable after the swap.
	stop := make(chan struct{})
	var mu sync.Mutex
	var acked []model.DocID
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id, err := c.Insert(ctx, InsertRequest{Vector: []float32{float32(i), 1}})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			acked = append(acked, id)
			mu.Unlock()
		}
	}()

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Compact(ctx))
	}
	close(stop)
	wg.Wait()

	for _, id := range acked {
		_, err := c.Get(ctx, id)
		require.NoError(t, err, "acknowledged doc %d not resolvable", id)
	}
}
