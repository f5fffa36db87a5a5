package hnsw

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stratum/model"
)

func TestInsertAssignsDenseIDs(t *testing.T) {
	g := New(3)

	for i := 0; i < 10; i++ {
		id, err := g.Insert([]float32{float32(i), 0, 0})
		require.NoError(t, err)
		assert.Equal(t, uint32(i), id)
	}
	assert.Equal(t, 10, g.Len())
	assert.Equal(t, 10, g.Live())
}

func TestInsertDimensionMismatch(t *testing.T) {
	g := New(3)

	_, err := g.Insert([]float32{1, 2})
	require.Error(t, err)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSearchReturnsNearest(t *testing.T) {
	g := New(2)

	vectors := [][]float32{
		{0, 0}, {1, 0}, {0, 1}, {5, 5}, {10, 10},
	}
	for _, v := range vectors {
		_, err := g.Insert(v)
		require.NoError(t, err)
	}

	results, err := g.Search(context.Background(), []float32{0.1, 0.1}, 3, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, uint32(0), results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestDeleteExcludesFromResults(t *testing.T) {
	g := New(2)

	id0, err := g.Insert([]float32{0, 0})
	require.NoError(t, err)
	_, err = g.Insert([]float32{1, 0})
	require.NoError(t, err)
	_, err = g.Insert([]float32{2, 0})
	require.NoError(t, err)

	require.NoError(t, g.Delete(id0))
	assert.True(t, g.Deleted(id0))
	assert.Equal(t, 2, g.Live())

	results, err := g.Search(context.Background(), []float32{0, 0}, 3, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, c := range results {
		assert.NotEqual(t, id0, c.ID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	g := New(2)

	id, err := g.Insert([]float32{1, 1})
	require.NoError(t, err)

	require.NoError(t, g.Delete(id))
	require.NoError(t, g.Delete(id))
	assert.Equal(t, 0, g.Live())

	err = g.Delete(42)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSearchWidensPastTombstones(t *testing.T) {
	g := New(2)

	// A tight cluster near the query that gets tombstoned entirely, plus
	// live outliers. A naive ef-window search would return fewer than k
	// live results without widening.
	var clustered []uint32
	for i := 0; i < 50; i++ {
		id, err := g.Insert([]float32{float32(i) * 0.01, 0})
		require.NoError(t, err)
		clustered = append(clustered, id)
	}
	for i := 0; i < 10; i++ {
		_, err := g.Insert([]float32{100 + float32(i), 100})
		require.NoError(t, err)
	}
	for _, id := range clustered {
		require.NoError(t, g.Delete(id))
	}

	results, err := g.Search(context.Background(), []float32{0, 0}, 5, 8)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, c := range results {
		assert.False(t, g.Deleted(c.ID))
	}
}

func TestSearchFewerLiveThanK(t *testing.T) {
	g := New(2)

	_, err := g.Insert([]float32{1, 1})
	require.NoError(t, err)
	_, err = g.Insert([]float32{2, 2})
	require.NoError(t, err)

	results, err := g.Search(context.Background(), []float32{0, 0}, 10, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchEmptyGraph(t *testing.T) {
	g := New(2)

	results, err := g.Search(context.Background(), []float32{0, 0}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchCancellation(t *testing.T) {
	g := New(4)
	for i := 0; i < 200; i++ {
		_, err := g.Insert([]float32{rand.Float32(), rand.Float32(), rand.Float32(), rand.Float32()})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Search(ctx, []float32{0.5, 0.5, 0.5, 0.5}, 10, 50)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	g := New(8, func(o *Options) {
		o.M = 16
		o.EfConstruction = 200
	})

	const n = 500
	for i := 0; i < n; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()
		}
		_, err := g.Insert(v)
		require.NoError(t, err)
	}

	const k = 10
	var hits, total int
	for trial := 0; trial < 20; trial++ {
		q := make([]float32, 8)
		for j := range q {
			q[j] = rng.Float32()
		}

		approx, err := g.Search(context.Background(), q, k, 100)
		require.NoError(t, err)
		exact, err := g.BruteSearch(q, k)
		require.NoError(t, err)

		exactSet := make(map[uint32]struct{}, len(exact))
		for _, c := range exact {
			exactSet[c.ID] = struct{}{}
		}
		for _, c := range approx {
			if _, ok := exactSet[c.ID]; ok {
				hits++
			}
		}
		total += k
	}

	recall := float64(hits) / float64(total)
	assert.Greater(t, recall, 0.9, "recall too low: %f", recall)
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	g := New(4)
	for i := 0; i < 100; i++ {
		_, err := g.Insert([]float32{rand.Float32(), rand.Float32(), rand.Float32(), rand.Float32()})
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_, err := g.Search(context.Background(), []float32{0.5, 0.5, 0.5, 0.5}, 5, 20)
				assert.NoError(t, err)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := g.Insert([]float32{rand.Float32(), rand.Float32(), rand.Float32(), rand.Float32()})
		require.NoError(t, err)
	}
	close(stop)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("searcher did not stop")
	}
}

func TestLayerAssignmentBounded(t *testing.T) {
	ml := 1 / math.Log(float64(DefaultOptions.M))

	// A draw of exactly zero must not explode into an infinite layer.
	assert.Equal(t, layerCap, layerFor(0, ml))
	assert.Equal(t, 0, layerFor(1, ml))
	for i := 0; i < 10000; i++ {
		l := layerFor(rand.Float64(), ml)
		assert.GreaterOrEqual(t, l, 0)
		assert.LessOrEqual(t, l, layerCap)
	}
}
