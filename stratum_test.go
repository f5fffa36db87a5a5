package stratum

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stratum/blobstore"
	"github.com/hupe1980/stratum/collection"
	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/tiering"
)

func openTestDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	fns := append([]Option{WithLogger(NoopLogger()), WithCompactionThreshold(0)}, optFns...)
	db, err := Open(t.TempDir(), fns...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testCollection(tenant, name string) model.CollectionConfig {
	return model.CollectionConfig{
		TenantID:  tenant,
		Name:      name,
		Dimension: 4,
		Metric:    model.MetricL2,
	}
}

func TestCreateAndUseCollection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "products")))

	col, err := db.Collection(ctx, "acme", "products")
	require.NoError(t, err)

	// Zero HNSW params were filled from defaults.
	assert.Equal(t, model.DefaultHNSWParams(), col.Config().HNSW)

	id, err := col.Insert(ctx, collection.InsertRequest{Vector: []float32{1, 2, 3, 4}})
	require.NoError(t, err)

	results, err := col.Query(ctx, collection.QueryRequest{Vector: []float32{1, 2, 3, 4}, K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].DocID)

	// Second lookup returns the same loaded instance.
	again, err := db.Collection(ctx, "acme", "products")
	require.NoError(t, err)
	assert.Same(t, col, again)
}

func TestCollectionNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Collection(context.Background(), "acme", "missing")
	assert.True(t, IsNotFound(err))
}

func TestCreateCollectionValidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var vErr *ValidationError
	require.ErrorAs(t, db.CreateCollection(ctx, testCollection("", "x")), &vErr)
	require.ErrorAs(t, db.CreateCollection(ctx, testCollection("a/b", "x")), &vErr)
	require.ErrorAs(t, db.CreateCollection(ctx, testCollection("acme", "../up")), &vErr)
}

func TestTenantsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	require.NoError(t, db.CreateCollection(ctx, testCollection("globex", "docs")))

	a, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	b, err := db.Collection(ctx, "globex", "docs")
	require.NoError(t, err)

	_, err = a.Insert(ctx, collection.InsertRequest{Vector: []float32{1, 0, 0, 0}})
	require.NoError(t, err)

	assert.Equal(t, 1, a.Stats().Live)
	assert.Equal(t, 0, b.Stats().Live)
}

func TestDropCollection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	_, err = col.Insert(ctx, collection.InsertRequest{Vector: []float32{1, 0, 0, 0}})
	require.NoError(t, err)

	require.NoError(t, db.DropCollection(ctx, "acme", "docs"))

	_, err = db.Collection(ctx, "acme", "docs")
	assert.True(t, IsNotFound(err))

	// Recreating starts empty.
	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err = db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, 0, col.Stats().Live)
}

func TestReopenDatabase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, WithLogger(NoopLogger()), WithCompactionThreshold(0))
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	id, err := col.Insert(ctx, collection.InsertRequest{ExternalID: "keep", Vector: []float32{1, 2, 3, 4}})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir, WithLogger(NoopLogger()), WithCompactionThreshold(0))
	require.NoError(t, err)
	defer db2.Close()

	col2, err := db2.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	rec, err := col2.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "keep", rec.ExternalID)
}

func TestBackupReturnsMarkers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = col.Insert(ctx, collection.InsertRequest{Vector: []float32{float32(i), 0, 0, 0}})
		require.NoError(t, err)
	}

	markers, err := db.Backup(ctx, t.TempDir())
	require.NoError(t, err)
	require.Contains(t, markers, "acme/docs")
	assert.Equal(t, model.LSN(3), markers["acme/docs"].LSN)
}

func TestColdTierEndToEnd(t *testing.T) {
	blob := blobstore.NewMemoryStore()
	db := openTestDB(t, WithColdStore(blob, func(o *tiering.Options) {
		o.Policy = tiering.Policy{ColdAfter: time.Nanosecond}
		o.Schedule = "@every 1h" // sweep driven manually below
	}))
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = col.Insert(ctx, collection.InsertRequest{Vector: []float32{float32(i), 0, 0, 0}})
		require.NoError(t, err)
	}
	require.NoError(t, col.Compact(ctx))
	require.NotNil(t, col.Store().Sealed())

	// Everything is idle; the sweep demotes the sealed generation.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, db.tier.RunOnce(ctx))
	require.Nil(t, col.Store().Sealed())

	names, err := blob.List(ctx, "acme/docs/")
	require.NoError(t, err)
	require.Len(t, names, 1)

	// Queries transparently rehydrate from the cold tier.
	results, err := col.Query(ctx, collection.QueryRequest{Vector: []float32{0, 0, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.NotNil(t, col.Store().Sealed())
}

func TestScheduledCompaction(t *testing.T) {
	db := openTestDB(t, WithCompactionSchedule("@every 50ms"))
	ctx := context.Background()

	require.NoError(t, db.CreateCollection(ctx, testCollection("acme", "docs")))
	col, err := db.Collection(ctx, "acme", "docs")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = col.Insert(ctx, collection.InsertRequest{Vector: []float32{float32(i), 0, 0, 0}})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		seg := col.Store().Sealed()
		return seg != nil && seg.Len() == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInvalidCompactionSchedule(t *testing.T) {
	_, err := Open(t.TempDir(), WithLogger(NoopLogger()), WithCompactionSchedule("not a schedule"))
	require.Error(t, err)
}
