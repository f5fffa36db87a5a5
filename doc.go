// Package stratum is an embedded multi-tenant vector database with
// tiered storage.
//
// Every collection is backed by a write-ahead log, an in-memory HNSW
// index, and an immutable sealed segment per generation. Mutations are
// durable before they are visible; deletes are tombstones until a
// compaction physically drops them and publishes the next generation
// with a single atomic swap. Cold collections can be demoted to object
// storage as Parquet snapshots and are rehydrated transparently on the
// next access.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := stratum.Open("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	err = db.CreateCollection(ctx, model.CollectionConfig{
//	    TenantID:  "acme",
//	    Name:      "products",
//	    Dimension: 128,
//	    Metric:    model.MetricCosine,
//	    HNSW:      model.DefaultHNSWParams(),
//	})
//
//	col, err := db.Collection(ctx, "acme", "products")
//	id, err := col.Insert(ctx, collection.InsertRequest{
//	    Vector:   vec,
//	    Metadata: model.Metadata{"category": "tech"},
//	})
//
//	results, err := col.Query(ctx, collection.QueryRequest{
//	    Vector: query,
//	    K:      10,
//	})
//
// # Configuration
//
// OpenFromConfig wires the whole stack from STRATUM_ environment
// variables, including the MinIO-backed cold tier. See the config
// package for the full variable list.
package stratum
