package tiering

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hupe1980/stratum/blobstore"
	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/segment"
)

// Options configure the tiering engine.
type Options struct {
	// Policy decides demotion.
	Policy Policy
	// Schedule is a cron expression for the background sweep
	// ("@every 5m" style expressions are accepted).
	Schedule string
	// UploadBytesPerSec throttles snapshot uploads. Zero means
	// unlimited.
	UploadBytesPerSec int
	// Logger receives sweep and rehydration events.
	Logger *slog.Logger
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		Policy:   DefaultPolicy(),
		Schedule: "@every 5m",
		Logger:   slog.Default(),
	}
}

// Engine runs the demotion sweep and serves rehydration for every
// registered collection. It never holds collection locks across
// network I/O: demotion reads an immutable sealed generation, uploads
// it, and only then flips the store's cold reference.
type Engine struct {
	blob    blobstore.BlobStore
	opts    Options
	tracker *AccessTracker

	limiter *rate.Limiter
	group   singleflight.Group
	cron    *cron.Cron

	mu      sync.Mutex
	targets map[string]*segment.Store

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a tiering engine backed by blob.
func NewEngine(blob blobstore.BlobStore, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		blob:    blob,
		opts:    opts,
		tracker: NewAccessTracker(),
		targets: make(map[string]*segment.Store),
		now:     time.Now,
	}
	if opts.UploadBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.UploadBytesPerSec), opts.UploadBytesPerSec)
	}
	return e
}

// Register adds a collection's segment store to the sweep and wires
// the store's rehydration path through the engine. name must be
// unique across tenants (use "tenant/collection").
func (e *Engine) Register(name string, store *segment.Store) {
	e.mu.Lock()
	e.targets[name] = store
	e.mu.Unlock()
	store.SetRehydrator(&boundRehydrator{engine: e, name: name})
	e.tracker.Touch(name)
}

// Unregister removes a collection from the sweep.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	delete(e.targets, name)
	e.mu.Unlock()
}

// Touch records an access to name. Collections call this on every
// read and write so the sweep sees accurate recency.
func (e *Engine) Touch(name string) {
	e.tracker.Touch(name)
}

// Start begins the background sweep on the configured schedule.
func (e *Engine) Start() error {
	if e.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(e.opts.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := e.RunOnce(ctx); err != nil {
			e.opts.Logger.Error("tiering sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("tiering: invalid schedule %q: %w", e.opts.Schedule, err)
	}
	c.Start()
	e.cron = c
	return nil
}

// Stop halts the background sweep and waits for a running sweep to
// finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
}

// RunOnce performs one demotion sweep over all registered collections.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.mu.Lock()
	targets := make(map[string]*segment.Store, len(e.targets))
	for name, store := range e.targets {
		targets[name] = store
	}
	e.mu.Unlock()

	now := e.now()
	var firstErr error
	for name, store := range targets {
		seg := store.Sealed()
		if seg == nil {
			continue
		}
		last, _ := e.tracker.LastAccess(name)
		if !e.opts.Policy.ShouldDemote(last, now) {
			continue
		}
		if err := e.demote(ctx, name, store, seg); err != nil {
			e.opts.Logger.Error("demotion failed",
				slog.String("collection", name),
				slog.Uint64("generation", uint64(seg.Generation())),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) demote(ctx context.Context, name string, store *segment.Store, seg *segment.Segment) error {
	data, err := EncodeSnapshot(seg)
	if err != nil {
		return err
	}
	if err := e.waitUpload(ctx, len(data)); err != nil {
		return err
	}

	key := snapshotKey(name, seg.Generation())
	if err := e.blob.Put(ctx, key, data); err != nil {
		return fmt.Errorf("tiering: upload %s: %w", key, err)
	}

	// A query that slipped in during the upload keeps the collection
	// warm; skip eviction and let the next sweep decide again.
	if last, _ := e.tracker.LastAccess(name); !e.opts.Policy.ShouldDemote(last, e.now()) {
		return nil
	}
	// Evict re-checks the generation: a compaction that published a
	// successor during the upload leaves the store untouched and the
	// uploaded snapshot becomes garbage for the next sweep.
	evicted, err := store.Evict(seg.Generation(), key)
	if err != nil {
		return err
	}
	if !evicted {
		return nil
	}

	e.opts.Logger.Info("demoted generation to cold tier",
		slog.String("collection", name),
		slog.Uint64("generation", uint64(seg.Generation())),
		slog.Int("bytes", len(data)))
	return nil
}

func (e *Engine) waitUpload(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}
	burst := e.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := e.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// rehydrate downloads and decodes a cold generation. Concurrent
// requests for the same object share one download.
func (e *Engine) rehydrate(ctx context.Context, name string, ref segment.ColdRef) (*segment.Segment, error) {
	v, err, _ := e.group.Do(ref.Key, func() (any, error) {
		start := e.now()
		data, err := blobstore.ReadAll(ctx, e.blob, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("tiering: download %s: %w", ref.Key, err)
		}
		seg, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		e.opts.Logger.Info("rehydrated generation from cold tier",
			slog.String("collection", name),
			slog.Uint64("generation", uint64(seg.Generation())),
			slog.Duration("took", e.now().Sub(start)))
		return seg, nil
	})
	if err != nil {
		return nil, err
	}
	e.tracker.Touch(name)
	return v.(*segment.Segment), nil
}

type boundRehydrator struct {
	engine *Engine
	name   string
}

func (r *boundRehydrator) Rehydrate(ctx context.Context, ref segment.ColdRef) (*segment.Segment, error) {
	return r.engine.rehydrate(ctx, r.name, ref)
}

func snapshotKey(name string, gen model.Generation) string {
	return fmt.Sprintf("%s/gen-%016d.parquet", name, uint64(gen))
}
