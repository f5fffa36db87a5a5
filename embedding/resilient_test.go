package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(o *ResilientOptions) {
	o.Timeout = time.Second
	o.MaxRetries = 2
	o.InitialInterval = time.Millisecond
	o.FailureThreshold = 2
	o.CooldownPeriod = time.Minute
}

func TestResilientSuccess(t *testing.T) {
	inner := Func(func(_ context.Context, text string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	})
	r := NewResilient(inner, fastOpts)

	v, err := r.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)

	vs, err := r.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
}

func TestResilientRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	inner := Func(func(_ context.Context, text string) ([]float32, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []float32{1}, nil
	})
	r := NewResilient(inner, fastOpts)

	v, err := r.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, v)
	assert.Equal(t, int64(3), calls.Load())
}

func TestResilientCircuitOpensAndRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int64
	inner := Func(func(_ context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("down")
		}
		return []float32{1}, nil
	})
	r := NewResilient(inner, fastOpts)

	// Two failed calls (threshold) open the circuit.
	_, err := r.EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	_, err = r.EmbedQuery(context.Background(), "x")
	require.Error(t, err)

	// Now calls are shed without reaching the provider.
	before := calls.Load()
	_, err = r.EmbedQuery(context.Background(), "x")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())

	// After the cooldown a probe goes through; success closes the
	// circuit again.
	fail.Store(false)
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = r.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
	_, err = r.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
}

func TestResilientContextCancellationIsPermanent(t *testing.T) {
	var calls atomic.Int64
	inner := Func(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, ctx.Err()
	})
	r := NewResilient(inner, fastOpts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.EmbedQuery(ctx, "x")
	require.Error(t, err)
	// No retries after a canceled context.
	assert.Equal(t, int64(1), calls.Load())
}
