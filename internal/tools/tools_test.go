package tools

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
	"fieldline/internal/telemetry"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(eventType string, payload map[string]any) domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := domain.Event{ID: int64(len(r.events) + 1), Type: eventType, Payload: payload}
	r.events = append(r.events, evt)
	return evt
}

func (r *recorder) ofType(t string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func constTool(name string, value any) Definition {
	return Definition{Name: name, Invoke: func(context.Context, map[string]any) (any, error) { return value, nil }}
}

func failTool(name string) Definition {
	return Definition{Name: name, Invoke: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream 500")
	}}
}

func blockTool(name string) Definition {
	return Definition{Name: name, Invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func noRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

func TestRegistryRegisterAndEnsure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(constTool("weather", 1)))
	err := reg.Register(constTool("weather", 2))
	assert.ErrorIs(t, err, ErrToolExists)

	require.NoError(t, reg.Ensure(constTool("weather", 3), constTool("market_data", 4)))
	def, err := reg.Get("weather")
	require.NoError(t, err)
	v, _ := def.Invoke(context.Background(), nil)
	assert.Equal(t, 1, v, "first registration wins")

	names := []string{}
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"market_data", "weather"}, names)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Error(t, reg.Register(Definition{Name: "empty"}))
}

func TestExecuteOneErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:       "market_data",
		Parameters: map[string]Param{"commodity": {Type: "string", Required: true}, "region": {Type: "string"}},
		Invoke:     func(context.Context, map[string]any) (any, error) { return "ok", nil },
	}))
	require.NoError(t, reg.Register(Definition{Name: "panics", Invoke: func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	}}))
	require.NoError(t, reg.Register(failTool("broken")))
	h := NewHarness(reg, Options{Retry: noRetry()})
	ctx := context.Background()

	_, err := h.ExecuteOne(ctx, "missing", nil, 0)
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = h.ExecuteOne(ctx, "market_data", map[string]any{"region": "Punjab"}, 0)
	assert.ErrorIs(t, err, ErrInvalidParams)
	var execErr *ExecutionError
	assert.ErrorAs(t, err, &execErr)

	out, err := h.ExecuteOne(ctx, "market_data", map[string]any{"commodity": "wheat"}, 0)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "ok", out.Result)

	_, err = h.ExecuteOne(ctx, "panics", nil, 0)
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "nil map")

	out, err = h.ExecuteOne(ctx, "broken", nil, 0)
	assert.ErrorAs(t, err, &execErr)
	assert.False(t, out.Succeeded)
	assert.Equal(t, "execution", ErrorKind(err))
}

func TestTimedOutResultIsNeverDelivered(t *testing.T) {
	var finished atomic.Bool
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "stubborn", Invoke: func(context.Context, map[string]any) (any, error) {
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return "late", nil
	}}))
	h := NewHarness(reg, Options{Retry: noRetry()})

	began := time.Now()
	out, err := h.ExecuteOne(context.Background(), "stubborn", nil, 20*time.Millisecond)
	assert.Less(t, time.Since(began), 70*time.Millisecond, "caller must be unblocked at the timeout")
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stubborn", te.Tool)

	require.Eventually(t, finished.Load, time.Second, 10*time.Millisecond)
	assert.False(t, out.Succeeded)
	assert.Nil(t, out.Result)
}

func TestTimeoutCancelsCooperativeTools(t *testing.T) {
	cancelled := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "polite", Timeout: 15 * time.Millisecond, Invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}))
	h := NewHarness(reg, Options{Retry: noRetry()})
	_, err := h.ExecuteOne(context.Background(), "polite", nil, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("tool context was not cancelled")
	}
}

func TestRetriesOnlyTransientFailures(t *testing.T) {
	var flakyCalls, hardCalls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "flaky", Invoke: func(context.Context, map[string]any) (any, error) {
		if flakyCalls.Add(1) == 1 {
			return nil, Transient(errors.New("connection reset"))
		}
		return "recovered", nil
	}}))
	require.NoError(t, reg.Register(Definition{Name: "hard", Invoke: func(context.Context, map[string]any) (any, error) {
		hardCalls.Add(1)
		return nil, errors.New("bad request")
	}}))
	rec := &recorder{}
	h := NewHarness(reg, Options{Events: rec, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})

	out, err := h.ExecuteOne(context.Background(), "flaky", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Result)
	assert.Equal(t, 2, out.Attempts)

	out, err = h.ExecuteOne(context.Background(), "hard", nil, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), hardCalls.Load())

	assert.Len(t, rec.ofType(telemetry.EventToolStart), 3)
	results := rec.ofType(telemetry.EventToolResult)
	require.Len(t, results, 3)
	assert.Equal(t, false, results[0].Payload["success"])
	assert.Equal(t, true, results[1].Payload["success"])
	assert.Contains(t, results[1].Payload, "latency_ms")
}

func TestExecuteManyReportsEverySlot(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Ensure(
		Definition{Name: "ok", Invoke: func(ctx context.Context, p map[string]any) (any, error) {
			time.Sleep(time.Duration(p["delay"].(int)) * time.Millisecond)
			return p["i"], nil
		}},
		failTool("fail"),
		blockTool("slow"),
	))
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.IntN(12)
		k := rng.IntN(n + 1)
		failing := map[int]bool{}
		for _, idx := range rng.Perm(n)[:k] {
			failing[idx] = true
		}
		reqs := make([]Request, n)
		for i := range reqs {
			switch {
			case failing[i] && i%2 == 0:
				reqs[i] = Request{Tool: "fail"}
			case failing[i]:
				reqs[i] = Request{Tool: "slow", Timeout: 20 * time.Millisecond}
			default:
				reqs[i] = Request{Tool: "ok", Params: map[string]any{"i": i, "delay": rng.IntN(15)}}
			}
		}
		h := NewHarness(reg, Options{Retry: noRetry(), MaxConcurrency: 1 + rng.IntN(4)})
		outcomes := h.ExecuteMany(context.Background(), reqs)

		require.Len(t, outcomes, n)
		failed := 0
		for i, out := range outcomes {
			assert.Equal(t, reqs[i].Tool, out.Tool, "trial %d slot %d", trial, i)
			if failing[i] {
				assert.False(t, out.Succeeded)
				assert.Error(t, out.Err)
				failed++
				continue
			}
			assert.True(t, out.Succeeded, fmt.Sprintf("trial %d slot %d: %v", trial, i, out.Err))
			assert.Equal(t, i, out.Result)
		}
		assert.Equal(t, k, failed)
	}
}

func TestExecuteManyFailureDoesNotCancelSiblings(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Ensure(failTool("fail"), Definition{Name: "steady", Invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(40 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}))
	h := NewHarness(reg, Options{Retry: noRetry()})
	outs := h.ExecuteMany(context.Background(), []Request{{Tool: "fail"}, {Tool: "steady"}, {Tool: "missing"}})
	require.Len(t, outs, 3)
	assert.False(t, outs[0].Succeeded)
	assert.True(t, outs[1].Succeeded)
	assert.ErrorIs(t, outs[2].Err, ErrToolNotFound)
}

func TestCachedServesReadOnlyResults(t *testing.T) {
	var calls atomic.Int32
	def := Definition{Name: "weather", ReadOnly: true, Invoke: func(_ context.Context, p map[string]any) (any, error) {
		calls.Add(1)
		if p["lat"] == nil {
			return nil, errors.New("no location")
		}
		return "sunny", nil
	}}
	cache, err := NewResultCache(8, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	cached := Cached(def, cache)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := cached.Invoke(ctx, map[string]any{"lat": 30.1, "lon": 75.2})
		require.NoError(t, err)
		assert.Equal(t, "sunny", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err = cached.Invoke(ctx, map[string]any{})
	assert.Error(t, err)
	_, _ = cached.Invoke(ctx, map[string]any{})
	assert.Equal(t, int32(3), calls.Load(), "errors are not cached")

	now = now.Add(2 * time.Minute)
	_, _ = cached.Invoke(ctx, map[string]any{"lon": 75.2, "lat": 30.1})
	assert.Equal(t, int32(4), calls.Load(), "expired entries are refreshed")

	writer := Cached(Definition{Name: "notify", Invoke: def.Invoke}, cache)
	_, _ = writer.Invoke(ctx, map[string]any{"lat": 1.0})
	_, _ = writer.Invoke(ctx, map[string]any{"lat": 1.0})
	assert.Equal(t, int32(6), calls.Load(), "non read-only tools bypass the cache")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&TimeoutError{Tool: "x"}))
	assert.True(t, IsTransient(&ExecutionError{Tool: "x", Err: Transient(errors.New("503"))}))
	assert.False(t, IsTransient(&ExecutionError{Tool: "x", Err: errors.New("400")}))
	assert.False(t, IsTransient(nil))
	assert.Equal(t, "a=x, b=2", SummarizeParams(map[string]any{"b": 2, "a": "x"}))
}
