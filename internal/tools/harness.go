package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldline/internal/domain"
	"fieldline/internal/telemetry"
)

// Emitter records telemetry events.
type Emitter interface {
	Emit(eventType string, payload map[string]any) domain.Event
}

// Request is one entry of a batch.
type Request struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"`
}

// Outcome is the settled result of one request.
type Outcome struct {
	Tool      string        `json:"tool"`
	Succeeded bool          `json:"succeeded"`
	Result    any           `json:"result,omitempty"`
	Err       error         `json:"-"`
	Latency   time.Duration `json:"latency"`
	Attempts  int           `json:"attempts"`
}

type Options struct {
	DefaultTimeout time.Duration
	// MaxConcurrency bounds ExecuteMany fan-out. Zero means unbounded.
	MaxConcurrency int
	Retry          RetryPolicy
	Events         Emitter
	Logger         *zap.Logger
}

// Harness runs registered tools with per-call timers, retries and failure isolation.
type Harness struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
}

func NewHarness(registry *Registry, opts Options) *Harness {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 8 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{registry: registry, opts: opts, logger: logger}
}

func (h *Harness) Registry() *Registry { return h.registry }

// ExecuteOne runs a single tool. The returned error is also stored in the Outcome.
// A timed-out implementation has its context cancelled and its late result discarded.
func (h *Harness) ExecuteOne(ctx context.Context, name string, params map[string]any, timeout time.Duration) (Outcome, error) {
	out := h.execute(ctx, Request{Tool: name, Params: params, Timeout: timeout})
	return out, out.Err
}

// ExecuteMany runs every request concurrently and waits for all of them. Outcomes
// are returned in request order; failures are reported per slot, never as an error.
func (h *Harness) ExecuteMany(ctx context.Context, reqs []Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	if h.opts.MaxConcurrency > 0 {
		g.SetLimit(h.opts.MaxConcurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = h.execute(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (h *Harness) execute(ctx context.Context, req Request) Outcome {
	start := time.Now()
	def, err := h.registry.Get(req.Tool)
	if err == nil {
		err = checkParams(def, req.Params)
	}
	if err != nil {
		h.emitStart(req, 1)
		out := Outcome{Tool: req.Tool, Err: err, Latency: time.Since(start), Attempts: 1}
		h.emitResult(req, out, 1)
		return out
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if timeout <= 0 {
		timeout = h.opts.DefaultTimeout
	}

	var (
		result   any
		attempts int
	)
	for attempt := 1; attempt <= h.opts.Retry.attempts(); attempt++ {
		attempts = attempt
		h.emitStart(req, attempt)
		began := time.Now()
		result, err = h.attempt(ctx, def, req.Params, timeout)
		h.emitResult(req, Outcome{Tool: def.Name, Succeeded: err == nil, Err: err, Latency: time.Since(began)}, attempt)
		if err == nil || !IsTransient(err) || attempt == h.opts.Retry.attempts() {
			break
		}
		h.logger.Debug("retrying tool", zap.String("tool", def.Name), zap.Int("attempt", attempt), zap.Error(err))
		if serr := sleepCtx(ctx, h.opts.Retry.backoff(attempt)); serr != nil {
			break
		}
	}
	out := Outcome{Tool: def.Name, Succeeded: err == nil, Err: err, Latency: time.Since(start), Attempts: attempts}
	if err == nil {
		out.Result = result
	} else {
		h.logger.Info("tool failed", zap.String("tool", def.Name), zap.Int("attempts", attempts), zap.Error(err))
	}
	return out
}

type callResult struct {
	value any
	err   error
}

func (h *Harness) attempt(ctx context.Context, def Definition, params map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Buffered so an abandoned call can still finish without blocking.
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := def.Invoke(callCtx, params)
		done <- callResult{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ExecutionError{Tool: def.Name, Err: r.err}
		}
		return r.value, nil
	case <-timer.C:
		return nil, &TimeoutError{Tool: def.Name, After: timeout}
	case <-ctx.Done():
		return nil, &ExecutionError{Tool: def.Name, Err: ctx.Err()}
	}
}

func checkParams(def Definition, params map[string]any) error {
	var missing []string
	for name, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ExecutionError{Tool: def.Name, Err: fmt.Errorf("%w: missing %s", ErrInvalidParams, strings.Join(missing, ", "))}
}

func (h *Harness) emitStart(req Request, attempt int) {
	if h.opts.Events == nil {
		return
	}
	h.opts.Events.Emit(telemetry.EventToolStart, map[string]any{
		"tool":    req.Tool,
		"params":  SummarizeParams(req.Params),
		"attempt": attempt,
	})
}

func (h *Harness) emitResult(req Request, out Outcome, attempt int) {
	if h.opts.Events == nil {
		return
	}
	payload := map[string]any{
		"tool":       req.Tool,
		"params":     SummarizeParams(req.Params),
		"attempt":    attempt,
		"success":    out.Succeeded,
		"latency_ms": float64(out.Latency) / float64(time.Millisecond),
	}
	if out.Err != nil {
		payload["error"] = out.Err.Error()
		payload["error_kind"] = ErrorKind(out.Err)
	}
	h.opts.Events.Emit(telemetry.EventToolResult, payload)
}

// ErrorKind names the taxonomy bucket of a harness error.
func ErrorKind(err error) string {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.As(err, &execErr):
		return "execution"
	default:
		return "unknown"
	}
}

const maxParamSummary = 160

// SummarizeParams renders params as sorted key=value pairs, truncated for logs.
func SummarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, params[k])
	}
	s := b.String()
	if len(s) > maxParamSummary {
		s = s[:maxParamSummary] + "..."
	}
	return s
}
