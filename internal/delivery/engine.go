package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
	"github.com/BrandonDHaskell/Portunus/presence/internal/keylock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/pubsub"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

const (
	DefaultBatchSize    = 256
	DefaultPollInterval = 5 * time.Second

	tracerName = "github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
)

// Transport sends one payload. A nil error is an acknowledgement. Errors
// are classified with the errs package: errs.CodeTerminal is never retried,
// anything else is.
type Transport interface {
	Send(ctx context.Context, endpoint string, payload []byte, idempotencyKey string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint string, payload []byte, idempotencyKey string) error

func (f TransportFunc) Send(ctx context.Context, endpoint string, payload []byte, idempotencyKey string) error {
	return f(ctx, endpoint, payload, idempotencyKey)
}

// Result is what one attempt did to a task.
type Result string

const (
	ResultAcknowledged   Result = "acknowledged"
	ResultRetryScheduled Result = "retry_scheduled"
	ResultFastFailed     Result = "fast_failed"
	ResultDeadLettered   Result = "dead_lettered"
	// ResultInProgress means another attempt holds or has already settled
	// the task; its outcome arrives through Subscribe.
	ResultInProgress Result = "in_progress"
)

// Outcome reports one attempt. Task reflects the state after the attempt.
type Outcome struct {
	Task   Task
	Result Result
	Err    error
	At     time.Time
}

// Report summarizes a Drain.
type Report struct {
	Attempted    int
	Acknowledged int
	Retried      int
	FastFailed   int
	DeadLettered []Task
}

func (r *Report) add(o Outcome) {
	switch o.Result {
	case ResultAcknowledged:
		r.Attempted++
		r.Acknowledged++
	case ResultRetryScheduled:
		r.Attempted++
		r.Retried++
	case ResultDeadLettered:
		r.Attempted++
		r.DeadLettered = append(r.DeadLettered, o.Task)
	case ResultFastFailed:
		r.FastFailed++
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

func WithTelemetry(s telemetry.Sink) Option {
	return func(e *Engine) { e.sink = telemetry.OrNop(s) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p.normalized() }
}

func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(e *Engine) { e.breakerCfg = cfg }
}

// WithMaxAttempts sets how many failed attempts dead-letter a task.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds each Transport.Send call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.attemptTimeout = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine owns every task from Enqueue until it is acknowledged or
// dead-lettered.
type Engine struct {
	store     Store
	transport Transport

	clock          clock.Clock
	sink           telemetry.Sink
	logger         *slog.Logger
	tracer         trace.Tracer
	retry          RetryPolicy
	breakerCfg     BreakerConfig
	maxAttempts    int
	attemptTimeout time.Duration
	batchSize      int

	breakers  *BreakerSet
	endpoints keylock.Map[string]
	outcomes  pubsub.Hub[Outcome]
	wake      chan struct{}
}

func New(store Store, tr Transport, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		transport:      tr,
		clock:          clock.Real{},
		sink:           telemetry.Nop(),
		logger:         telemetry.NopLogger(),
		tracer:         otel.Tracer(tracerName),
		retry:          DefaultRetryPolicy(),
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		batchSize:      DefaultBatchSize,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = NewBreakerSet(e.breakerCfg, e.breakerChanged)
	return e
}

// Breakers exposes the per-endpoint breakers for inspection.
func (e *Engine) Breakers() *BreakerSet { return e.breakers }

// Subscribe registers fn for every attempt outcome. fn runs on the
// delivering goroutine and must not block.
func (e *Engine) Subscribe(fn func(Outcome)) (unsubscribe func()) {
	return e.outcomes.Subscribe(fn)
}

// Enqueue persists t as pending. Enqueueing a key that already exists is a
// no-op, so callers may retry Enqueue freely.
func (e *Engine) Enqueue(ctx context.Context, t Task) error {
	inserted, err := e.insert(ctx, t)
	if err == nil && inserted {
		e.kick()
	}
	return err
}

// insert persists t without waking Run.
func (e *Engine) insert(ctx context.Context, t Task) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}

	now := e.clock.Now()
	t.Status = StatusPending
	t.Attempt = 0
	t.LastError = ""
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = now
	}

	inserted, err := e.store.Insert(ctx, t)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", t.EventType, err)
	}
	if !inserted {
		e.logger.Debug("delivery: duplicate enqueue ignored", "key", t.IdempotencyKey)
		return false, nil
	}

	e.sink.Record(ctx, telemetry.Info(telemetry.DeliveryEnqueued, taskAttrs(t)...))
	return true, nil
}

// Drain attempts every task due now. Tasks are grouped by endpoint; each
// endpoint's tasks are sent in order by one goroutine.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	tasks, err := e.store.ClaimDue(ctx, e.clock.Now(), e.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("claim due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return Report{}, nil
	}

	var order []string
	byEndpoint := make(map[string][]Task)
	for _, t := range tasks {
		if _, ok := byEndpoint[t.Endpoint]; !ok {
			order = append(order, t.Endpoint)
		}
		byEndpoint[t.Endpoint] = append(byEndpoint[t.Endpoint], t)
	}

	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	for _, endpoint := range order {
		queue := byEndpoint[endpoint]
		g.Go(func() error {
			var errsOut []error
			for _, t := range queue {
				o, err := e.attempt(ctx, t)
				if err != nil {
					errsOut = append(errsOut, err)
					continue
				}
				mu.Lock()
				report.add(o)
				mu.Unlock()
			}
			return errors.Join(errsOut...)
		})
	}
	err = g.Wait()
	return report, err
}

// DeliverNow enqueues t and attempts it immediately, outside the schedule.
// Delivery failures are reported in the Outcome. A task another attempt
// already holds yields ResultInProgress. The error is reserved for store
// failures and dead-lettered tasks.
func (e *Engine) DeliverNow(ctx context.Context, t Task) (Outcome, error) {
	if _, err := e.insert(ctx, t); err != nil {
		return Outcome{}, err
	}

	claimed, ok, err := e.store.Claim(ctx, t.IdempotencyKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim %s: %w", t.IdempotencyKey, err)
	}
	if ok {
		return e.attempt(ctx, claimed)
	}

	current, found, err := e.store.Get(ctx, t.IdempotencyKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("get %s: %w", t.IdempotencyKey, err)
	}
	if found && current.Status == StatusDeadLettered {
		return Outcome{}, errs.WithMetadata(errs.CodeNotFound, "task is dead-lettered",
			map[string]string{"idempotency_key": t.IdempotencyKey})
	}
	if !found {
		current = t
	}
	return Outcome{Task: current, Result: ResultInProgress, At: e.clock.Now()}, nil
}

// CancelPending drops not-yet-sent tasks of eventType for a session.
func (e *Engine) CancelPending(ctx context.Context, sessionKey string, eventType EventType) (int, error) {
	n, err := e.store.CancelPending(ctx, sessionKey, eventType)
	if err != nil {
		return 0, fmt.Errorf("cancel pending %s: %w", eventType, err)
	}
	if n > 0 {
		e.sink.Record(ctx, telemetry.Info(telemetry.DeliveryCancelled,
			slog.String("session_key", sessionKey),
			slog.String("event_type", string(eventType)),
			slog.Int("count", n),
		))
	}
	return n, nil
}

// Recover returns tasks left in flight by a terminated process to pending.
// Call it once at startup, before Run.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	n, err := e.store.RecoverInFlight(ctx, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recover in-flight tasks: %w", err)
	}
	if n > 0 {
		e.logger.Info("delivery: recovered in-flight tasks", "count", n)
		e.kick()
	}
	return n, nil
}

func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	return e.store.List(ctx, StatusDeadLettered, limit)
}

func (e *Engine) Pending(ctx context.Context, limit int) ([]Task, error) {
	return e.store.List(ctx, StatusPending, limit)
}

// Requeue gives a dead-lettered task a fresh attempt budget.
func (e *Engine) Requeue(ctx context.Context, key string) error {
	if err := e.store.Requeue(ctx, key, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Info("delivery: requeued dead letter", "key", key)
	e.kick()
	return nil
}

// Run drains every pollInterval on the engine clock and whenever new work
// is enqueued, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	for {
		report, err := e.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("delivery: drain failed", "error", err)
		}
		if report.Attempted > 0 || report.FastFailed > 0 {
			e.logger.Debug("delivery: drained",
				"attempted", report.Attempted,
				"acknowledged", report.Acknowledged,
				"retried", report.Retried,
				"fast_failed", report.FastFailed,
				"dead_lettered", len(report.DeadLettered),
			)
		}

		poll := e.clock.AfterFunc(pollInterval, e.kick)
		select {
		case <-ctx.Done():
			poll.Stop()
			return
		case <-e.wake:
			poll.Stop()
		}
	}
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// attempt sends one claimed task and settles it in the store. The returned
// error is a store failure; the delivery result is in the Outcome.
func (e *Engine) attempt(ctx context.Context, t Task) (Outcome, error) {
	unlock := e.endpoints.Lock(t.Endpoint)
	defer unlock()

	// Settle the row even if the caller is shutting down mid-attempt.
	settleCtx := context.WithoutCancel(ctx)
	breaker := e.breakers.Get(t.Endpoint)

	now := e.clock.Now()
	if err := breaker.Allow(now); err != nil {
		next := now
		var ce *errs.Error
		if errors.As(err, &ce) && ce.RetryAfter.After(now) {
			next = ce.RetryAfter
		}
		if serr := e.store.Reschedule(settleCtx, t.IdempotencyKey, t.Attempt, next, err.Error()); serr != nil {
			return Outcome{}, fmt.Errorf("reschedule %s: %w", t.IdempotencyKey, serr)
		}
		t.Status, t.NextAttemptAt, t.LastError = StatusPending, next, err.Error()
		return e.settle(ctx, Outcome{Task: t, Result: ResultFastFailed, Err: err, At: now}), nil
	}

	t.Attempt++
	sendErr := e.send(ctx, t)
	now = e.clock.Now()

	if sendErr == nil {
		breaker.Record(now, true)
		if err := e.store.Acknowledge(settleCtx, t.IdempotencyKey); err != nil {
			return Outcome{}, fmt.Errorf("acknowledge %s: %w", t.IdempotencyKey, err)
		}
		t.Status, t.LastError = StatusAcknowledged, ""
		return e.settle(ctx, Outcome{Task: t, Result: ResultAcknowledged, At: now}), nil
	}

	if ctx.Err() != nil && errors.Is(sendErr, ctx.Err()) {
		// Cancelled by the caller, not a verdict on the endpoint.
		breaker.Abandon()
		t.Attempt--
		if err := e.store.Reschedule(settleCtx, t.IdempotencyKey, t.Attempt, now, sendErr.Error()); err != nil {
			return Outcome{}, fmt.Errorf("reschedule %s: %w", t.IdempotencyKey, err)
		}
		t.Status, t.NextAttemptAt, t.LastError = StatusPending, now, sendErr.Error()
		return Outcome{Task: t, Result: ResultRetryScheduled, Err: sendErr, At: now}, nil
	}

	retryable := errs.Retryable(sendErr)
	breaker.Record(now, !retryable)
	t.LastError = sendErr.Error()

	if !retryable || t.Attempt >= e.maxAttempts {
		if err := e.store.DeadLetter(settleCtx, t.IdempotencyKey, t.Attempt, t.LastError); err != nil {
			return Outcome{}, fmt.Errorf("dead-letter %s: %w", t.IdempotencyKey, err)
		}
		t.Status = StatusDeadLettered
		return e.settle(ctx, Outcome{Task: t, Result: ResultDeadLettered, Err: sendErr, At: now}), nil
	}

	next := now.Add(e.retry.Delay(t.Attempt))
	var ce *errs.Error
	if errors.As(sendErr, &ce) && ce.RetryAfter.After(next) {
		next = ce.RetryAfter
	}
	if err := e.store.Reschedule(settleCtx, t.IdempotencyKey, t.Attempt, next, t.LastError); err != nil {
		return Outcome{}, fmt.Errorf("reschedule %s: %w", t.IdempotencyKey, err)
	}
	t.Status, t.NextAttemptAt = StatusPending, next
	return e.settle(ctx, Outcome{Task: t, Result: ResultRetryScheduled, Err: sendErr, At: now}), nil
}

func (e *Engine) send(ctx context.Context, t Task) error {
	ctx, span := e.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("delivery.endpoint", t.Endpoint),
		attribute.String("delivery.event_type", string(t.EventType)),
		attribute.Int("delivery.attempt", t.Attempt),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	err := e.transport.Send(ctx, t.Endpoint, t.Payload, t.IdempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeOf(err)))
		if errors.Is(err, context.DeadlineExceeded) && errs.CodeOf(err) == errs.CodeUnknown {
			err = errs.Transient("attempt timed out", err)
		}
	}
	return err
}

func (e *Engine) settle(ctx context.Context, o Outcome) Outcome {
	attrs := append(taskAttrs(o.Task), slog.Int("attempt", o.Task.Attempt))
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}

	switch o.Result {
	case ResultAcknowledged:
		e.sink.Record(ctx, telemetry.Info(telemetry.DeliveryAcknowledged, attrs...))
	case ResultRetryScheduled:
		attrs = append(attrs, slog.Time("next_attempt_at", o.Task.NextAttemptAt))
		e.sink.Record(ctx, telemetry.Info(telemetry.DeliveryRetry, attrs...))
	case ResultFastFailed:
		attrs = append(attrs, slog.Time("next_attempt_at", o.Task.NextAttemptAt))
		e.sink.Record(ctx, telemetry.Info(telemetry.DeliveryFastFailed, attrs...))
	case ResultDeadLettered:
		e.sink.Record(ctx, telemetry.Warn(telemetry.DeliveryDeadLettered, attrs...))
	}

	e.outcomes.Publish(o)
	return o
}

func (e *Engine) breakerChanged(endpoint string, from, to BreakerState) {
	e.sink.Record(context.Background(), telemetry.Info(telemetry.BreakerTransition,
		slog.String("endpoint", endpoint),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	))
}

func taskAttrs(t Task) []slog.Attr {
	return []slog.Attr{
		slog.String("key", t.IdempotencyKey),
		slog.String("endpoint", t.Endpoint),
		slog.String("event_type", string(t.EventType)),
		slog.String("session_key", t.SessionKey),
	}
}
