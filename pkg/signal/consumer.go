package signal

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/goclaw/signalkit/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDebounce is the delay between claiming a signal and running the handler.
const DefaultDebounce = 250 * time.Millisecond

const (
	consumerTracerName = "signalkit.consumer"
	spanSignalHandle   = "signal.handle"
)

// Observation sources.
const (
	SourceMount  = "mount"
	SourceChange = "change"
)

// task is one claimed handler run.
type task struct {
	cancel context.CancelFunc
}

// Consumer observes a slot and processes one signal at a time with its handler.
type Consumer[P comparable] struct {
	slot     *Slot[P]
	handler  Handler[P]
	allowed  []P
	owner    string
	debounce time.Duration
	tracer   trace.Tracer
	logSink  logger.Logger
	log      recordLogger

	mu       sync.Mutex
	mounted  bool
	sub      *Subscription
	last     *Signal[P]
	inflight map[string]*task
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption[P comparable] func(*Consumer[P])

// WithAllowed restricts the consumer to the listed payloads. An empty list
// filters out every payload.
func WithAllowed[P comparable](payloads ...P) ConsumerOption[P] {
	return func(c *Consumer[P]) {
		c.allowed = append(make([]P, 0, len(payloads)), payloads...)
	}
}

// WithOwner sets the owner tag written into Processing statuses.
func WithOwner[P comparable](owner string) ConsumerOption[P] {
	return func(c *Consumer[P]) {
		if owner != "" {
			c.owner = owner
		}
	}
}

// WithDebounce sets the delay before the handler runs. Zero runs it immediately.
func WithDebounce[P comparable](d time.Duration) ConsumerOption[P] {
	return func(c *Consumer[P]) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithConsumerLogger sets the logger for lifecycle records.
func WithConsumerLogger[P comparable](log logger.Logger) ConsumerOption[P] {
	return func(c *Consumer[P]) {
		if log != nil {
			c.logSink = log
		}
	}
}

// WithTracer sets the tracer used for handler spans.
func WithTracer[P comparable](tracer trace.Tracer) ConsumerOption[P] {
	return func(c *Consumer[P]) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewConsumer creates a consumer for slot. The default owner tag is the
// file:line of the caller.
func NewConsumer[P comparable](slot *Slot[P], handler Handler[P], opts ...ConsumerOption[P]) (*Consumer[P], error) {
	if slot == nil {
		return nil, fmt.Errorf("signal: slot cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("signal: handler cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer[P]{
		slot:     slot,
		handler:  handler,
		owner:    callerLocation(2),
		debounce: DefaultDebounce,
		inflight: make(map[string]*task),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(consumerTracerName)
	}
	c.log = newRecordLogger(c.logSink, "onSignal", c.owner)
	return c, nil
}

// Owner returns the owner tag written into Processing statuses.
func (c *Consumer[P]) Owner() string { return c.owner }

// Mount subscribes to the slot and evaluates its current value once.
// A consumer cannot be mounted again after Unmount.
func (c *Consumer[P]) Mount() {
	c.mu.Lock()
	if c.mounted || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.mu.Unlock()

	sub := c.slot.Subscribe(c.onSignalChanged)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	sig, ok := c.slot.Load()
	c.process(SourceMount, sig, ok)
}

// Unmount unsubscribes, cancels in-flight handlers and waits for them.
func (c *Consumer[P]) Unmount() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.cancel()
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.wg.Wait()
}

// Wait blocks until all in-flight handlers have finished and their results
// are applied to the slot. Observers may still be receiving those writes.
func (c *Consumer[P]) Wait() {
	c.wg.Wait()
}

func (c *Consumer[P]) onSignalChanged(sig Signal[P], ok bool) {
	c.cancelSuperseded()
	c.process(SourceChange, sig, ok)
}

// cancelSuperseded cancels tasks whose signal the slot no longer holds as
// active. It reads the slot itself rather than the delivered value, which
// can be older than a claim made since.
func (c *Consumer[P]) cancelSuperseded() {
	c.slot.apply(func(tx *Txn[P]) {
		cur, ok := tx.Current()
		c.mu.Lock()
		defer c.mu.Unlock()
		for id, t := range c.inflight {
			if !ok || cur.ID != id || cur.Status.IsCompleted() {
				t.cancel()
				delete(c.inflight, id)
			}
		}
	})
}

func (c *Consumer[P]) process(source string, sig Signal[P], ok bool) {
	rec := metricsRecorder()

	if !ok {
		c.log.log(LogNotice, source, "nil signal", nil)
		rec.RecordConsumerDecision(c.owner, decisionEmpty)
		return
	}

	c.mu.Lock()
	duplicate := c.last != nil && c.last.ID == sig.ID
	c.mu.Unlock()
	if duplicate {
		c.log.log(LogNotice, source, "Duplicate", sig)
		rec.RecordConsumerDecision(c.owner, decisionDuplicate)
		return
	}

	if !c.isAllowed(sig.Payload) {
		c.log.log(LogNotice, source, "Prohibited payload", sig)
		rec.RecordConsumerDecision(c.owner, decisionFiltered)
		return
	}

	if sig.Status.IsProcessing() {
		c.log.log(LogDebug, source, "Already processing", sig)
		rec.RecordConsumerDecision(c.owner, decisionProcessing)
		return
	}

	if sig.Status.IsCompleted() {
		c.log.log(LogDebug, source, "Already completed", sig)
		rec.RecordConsumerDecision(c.owner, decisionCompleted)
		return
	}

	c.claim(source, sig)
}

func (c *Consumer[P]) isAllowed(payload P) bool {
	if c.allowed == nil {
		return true
	}
	for _, p := range c.allowed {
		if p == payload {
			return true
		}
	}
	return false
}

func (c *Consumer[P]) claim(source string, sig Signal[P]) {
	c.log.log(LogDebug, source, "Processing started: pre", sig)

	var (
		claimed bool
		taskCtx context.Context
		t       *task
	)
	c.slot.Do(func(tx *Txn[P]) {
		cur, ok := tx.Current()
		if !ok || cur.ID != sig.ID || !cur.Status.IsDispatching() {
			return
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		tracked := sig
		c.last = &tracked
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithCancel(c.ctx)
		t = &task{cancel: cancel}
		c.inflight[sig.ID] = t
		c.wg.Add(1)
		c.mu.Unlock()

		tx.Put(cur.WithStatus(Processing(c.owner)))
		claimed = true
	})

	if !claimed {
		c.log.log(LogDebug, source, "Superseded before claim", sig)
		metricsRecorder().RecordConsumerDecision(c.owner, decisionSuperseded)
		return
	}

	metricsRecorder().RecordConsumerDecision(c.owner, decisionClaimed)
	c.log.log(LogInfo, source, "Processing started: post", sig.WithStatus(Processing(c.owner)))

	go c.run(taskCtx, t, source, sig)
}

func (c *Consumer[P]) run(ctx context.Context, t *task, source string, sig Signal[P]) {
	rec := metricsRecorder()
	rec.AddHandlersInFlight(c.owner, 1)

	// Writes made here reach observers only after the task is released.
	defer c.slot.drain()
	defer c.finish(sig.ID, t)
	defer rec.AddHandlersInFlight(c.owner, -1)

	if c.debounce > 0 {
		timer := time.NewTimer(c.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.release(sig)
			c.log.log(LogDebug, source, "Processing cancelled", sig)
			rec.RecordHandlerDuration(c.owner, outcomeCancelled, 0)
			return
		case <-timer.C:
		}
	}

	start := time.Now()
	action, payload := c.handle(ctx, sig)
	status := action.Status()
	outcome := completionOutcome(status)

	c.mu.Lock()
	if c.last != nil && c.last.ID == sig.ID && c.last.Payload != payload {
		c.last = nil
	}
	c.mu.Unlock()

	handled := Signal[P]{
		ID:        sig.ID,
		Status:    status,
		Payload:   payload,
		CreatedAt: sig.CreatedAt,
	}

	var written bool
	c.slot.apply(func(tx *Txn[P]) {
		cur, ok := tx.Current()
		c.log.log(LogDebug, source, "Processing completed: pre", snapshot(cur, ok))
		if !ok || cur.ID != sig.ID || cur.Status.IsCompleted() {
			return
		}
		tx.Put(handled)
		written = true
	})

	if !written {
		outcome = outcomeDiscarded
		c.log.log(LogWarning, source, "Stale result discarded", handled)
	} else {
		c.log.log(LogInfo, source, "Processing completed: post", handled)
	}
	rec.RecordHandlerDuration(c.owner, outcome, time.Since(start))
}

// release hands a claim that never reached the handler back to Dispatching,
// provided the slot still holds it under this consumer's owner tag. The
// signal stops counting as a duplicate so it can be claimed again.
func (c *Consumer[P]) release(sig Signal[P]) {
	c.slot.apply(func(tx *Txn[P]) {
		cur, ok := tx.Current()
		if !ok || cur.ID != sig.ID || !cur.Status.IsProcessing() || cur.Status.Owner() != c.owner {
			return
		}
		c.mu.Lock()
		if c.last != nil && c.last.ID == sig.ID {
			c.last = nil
		}
		c.mu.Unlock()
		tx.Put(cur.WithStatus(Dispatching()))
	})
}

// handle invokes the handler inside a span, converting errors and panics
// into Fail with the original payload.
func (c *Consumer[P]) handle(ctx context.Context, sig Signal[P]) (Action, P) {
	ctx, span := c.tracer.Start(ctx, spanSignalHandle,
		trace.WithAttributes(
			attribute.String("signal.id", sig.ID),
			attribute.String("signal.owner", c.owner),
		),
	)
	defer span.End()

	payload := sig.Payload
	action := CatchAction(func() (Action, error) {
		a, p, err := c.handler(ctx, sig)
		if err != nil {
			return Action{}, err
		}
		payload = p
		return a, nil
	})

	status := action.Status()
	span.SetAttributes(attribute.String("signal.outcome", completionOutcome(status)))
	if err := status.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return action, payload
}

// finish drops t from the in-flight set and from the wait group.
func (c *Consumer[P]) finish(id string, t *task) {
	c.forget(id, t)
	c.wg.Done()
}

// forget releases t. The inflight entry is only removed while it still
// belongs to t; a write-back may already have led to a new claim of the same ID.
func (c *Consumer[P]) forget(id string, t *task) {
	t.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[id] == t {
		delete(c.inflight, id)
	}
}

func snapshot[P comparable](sig Signal[P], ok bool) fmt.Stringer {
	if !ok {
		return nil
	}
	return sig
}

// callerLocation returns file:line of the frame skip levels above it.
func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
