package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/signalkit/pkg/logger"
	"golang.org/x/time/rate"
)

// CompletionFunc is called once per signal that reaches Completed.
type CompletionFunc[P comparable] func(sig Signal[P], err error)

// Dispatcher wraps payloads into signals and writes them into a slot,
// keeping at most one non-terminal signal in the slot at any time.
type Dispatcher[P comparable] struct {
	slot       *Slot[P]
	sub        *Subscription
	onComplete CompletionFunc[P]
	name       string
	idLength   int
	newID      func(n int) string
	now        func() time.Time
	log        recordLogger
	logSink    logger.Logger
	limiter    *rate.Limiter

	mu        sync.Mutex
	completed map[string]struct{}
	order     []string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption[P comparable] func(*Dispatcher[P])

// WithCompletion sets the completion callback.
func WithCompletion[P comparable](fn CompletionFunc[P]) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if fn != nil {
			d.onComplete = fn
		}
	}
}

// WithDispatcherName sets the name used in log records and metrics.
func WithDispatcherName[P comparable](name string) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if name != "" {
			d.name = name
		}
	}
}

// WithDispatcherLogger sets the logger for lifecycle records.
func WithDispatcherLogger[P comparable](log logger.Logger) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if log != nil {
			d.logSink = log
		}
	}
}

// WithIDLength sets the length of generated signal IDs.
func WithIDLength[P comparable](n int) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if n > 0 {
			d.idLength = n
		}
	}
}

// WithIDGenerator replaces the signal ID generator.
func WithIDGenerator[P comparable](fn func(n int) string) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithClock replaces the time source for CreatedAt.
func WithClock[P comparable](now func() time.Time) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if now != nil {
			d.now = now
		}
	}
}

// WithEmitLimit paces Run to at most r emits per second with the given burst.
// Payloads arriving while Run waits for a token replace each other, so only
// the newest one is emitted. A zero or negative r leaves Run unpaced.
func WithEmitLimit[P comparable](r float64, burst int) DispatcherOption[P] {
	return func(d *Dispatcher[P]) {
		if r <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// completedHistory bounds the set of IDs already reported as completed.
const completedHistory = 256

// NewDispatcher creates a dispatcher writing into slot.
func NewDispatcher[P comparable](slot *Slot[P], opts ...DispatcherOption[P]) (*Dispatcher[P], error) {
	if slot == nil {
		return nil, fmt.Errorf("signal: slot cannot be nil")
	}

	d := &Dispatcher[P]{
		slot:       slot,
		onComplete: func(Signal[P], error) {},
		name:       "dispatcher",
		idLength:   DefaultIDLength,
		newID:      NewID,
		now:        time.Now,
		completed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = newRecordLogger(d.logSink, "signalBroadcast", d.name)
	d.sub = slot.Subscribe(d.onSignalChanged)
	return d, nil
}

// Emit wraps payload in a new Dispatching signal and writes it to the slot.
// A non-terminal occupant is first completed with ErrInterrupted.
func (d *Dispatcher[P]) Emit(payload P) Signal[P] {
	sig := Signal[P]{
		ID:        d.newID(d.idLength),
		Status:    Dispatching(),
		Payload:   payload,
		CreatedAt: d.now(),
	}
	d.log.log(LogTrace, "", "New signal", sig)
	metricsRecorder().RecordSignalEmitted(d.name)

	d.slot.Do(func(tx *Txn[P]) {
		if cur, ok := tx.Current(); ok && !cur.Status.IsCompleted() {
			interrupted := cur.WithStatus(Completed(ErrInterrupted))
			d.log.log(LogTrace, "", "Current signal interrupted", interrupted)
			metricsRecorder().RecordSignalInterrupted(d.name)
			tx.Put(interrupted)
		}
		tx.Put(sig)
	})
	return sig
}

// Run emits every payload received from payloads until the channel is
// closed or ctx is done. With an emit limit, bursts collapse to their newest
// payload; a payload still pending when the channel closes is emitted.
func (d *Dispatcher[P]) Run(ctx context.Context, payloads <-chan P) error {
	if d.limiter != nil {
		return d.runPaced(ctx, payloads)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-payloads:
			if !ok {
				return nil
			}
			d.Emit(payload)
		}
	}
}

func (d *Dispatcher[P]) runPaced(ctx context.Context, payloads <-chan P) error {
	var (
		pending    P
		hasPending bool
		timer      *time.Timer
		ready      <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-payloads:
			if !ok {
				if hasPending {
					d.Emit(pending)
				}
				return nil
			}
			if hasPending {
				d.log.log(LogTrace, "", "Pending payload replaced", nil)
				pending = payload
				continue
			}
			if d.limiter.Allow() {
				d.Emit(payload)
				continue
			}
			pending, hasPending = payload, true
			timer = time.NewTimer(d.limiter.Reserve().Delay())
			ready = timer.C
		case <-ready:
			ready = nil
			var zero P
			d.Emit(pending)
			pending, hasPending = zero, false
		}
	}
}

// Close detaches the dispatcher from the slot. Completions are no longer reported.
func (d *Dispatcher[P]) Close() {
	d.sub.Close()
}

func (d *Dispatcher[P]) onSignalChanged(sig Signal[P], ok bool) {
	if !ok || !sig.Status.IsCompleted() {
		return
	}
	if !d.markCompleted(sig.ID) {
		return
	}

	d.log.log(LogTrace, "", "Signal completed", sig)
	metricsRecorder().RecordSignalCompleted(d.name, completionOutcome(sig.Status))
	d.onComplete(sig, sig.Status.Err())
}

// markCompleted records id and reports whether it was seen for the first time.
func (d *Dispatcher[P]) markCompleted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.completed[id]; seen {
		return false
	}
	d.completed[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > completedHistory {
		delete(d.completed, d.order[0])
		d.order = d.order[1:]
	}
	return true
}
