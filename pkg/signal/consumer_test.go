package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/signalkit/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestConsumer(t *testing.T, slot *Slot[string], h Handler[string], opts ...ConsumerOption[string]) *Consumer[string] {
	t.Helper()
	opts = append([]ConsumerOption[string]{
		WithDebounce[string](0),
		WithConsumerLogger[string](logger.Discard()),
		WithOwner[string]("test-consumer"),
	}, opts...)
	c, err := NewConsumer(slot, h, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Unmount)
	return c
}

func waitForSlot(t *testing.T, slot *Slot[string], cond func(Signal[string]) bool) Signal[string] {
	t.Helper()
	var last Signal[string]
	require.Eventually(t, func() bool {
		sig, ok := slot.Load()
		last = sig
		return ok && cond(sig)
	}, eventually, 5*time.Millisecond, "slot never reached expected state, last: %v", last)
	return last
}

func TestNewConsumer_Validation(t *testing.T) {
	h := HandleFunc(true, func(context.Context, Signal[string]) error { return nil })

	_, err := NewConsumer[string](nil, h)
	assert.Error(t, err)

	_, err = NewConsumer[string](NewSlot[string](), nil)
	assert.Error(t, err)
}

func TestNewConsumer_DefaultOwnerIsCallSite(t *testing.T) {
	c, err := NewConsumer(NewSlot[string](), HandleFunc(true, func(context.Context, Signal[string]) error { return nil }))
	require.NoError(t, err)
	assert.Regexp(t, `^consumer_test\.go:\d+$`, c.Owner())
}

func TestConsumer_CompletesSignal(t *testing.T) {
	slot := NewSlot[string]()
	writes := recordHistory(t, slot)
	d, done := newTestDispatcher(t, slot)

	c := newTestConsumer(t, slot, HandlePayload(func(_ context.Context, p string) (Action, string, error) {
		return Complete(), p + "2", nil
	}))
	c.Mount()

	d.Emit("x")

	calls := done.waitFor(t, 1)
	c.Wait()

	assert.Equal(t, "i1", calls[0].sig.ID)
	assert.Equal(t, "x2", calls[0].sig.Payload)
	assert.NoError(t, calls[0].err)

	got := writes.snapshot()
	require.Len(t, got, 3)
	assert.True(t, got[0].Status.IsDispatching())
	assert.Equal(t, "x", got[0].Payload)
	assert.True(t, got[1].Status.IsProcessing())
	assert.Equal(t, "test-consumer", got[1].Status.Owner())
	assert.Equal(t, "x", got[1].Payload)
	assert.True(t, SameStatus(Completed(nil), got[2].Status))
	assert.Equal(t, "x2", got[2].Payload)
	for _, sig := range got {
		assert.Equal(t, "i1", sig.ID)
	}
}

func TestConsumer_MountClaimsExistingSignal(t *testing.T) {
	slot := NewSlot[string]()
	slot.Store(Signal[string]{ID: "pre", Status: Dispatching(), Payload: "x"})

	var calls atomic.Int32
	c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
		calls.Add(1)
		return nil
	}))
	c.Mount()
	c.Mount()

	waitForSlot(t, slot, func(s Signal[string]) bool { return s.Status.IsCompleted() })
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_DecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		stored   *Signal[string]
		allowed  []string
		decision string
	}{
		{"empty slot", nil, nil, decisionEmpty},
		{"filtered payload", &Signal[string]{ID: "a", Payload: "C"}, []string{"A", "B"}, decisionFiltered},
		{"empty allow-list filters all", &Signal[string]{ID: "a", Payload: "A"}, []string{}, decisionFiltered},
		{"already processing", &Signal[string]{ID: "a", Status: Processing("other"), Payload: "A"}, nil, decisionProcessing},
		{"already completed", &Signal[string]{ID: "a", Status: Completed(nil), Payload: "A"}, nil, decisionCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := useFakeMetrics(t)
			slot := NewSlot[string]()
			if tt.stored != nil {
				slot.Store(*tt.stored)
			}

			var calls atomic.Int32
			opts := []ConsumerOption[string]{}
			if tt.allowed != nil {
				opts = append(opts, WithAllowed(tt.allowed...))
			}
			c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
				calls.Add(1)
				return nil
			}), opts...)
			c.Mount()
			c.Wait()

			assert.Equal(t, 1, m.decision(tt.decision))
			assert.Zero(t, m.decision(decisionClaimed))
			assert.Zero(t, calls.Load())
		})
	}
}

func TestConsumer_MountWhileWritesAreQueued(t *testing.T) {
	slot := NewSlot[string]()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	slot.Subscribe(func(Signal[string], bool) {
		once.Do(func() {
			close(entered)
			<-unblock
		})
	})
	d, done := newTestDispatcher(t, slot)

	var handled []string
	var mu sync.Mutex
	c := newTestConsumer(t, slot, HandleFunc(true, func(_ context.Context, s Signal[string]) error {
		mu.Lock()
		handled = append(handled, s.Payload)
		mu.Unlock()
		return nil
	}), WithDebounce[string](20*time.Millisecond))

	emitted := make(chan struct{})
	go func() {
		d.Emit("a")
		close(emitted)
	}()
	<-entered

	// "b" is applied while the writes for "a" are still being delivered.
	d.Emit("b")
	c.Mount()
	close(unblock)
	<-emitted

	calls := done.waitFor(t, 2)
	c.Wait()

	assert.Equal(t, "i1", calls[0].sig.ID)
	assert.ErrorIs(t, calls[0].err, ErrInterrupted)
	assert.Equal(t, "i2", calls[1].sig.ID)
	assert.NoError(t, calls[1].err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, handled)
}

func TestConsumer_StopFromCompletionCallback(t *testing.T) {
	slot := NewSlot[string]()

	var c *Consumer[string]
	stopped := make(chan struct{})
	d, err := NewDispatcher(slot,
		WithDispatcherLogger[string](logger.Discard()),
		WithCompletion[string](func(Signal[string], error) {
			c.Wait()
			c.Unmount()
			close(stopped)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	c = newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error { return nil }))
	c.Mount()
	d.Emit("x")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Wait and Unmount inside the completion callback did not return")
	}
	cur, _ := slot.Load()
	assert.True(t, cur.Status.IsCompleted())
}

func TestConsumer_ZeroActionFails(t *testing.T) {
	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)
	c := newTestConsumer(t, slot, HandleAction(func(context.Context, Signal[string]) (Action, error) {
		return Action{}, nil
	}))
	c.Mount()

	d.Emit("x")
	calls := done.waitFor(t, 1)
	c.Wait()

	assert.Equal(t, "x", calls[0].sig.Payload)
	assert.ErrorIs(t, calls[0].err, ErrUnspecifiedFailure)
}

func TestConsumer_ReleasedClaimIsClaimedAgain(t *testing.T) {
	slot := NewSlot[string]()
	slot.Store(Signal[string]{ID: "a", Payload: "x"})

	var calls atomic.Int32
	c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
		calls.Add(1)
		return nil
	}))
	c.mu.Lock()
	c.last = &Signal[string]{ID: "a", Payload: "x"}
	c.mu.Unlock()

	slot.Store(Signal[string]{ID: "a", Status: Processing(c.Owner()), Payload: "x"})
	c.release(Signal[string]{ID: "a", Payload: "x"})
	slot.drain()

	c.mu.Lock()
	assert.Nil(t, c.last)
	c.mu.Unlock()
	cur, _ := slot.Load()
	assert.True(t, cur.Status.IsDispatching())

	c.Mount()
	waitForSlot(t, slot, func(s Signal[string]) bool { return s.Status.IsCompleted() })
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_AllowListFiltersEmits(t *testing.T) {
	slot := NewSlot[string]()
	d, _ := newTestDispatcher(t, slot)

	var handled []string
	var mu sync.Mutex
	c := newTestConsumer(t, slot, HandleFunc(true, func(_ context.Context, s Signal[string]) error {
		mu.Lock()
		handled = append(handled, s.Payload)
		mu.Unlock()
		return nil
	}), WithAllowed("A", "B"))
	c.Mount()

	d.Emit("C")
	c.Wait()
	cur, _ := slot.Load()
	assert.True(t, cur.Status.IsDispatching(), "filtered signal stays unclaimed")

	d.Emit("B")
	waitForSlot(t, slot, func(s Signal[string]) bool { return s.Payload == "B" && s.Status.IsCompleted() })
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B"}, handled)
}

func TestConsumer_OnlyOneConsumerClaims(t *testing.T) {
	m := useFakeMetrics(t)
	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)

	var calls atomic.Int32
	h := HandleFunc(true, func(context.Context, Signal[string]) error {
		calls.Add(1)
		return nil
	})
	first := newTestConsumer(t, slot, h, WithOwner[string]("first"))
	second := newTestConsumer(t, slot, h, WithOwner[string]("second"))
	first.Mount()
	second.Mount()

	d.Emit("x")
	done.waitFor(t, 1)
	first.Wait()
	second.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, m.decision(decisionClaimed))
	assert.Equal(t, 1, m.decision(decisionSuperseded))
}

func TestConsumer_ContinueWithSamePayloadIsDuplicate(t *testing.T) {
	m := useFakeMetrics(t)
	slot := NewSlot[string]()
	d, _ := newTestDispatcher(t, slot)

	var calls atomic.Int32
	c := newTestConsumer(t, slot, HandleAction(func(context.Context, Signal[string]) (Action, error) {
		calls.Add(1)
		return Continue(), nil
	}))
	c.Mount()

	d.Emit("x")
	waitForSlot(t, slot, func(s Signal[string]) bool { return s.Status.IsDispatching() && calls.Load() == 1 })
	c.Wait()

	// The same unchanged value observed again is still a duplicate.
	cur, _ := slot.Load()
	slot.Store(cur)
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Eventually(t, func() bool { return m.decision(decisionDuplicate) >= 2 }, eventually, 5*time.Millisecond)

	// Another consumer may pick the continued signal up.
	var other atomic.Int32
	second := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
		other.Add(1)
		return nil
	}), WithOwner[string]("second"))
	second.Mount()
	waitForSlot(t, slot, func(s Signal[string]) bool { return s.Status.IsCompleted() })
	second.Wait()
	assert.Equal(t, int32(1), other.Load())
}

func TestConsumer_ContinueWithNewPayloadIsReprocessed(t *testing.T) {
	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)

	var seen []string
	var mu sync.Mutex
	c := newTestConsumer(t, slot, HandlePayload(func(_ context.Context, p string) (Action, string, error) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		if p == "step1" {
			return Continue(), "step2", nil
		}
		return Complete(), p + "-done", nil
	}), WithDebounce[string](5*time.Millisecond))
	c.Mount()

	d.Emit("step1")
	calls := done.waitFor(t, 1)
	c.Wait()

	assert.Equal(t, "step2-done", calls[0].sig.Payload)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"step1", "step2"}, seen)
}

func TestConsumer_HandlerFailureKeepsPayload(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		handler Handler[string]
		check   func(t *testing.T, err error)
	}{
		{
			name: "returned error",
			handler: func(context.Context, Signal[string]) (Action, string, error) {
				return Complete(), "changed", errBoom
			},
			check: func(t *testing.T, err error) {
				var herr *HandlerError
				require.ErrorAs(t, err, &herr)
				assert.ErrorIs(t, err, errBoom)
			},
		},
		{
			name: "panic",
			handler: func(context.Context, Signal[string]) (Action, string, error) {
				panic("kaboom")
			},
			check: func(t *testing.T, err error) {
				var perr *PanicError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, "kaboom", perr.Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := NewSlot[string]()
			d, done := newTestDispatcher(t, slot)
			c := newTestConsumer(t, slot, tt.handler)
			c.Mount()

			d.Emit("original")
			calls := done.waitFor(t, 1)
			c.Wait()

			assert.Equal(t, "original", calls[0].sig.Payload)
			assert.True(t, calls[0].sig.Status.IsCompleted())
			tt.check(t, calls[0].err)
		})
	}
}

func TestConsumer_ExplicitFailKeepsHandlerPayload(t *testing.T) {
	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)

	errDenied := errors.New("denied")
	c := newTestConsumer(t, slot, HandlePayload(func(context.Context, string) (Action, string, error) {
		return Fail(errDenied), "rejected", nil
	}))
	c.Mount()

	d.Emit("x")
	calls := done.waitFor(t, 1)
	c.Wait()

	assert.Equal(t, "rejected", calls[0].sig.Payload)
	assert.Same(t, errDenied, calls[0].err)
}

func TestConsumer_InterruptCancelsInFlightHandler(t *testing.T) {
	m := useFakeMetrics(t)
	slot := NewSlot[string]()
	writes := recordHistory(t, slot)
	d, done := newTestDispatcher(t, slot)

	started := make(chan struct{})
	var cancelled atomic.Bool
	c := newTestConsumer(t, slot, HandleFunc(true, func(ctx context.Context, s Signal[string]) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}), WithAllowed("p"))
	c.Mount()

	d.Emit("p")
	<-started
	d.Emit("a")
	c.Wait()

	assert.True(t, cancelled.Load())

	cur, _ := slot.Load()
	assert.Equal(t, "i2", cur.ID)
	assert.True(t, cur.Status.IsDispatching(), "stale result must not overwrite the newer signal")

	got := writes.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, "i1", got[2].ID)
	assert.ErrorIs(t, got[2].Status.Err(), ErrInterrupted)
	assert.Equal(t, "p", got[2].Payload)
	assert.Equal(t, "i2", got[3].ID)

	calls := done.all()
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0].err, ErrInterrupted)
	assert.Equal(t, 1, m.duration(outcomeDiscarded))
}

func TestConsumer_StaleResultIsDiscarded(t *testing.T) {
	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)

	started := make(chan struct{})
	release := make(chan struct{})
	c := newTestConsumer(t, slot, HandlePayload(func(_ context.Context, p string) (Action, string, error) {
		close(started)
		<-release
		return Complete(), "late", nil
	}), WithAllowed("slow"))
	c.Mount()

	d.Emit("slow")
	<-started
	d.Emit("fresh")
	close(release)
	c.Wait()

	cur, _ := slot.Load()
	assert.Equal(t, "fresh", cur.Payload)
	assert.True(t, cur.Status.IsDispatching())
	require.Len(t, done.all(), 1)
}

func TestConsumer_UnmountCancelsDebouncedWork(t *testing.T) {
	m := useFakeMetrics(t)
	slot := NewSlot[string]()
	d, _ := newTestDispatcher(t, slot)

	var calls atomic.Int32
	c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
		calls.Add(1)
		return nil
	}), WithDebounce[string](time.Hour))
	c.Mount()

	d.Emit("x")
	cur, _ := slot.Load()
	require.True(t, cur.Status.IsProcessing())

	unmounted := make(chan struct{})
	go func() {
		c.Unmount()
		close(unmounted)
	}()
	select {
	case <-unmounted:
	case <-time.After(time.Second):
		t.Fatal("Unmount did not return")
	}

	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, m.duration(outcomeCancelled))

	cur, _ = slot.Load()
	assert.True(t, cur.Status.IsDispatching(), "released claim returns to dispatching")

	// An unmounted consumer ignores further signals.
	d.Emit("y")
	cur, _ = slot.Load()
	assert.True(t, cur.Status.IsDispatching())
	c.Mount()
	cur, _ = slot.Load()
	assert.True(t, cur.Status.IsDispatching())
}

func TestConsumer_ClearedSlotCancelsWork(t *testing.T) {
	slot := NewSlot[string]()
	slot.Store(Signal[string]{ID: "a", Payload: "x"})

	var calls atomic.Int32
	c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error {
		calls.Add(1)
		return nil
	}), WithDebounce[string](time.Hour))
	c.Mount()

	slot.Clear()
	c.Wait()

	assert.Zero(t, calls.Load())
	_, ok := slot.Load()
	assert.False(t, ok)
}

func TestConsumer_ProcessActionKeepsClaim(t *testing.T) {
	slot := NewSlot[string]()
	c := newTestConsumer(t, slot, HandleAction(func(context.Context, Signal[string]) (Action, error) {
		return Process("worker-7"), nil
	}))
	slot.Store(Signal[string]{ID: "a", Payload: "x"})
	c.Mount()
	c.Wait()

	cur, _ := slot.Load()
	assert.True(t, cur.Status.IsProcessing())
	assert.Equal(t, "worker-7", cur.Status.Owner())
}

func TestConsumer_HandlerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)
	c := newTestConsumer(t, slot, HandlePayload(func(_ context.Context, p string) (Action, string, error) {
		if p == "bad" {
			return Complete(), p, errors.New("bad payload")
		}
		return Complete(), p, nil
	}), WithTracer[string](tp.Tracer("test")))
	c.Mount()

	d.Emit("good")
	done.waitFor(t, 1)
	c.Wait()
	d.Emit("bad")
	done.waitFor(t, 2)
	c.Wait()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
		out := map[attribute.Key]string{}
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value.Emit()
		}
		return out
	}

	okSpan := spans[0]
	assert.Equal(t, spanSignalHandle, okSpan.Name())
	assert.Equal(t, "i1", attrs(okSpan)["signal.id"])
	assert.Equal(t, "test-consumer", attrs(okSpan)["signal.owner"])
	assert.Equal(t, outcomeSuccess, attrs(okSpan)["signal.outcome"])
	assert.Equal(t, codes.Unset, okSpan.Status().Code)

	badSpan := spans[1]
	assert.Equal(t, outcomeFailed, attrs(badSpan)["signal.outcome"])
	assert.Equal(t, codes.Error, badSpan.Status().Code)
}

func TestConsumer_LifecycleRecords(t *testing.T) {
	withMinLogLevel(t, LogAll)
	buf := &syncBuffer{}
	sink := logger.NewWithWriter(buf, logger.DebugLevel, "json")

	slot := NewSlot[string]()
	d, done := newTestDispatcher(t, slot)
	c := newTestConsumer(t, slot, HandleFunc(true, func(context.Context, Signal[string]) error { return nil }),
		WithConsumerLogger[string](sink))
	c.Mount()

	d.Emit("x")
	done.waitFor(t, 1)
	c.Wait()

	got := messages(decodeRecords(t, buf.String()))
	assert.Contains(t, got, "nil signal")
	assert.Contains(t, got, "Processing started: pre")
	assert.Contains(t, got, "Processing started: post")
	assert.Contains(t, got, "Duplicate")
	assert.Contains(t, got, "Processing completed: post")
}
