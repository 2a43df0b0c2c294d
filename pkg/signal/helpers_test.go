package signal

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func sequentialIDs() func(int) string {
	var n atomic.Int64
	return func(int) string {
		return fmt.Sprintf("i%d", n.Add(1))
	}
}

// history records every value delivered to a slot observer.
type history[P comparable] struct {
	mu     sync.Mutex
	writes []Signal[P]
}

func recordHistory[P comparable](t *testing.T, slot *Slot[P]) *history[P] {
	t.Helper()
	h := &history[P]{}
	sub := slot.Subscribe(func(sig Signal[P], ok bool) {
		if !ok {
			return
		}
		h.mu.Lock()
		h.writes = append(h.writes, sig)
		h.mu.Unlock()
	})
	t.Cleanup(sub.Close)
	return h
}

func (h *history[P]) snapshot() []Signal[P] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal[P](nil), h.writes...)
}

type completion[P comparable] struct {
	sig Signal[P]
	err error
}

type completions[P comparable] struct {
	mu   sync.Mutex
	seen []completion[P]
}

func (c *completions[P]) record(sig Signal[P], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, completion[P]{sig: sig, err: err})
}

func (c *completions[P]) all() []completion[P] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completion[P](nil), c.seen...)
}

func (c *completions[P]) waitFor(t *testing.T, n int) []completion[P] {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.all()) >= n }, eventually, 5*time.Millisecond)
	return c.all()
}

// fakeMetrics counts recorder calls by label.
type fakeMetrics struct {
	mu        sync.Mutex
	emitted   int
	interrupt int
	completed map[string]int
	decisions map[string]int
	durations map[string]int
	inflight  float64
}

func useFakeMetrics(t *testing.T) *fakeMetrics {
	t.Helper()
	m := &fakeMetrics{
		completed: map[string]int{},
		decisions: map[string]int{},
		durations: map[string]int{},
	}
	SetMetricsRecorder(m)
	t.Cleanup(func() { SetMetricsRecorder(nil) })
	return m
}

func (m *fakeMetrics) RecordSignalEmitted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted++
}

func (m *fakeMetrics) RecordSignalInterrupted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupt++
}

func (m *fakeMetrics) RecordSignalCompleted(_ string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[outcome]++
}

func (m *fakeMetrics) RecordConsumerDecision(_ string, decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[decision]++
}

func (m *fakeMetrics) RecordHandlerDuration(_ string, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[outcome]++
}

func (m *fakeMetrics) AddHandlersInFlight(_ string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight += delta
}

func (m *fakeMetrics) decision(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decisions[name]
}

func (m *fakeMetrics) duration(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations[outcome]
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
