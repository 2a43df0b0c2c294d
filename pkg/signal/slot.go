package signal

import (
	"sync"
	"sync/atomic"
)

// Observer receives every value written to a slot, in write order.
// ok is false when the slot was cleared.
type Observer[P comparable] func(sig Signal[P], ok bool)

// Slot is the single shared holder of the current signal.
// Reads and replacements are atomic; observers are notified of every write
// in the order writes were applied.
type Slot[P comparable] struct {
	mu       sync.Mutex
	value    Signal[P]
	present  bool
	version  uint64
	subs     []*Subscription
	observer map[*Subscription]Observer[P]
	pending  []slotWrite[P]
	draining bool
}

type slotWrite[P comparable] struct {
	sig Signal[P]
	ok  bool
}

// Subscription is a registered slot observer.
type Subscription struct {
	closed atomic.Bool
	once   sync.Once
	cancel func()
}

// Close removes the observer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// NewSlot creates an empty slot.
func NewSlot[P comparable]() *Slot[P] {
	return &Slot[P]{
		observer: make(map[*Subscription]Observer[P]),
	}
}

// Load returns the current signal and whether the slot holds one.
func (s *Slot[P]) Load() (Signal[P], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.present
}

// Store replaces the current signal.
func (s *Slot[P]) Store(sig Signal[P]) {
	s.Do(func(tx *Txn[P]) {
		tx.Put(sig)
	})
}

// Clear empties the slot.
func (s *Slot[P]) Clear() {
	s.Do(func(tx *Txn[P]) {
		tx.Clear()
	})
}

// Version returns the number of writes applied so far.
func (s *Slot[P]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Do runs fn with exclusive access to the slot. Writes made through the
// transaction are applied in order and then delivered to observers.
// fn must not call other Slot methods.
func (s *Slot[P]) Do(fn func(tx *Txn[P])) {
	s.apply(fn)
	s.drain()
}

// apply runs fn like Do but leaves its writes queued for the next drain.
func (s *Slot[P]) apply(fn func(tx *Txn[P])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Txn[P]{slot: s}
	defer func() { tx.slot = nil }()
	fn(tx)
}

// Subscribe registers an observer for subsequent writes.
func (s *Slot[P]) Subscribe(fn Observer[P]) *Subscription {
	sub := &Subscription{}
	sub.cancel = func() { s.unsubscribe(sub) }

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.observer[sub] = fn
	s.mu.Unlock()
	return sub
}

func (s *Slot[P]) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	delete(s.observer, sub)
}

// write applies a value; the caller holds s.mu.
func (s *Slot[P]) write(sig Signal[P], ok bool) {
	s.value = sig
	s.present = ok
	s.version++
	s.pending = append(s.pending, slotWrite[P]{sig: sig, ok: ok})
}

// drain delivers queued writes. Only one goroutine drains at a time, so
// writes issued from inside an observer are delivered after the current
// round instead of recursively. A panicking observer ends the round; writes
// still queued go out with the next drain.
func (s *Slot[P]) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	locked := true
	defer func() {
		if !locked {
			s.mu.Lock()
		}
		s.draining = false
		s.mu.Unlock()
	}()

	for len(s.pending) > 0 {
		w := s.pending[0]
		s.pending[0] = slotWrite[P]{}
		s.pending = s.pending[1:]

		targets := make([]Observer[P], 0, len(s.subs))
		subs := make([]*Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			targets = append(targets, s.observer[sub])
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		locked = false

		for i, fn := range targets {
			if subs[i].closed.Load() {
				continue
			}
			fn(w.sig, w.ok)
		}

		s.mu.Lock()
		locked = true
	}
	s.pending = nil
}

// Txn is the view of a slot inside Do.
type Txn[P comparable] struct {
	slot *Slot[P]
}

// Current returns the slot value as seen inside the transaction.
func (t *Txn[P]) Current() (Signal[P], bool) {
	return t.slot.value, t.slot.present
}

// Put replaces the slot value.
func (t *Txn[P]) Put(sig Signal[P]) {
	t.slot.write(sig, true)
}

// Clear empties the slot.
func (t *Txn[P]) Clear() {
	var zero Signal[P]
	t.slot.write(zero, false)
}
