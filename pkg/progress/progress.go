// Package progress moves progress reports from a worker to a consumer
// without letting the consumer stall the worker for long, and without ever
// going backwards.
package progress

import "sync"

type Update struct {
	Percent int
	Message string
}

// Relay forwards reports through a bounded queue to a single goroutine that
// calls forward. Reports are delivered in order and their percentages never
// decrease.
type Relay struct {
	ch   chan Update
	done chan struct{}

	mu     sync.Mutex
	last   int
	closed bool
}

func NewRelay(buffer int, forward func(Update)) *Relay {
	if buffer < 1 {
		buffer = 1
	}

	r := &Relay{
		ch:   make(chan Update, buffer),
		done: make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		for u := range r.ch {
			forward(u)
		}
	}()

	return r
}

// Report queues an update. Percentages are clamped to [0, 100] and to the
// highest value reported so far. Reports after Close are dropped.
func (r *Relay) Report(percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if percent > 100 {
		percent = 100
	}
	if percent < r.last {
		percent = r.last
	}
	r.last = percent

	// blocks when the queue is full, holding mu keeps updates ordered
	r.ch <- Update{Percent: percent, Message: message}
}

// Func adapts the relay to the callback shape used by platform services.
func (r *Relay) Func() func(int, string) {
	return r.Report
}

// Last returns the highest percentage reported so far.
func (r *Relay) Last() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last
}

// Close stops accepting reports and waits until every queued update has been
// forwarded.
func (r *Relay) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done
}
