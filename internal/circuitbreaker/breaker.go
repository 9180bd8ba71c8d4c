// Package circuitbreaker stops calling an outbound target after repeated
// failures. Circuits are keyed by target: a service id for provider calls,
// a subscription id for webhook delivery.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown passes
	StateHalfOpen              // one trial call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Keys are not a label: subscription ids are unbounded.
var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlehub",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by breaker and target state.",
}, []string{"breaker", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Transition describes one circuit changing state.
type Transition struct {
	Breaker  string
	Key      string
	From     State
	To       State
	Failures int           // consecutive failures when the change happened
	Cooldown time.Duration // how long an opened circuit rejects calls
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key. Closed circuits with no failures are
// dropped so the map only holds troubled targets.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	notify    func(Transition)

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker named for metrics and logs. A circuit opens after
// threshold consecutive failures and admits a trial call after cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// OnTransition registers fn to run after every state change. fn runs on
// the caller's goroutine with no lock held.
func (b *Breaker) OnTransition(fn func(Transition)) *Breaker {
	b.notify = fn
	return b
}

// WithClock replaces time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call to key may go ahead. An open circuit whose
// cooldown has passed turns half-open and admits exactly one call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	var t *Transition
	allowed := false
	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			t = b.move(c, key, StateHalfOpen)
			allowed = true
		}
	}
	b.mu.Unlock()
	b.fire(t)
	return allowed
}

// RecordSuccess closes key's circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	t := b.move(c, key, StateClosed)
	delete(b.circuits, key)
	b.mu.Unlock()
	b.fire(t)
}

// RecordFailure counts a failed call. A failed trial call reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	var t *Transition
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		t = b.move(c, key, StateOpen)
	}
	b.mu.Unlock()
	b.fire(t)
}

// move must be called with b.mu held.
func (b *Breaker) move(c *circuit, key string, to State) *Transition {
	if c.state == to {
		return nil
	}
	t := &Transition{Breaker: b.name, Key: key, From: c.state, To: to, Failures: c.failures, Cooldown: b.cooldown}
	c.state = to
	transitionsTotal.WithLabelValues(b.name, to.String()).Inc()
	return t
}

func (b *Breaker) fire(t *Transition) {
	if t != nil && b.notify != nil {
		b.notify(*t)
	}
}
