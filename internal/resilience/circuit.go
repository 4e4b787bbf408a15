package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Breaker trips on the failure share of the most recent outcomes. One
// breaker guards one upstream, typically one payment provider.
//
// Outcomes live in a fixed ring so a burst of old successes cannot mask a
// provider that has just started failing. While half-open exactly one
// trial call is in flight; its result closes or reopens the circuit.
type Breaker struct {
	mu sync.Mutex

	state    State
	ring     []bool
	next     int
	filled   int
	failures int
	probing  bool
	openedAt time.Time

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target string
	logger zerolog.Logger
	now    func() time.Time
}

// NewBreaker returns a closed breaker. It opens once at least minRequests
// outcomes are in the window and failureRatio of them failed, and stays
// open for openFor. The window holds four times minRequests outcomes, and
// never fewer than ten.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	minRequests = max(minRequests, 1)
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		ring:         make([]bool, max(minRequests*4, 10)),
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// WithTarget sets the upstream label used for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishState()
	return b
}

// WithLogger sets the logger for transitions. A logger on the request
// context takes precedence.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// WithClock replaces time.Now; tests use it to skip the cool-off.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether a request may proceed. Once the cool-off has
// passed the first caller becomes the half-open trial; others are refused
// until it reports.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.transition(ctx, HalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Report records the outcome of a request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.transition(ctx, Closed)
		} else {
			b.transition(ctx, Open)
		}
		return
	}

	b.record(success)
	if b.filled >= b.minRequests && float64(b.failures) >= b.failureRatio*float64(b.filled) {
		b.transition(ctx, Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) report(ctx context.Context, success bool) {
	if b != nil {
		b.Report(ctx, success)
	}
}

// record pushes one outcome into the ring, evicting the oldest.
func (b *Breaker) record(success bool) {
	failed := !success
	if b.filled == len(b.ring) {
		if b.ring[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.ring[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.ring)
}

func (b *Breaker) reset() {
	clear(b.ring)
	b.next, b.filled, b.failures = 0, 0, 0
}

func (b *Breaker) transition(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == Open {
		b.openedAt = b.now()
	}
	b.reset()
	b.publishState()

	label := b.label()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	logger := &b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = l
	}
	evt := logger.Info().Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishState() {
	BreakerState.WithLabelValues(b.label()).Set(float64(b.state))
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}
