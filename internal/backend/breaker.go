package backend

import (
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned without contacting the backend while the
// circuit is open
var ErrUnavailable = errors.New("backend unavailable")

// BreakerState is the state of a circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker of a Client.
// A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// Breaker stops requests to a backend that keeps failing. It opens after
// FailureThreshold consecutive failures, lets requests through again after
// OpenTimeout and closes after SuccessThreshold successes in a row.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failures     int
	successes    int
	stateChanged time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// NewBreaker returns nil when cfg disables the breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		return nil
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		now:              time.Now,
		stateChanged:     time.Now(),
	}
}

// Allow reports whether a request may be sent
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.stateChanged) < b.openTimeout {
			return false
		}
		b.setState(BreakerHalfOpen)
	}
	return true
}

// Success records a request that reached a healthy backend
func (b *Breaker) Success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.setState(BreakerClosed)
		}
	}
}

// Failure records a transport error or a 5xx response
func (b *Breaker) Failure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.stateChanged = b.now()
}
