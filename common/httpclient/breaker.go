package httpclient

import (
	"sync"
	"time"
)

// Breaker states. closed lets traffic through, open fails fast, half-open
// lets probes through after the reset timeout.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig tunes the rolling error window.
type BreakerConfig struct {
	// ErrorThreshold is the error fraction (0..1) that opens the circuit.
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of requests in the window before
	// the threshold is evaluated, so a single early failure cannot trip it.
	VolumeThreshold int
	// Window is the width of the rolling window.
	Window time.Duration
	// Buckets partitions the window; old buckets age out wholesale.
	Buckets int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig mirrors the documented defaults: 50% errors over a
// 10-second window of 10 buckets with at least 10 requests, 30s reset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorThreshold:  0.5,
		VolumeThreshold: 10,
		Window:          10 * time.Second,
		Buckets:         10,
		ResetTimeout:    30 * time.Second,
	}
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker is a three-state circuit breaker with a bucketed rolling window.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	openedAt time.Time
	buckets  []bucket

	now func() time.Time
}

// BreakerStats is a snapshot of the rolling window, exposed on the
// /circuit-breaker/status endpoint.
type BreakerStats struct {
	Requests     int     `json:"requests"`
	Failures     int     `json:"failures"`
	ErrorPercent float64 `json:"errorPercent"`
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.5
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may proceed. In the open state it returns
// ErrCircuitOpen until the reset timeout elapses, at which point the breaker
// moves to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
	}
	return nil
}

// OnSuccess records a successful call. In half-open the first success closes
// the circuit and clears the window.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.buckets = nil
		return
	}
	b.currentBucket().successes++
}

// OnFailure records a failed call. In half-open any failure re-opens the
// circuit; in closed the window is evaluated against the thresholds.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.open()
		return
	}

	b.currentBucket().failures++

	requests, failures := b.windowCounts()
	if requests >= b.cfg.VolumeThreshold &&
		float64(failures)/float64(requests) >= b.cfg.ErrorThreshold {
		b.open()
	}
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a snapshot of the rolling window.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	requests, failures := b.windowCounts()
	stats := BreakerStats{Requests: requests, Failures: failures}
	if requests > 0 {
		stats.ErrorPercent = float64(failures) / float64(requests) * 100
	}
	return stats
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.buckets = nil
}

// currentBucket returns the bucket covering now, evicting expired ones.
func (b *Breaker) currentBucket() *bucket {
	bucketWidth := b.cfg.Window / time.Duration(b.cfg.Buckets)
	now := b.now()
	start := now.Truncate(bucketWidth)

	b.evict(now)

	if n := len(b.buckets); n > 0 && b.buckets[n-1].start.Equal(start) {
		return &b.buckets[n-1]
	}
	b.buckets = append(b.buckets, bucket{start: start})
	return &b.buckets[len(b.buckets)-1]
}

func (b *Breaker) windowCounts() (requests, failures int) {
	b.evict(b.now())
	for _, bk := range b.buckets {
		requests += bk.successes + bk.failures
		failures += bk.failures
	}
	return requests, failures
}

func (b *Breaker) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.buckets); i++ {
		if b.buckets[i].start.After(cutoff) {
			break
		}
	}
	b.buckets = b.buckets[i:]
}
