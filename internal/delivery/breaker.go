package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 30 * time.Second
	DefaultProbeSuccesses   = 2
)

// BreakerConfig tunes every breaker in a set.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// CoolDown is how long an open breaker fails fast before allowing a probe.
	CoolDown time.Duration
	// ProbeSuccesses consecutive half-open successes close the breaker.
	ProbeSuccesses int
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = DefaultProbeSuccesses
	}
	return c
}

// Breaker isolates one endpoint. In half-open it admits a single probe at a
// time; callers that find the probe slot taken fail fast like an open
// breaker.
type Breaker struct {
	endpoint string
	cfg      BreakerConfig
	onChange func(endpoint string, from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	resetAt   time.Time
	probing   bool
}

func NewBreaker(endpoint string, cfg BreakerConfig, onChange func(endpoint string, from, to BreakerState)) *Breaker {
	return &Breaker{endpoint: endpoint, cfg: cfg.normalized(), onChange: onChange}
}

// Allow reports whether a call may proceed at now. A nil result claims the
// right to call; the caller must follow up with Record. A non-nil result is
// an errs.CodeCircuitOpen error whose RetryAfter is the earliest useful
// retry time.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	var changed []BreakerState
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	if b.state == BreakerOpen {
		if now.Before(b.resetAt) {
			return b.openError(b.resetAt)
		}
		changed = b.setLocked(BreakerHalfOpen)
		b.successes = 0
		b.probing = false
	}

	if b.state == BreakerHalfOpen {
		if b.probing {
			return b.openError(now)
		}
		b.probing = true
	}
	return nil
}

// Record reports the result of a call admitted by Allow. A failure means
// the endpoint is unhealthy (timeout, connection loss, 5xx); a terminal
// rejection from a reachable endpoint counts as success.
func (b *Breaker) Record(now time.Time, success bool) {
	b.mu.Lock()
	var changed []BreakerState
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	switch b.state {
	case BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			changed = b.openLocked(now)
		}

	case BreakerHalfOpen:
		b.probing = false
		if !success {
			changed = b.openLocked(now)
			return
		}
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			changed = b.setLocked(BreakerClosed)
			b.failures = 0
			b.successes = 0
		}

	case BreakerOpen:
		// A call admitted before the breaker opened; its result says nothing
		// about the cool-down.
	}
}

// Abandon releases a call admitted by Allow that never reached the
// endpoint, without counting it either way.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// State returns the breaker state as of now, without claiming a probe.
func (b *Breaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !now.Before(b.resetAt) {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) openLocked(now time.Time) []BreakerState {
	changed := b.setLocked(BreakerOpen)
	b.resetAt = now.Add(b.cfg.CoolDown)
	b.successes = 0
	b.probing = false
	return changed
}

func (b *Breaker) setLocked(to BreakerState) []BreakerState {
	from := b.state
	b.state = to
	if from == to {
		return nil
	}
	return []BreakerState{from, to}
}

func (b *Breaker) notify(changed []BreakerState) {
	if changed != nil && b.onChange != nil {
		b.onChange(b.endpoint, changed[0], changed[1])
	}
}

func (b *Breaker) openError(retryAfter time.Time) error {
	return &errs.Error{
		Code:       errs.CodeCircuitOpen,
		Message:    "circuit open",
		Metadata:   map[string]string{"endpoint": b.endpoint},
		RetryAfter: retryAfter,
	}
}

// BreakerSet holds one breaker per endpoint, created on first use.
type BreakerSet struct {
	cfg      BreakerConfig
	onChange func(endpoint string, from, to BreakerState)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewBreakerSet(cfg BreakerConfig, onChange func(endpoint string, from, to BreakerState)) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.normalized(),
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

func (s *BreakerSet) Get(endpoint string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[endpoint]
	if !ok {
		b = NewBreaker(endpoint, s.cfg, s.onChange)
		s.breakers[endpoint] = b
	}
	return b
}

// EndpointState pairs an endpoint with its breaker state.
type EndpointState struct {
	Endpoint string
	State    BreakerState
}

// States lists every known endpoint's breaker state, sorted by endpoint.
func (s *BreakerSet) States(now time.Time) []EndpointState {
	s.mu.Lock()
	out := make([]EndpointState, 0, len(s.breakers))
	bs := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		bs = append(bs, b)
	}
	s.mu.Unlock()

	for _, b := range bs {
		out = append(out, EndpointState{Endpoint: b.endpoint, State: b.State(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
