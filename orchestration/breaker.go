package orchestration

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Breach kinds returned by the delegation circuit breaker.
var (
	ErrDepthExceeded        = errors.New("maximum delegation depth exceeded")
	ErrCustomerRateExceeded = errors.New("customer delegation rate exceeded")
	ErrAgentRateExceeded    = errors.New("agent delegation rate exceeded")
)

// BreakerOptions bounds the delegation engine. Zero values take the platform
// defaults.
type BreakerOptions struct {
	MaxDepth            int
	MaxCustomerPerHour  int
	MaxAgentTypePerHour int
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// CircuitBreaker holds the process-local delegation counters. Counters are
// windowed per hour and consulted before every delegation spawn.
type CircuitBreaker struct {
	maxDepth    int
	maxCustomer int
	maxAgent    int
	now         func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	byCustomer  map[string]int
	byAgentType map[string]int
}

// NewCircuitBreaker builds a breaker.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}
	maxCustomer := opts.MaxCustomerPerHour
	if maxCustomer <= 0 {
		maxCustomer = 100
	}
	maxAgent := opts.MaxAgentTypePerHour
	if maxAgent <= 0 {
		maxAgent = 50
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxDepth:    maxDepth,
		maxCustomer: maxCustomer,
		maxAgent:    maxAgent,
		now:         now,
		windowStart: now(),
		byCustomer:  make(map[string]int),
		byAgentType: make(map[string]int),
	}
}

// MaxDepth returns the configured depth bound.
func (b *CircuitBreaker) MaxDepth() int { return b.maxDepth }

// Allow admits one delegation and counts it, or reports the breached limit.
// Depth breaches are never counted.
func (b *CircuitBreaker) Allow(customerID, agentType string, depth int) error {
	if depth > b.maxDepth {
		return fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, b.maxDepth)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeReset()
	if b.byCustomer[customerID] >= b.maxCustomer {
		return fmt.Errorf("%w: %d delegations this hour for customer", ErrCustomerRateExceeded, b.byCustomer[customerID])
	}
	if b.byAgentType[agentType] >= b.maxAgent {
		return fmt.Errorf("%w: %d delegations this hour for %s", ErrAgentRateExceeded, b.byAgentType[agentType], agentType)
	}
	b.byCustomer[customerID]++
	b.byAgentType[agentType]++
	return nil
}

func (b *CircuitBreaker) maybeReset() {
	if b.now().Sub(b.windowStart) < time.Hour {
		return
	}
	b.windowStart = b.now()
	b.byCustomer = make(map[string]int)
	b.byAgentType = make(map[string]int)
}
