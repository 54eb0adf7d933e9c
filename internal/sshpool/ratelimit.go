// ratelimit.go limits new connection attempts per host.
//
// Two complementary limits apply:
//
//  1. Token bucket: one attempt per ConnectRate with a burst of ConnectBurst.
//  2. Consecutive-failure block: after 5 consecutive failures, the host is
//     blocked for an escalating cooldown (30s, doubling, capped at 5 minutes).
//     A successful connection resets the failure counter and the cooldown.
//
// Reusing an idle pooled connection never consults the limiter.

package sshpool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

type hostRateState struct {
	bucket *rate.Limiter

	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration // doubles each block
}

type rateLimiter struct {
	mu     sync.Mutex
	states map[string]*hostRateState
	every  rate.Limit
	burst  int

	nowFunc func() time.Time
}

func newRateLimiter(interval time.Duration, burst int) *rateLimiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		states:  make(map[string]*hostRateState),
		every:   limit,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Caller must hold rl.mu.
func (rl *rateLimiter) getOrCreate(hostID string) *hostRateState {
	state, ok := rl.states[hostID]
	if !ok {
		state = &hostRateState{bucket: rate.NewLimiter(rl.every, rl.burst)}
		rl.states[hostID] = state
	}
	return state
}

// allow returns nil if an attempt may proceed, or a *RateLimitedError.
func (rl *rateLimiter) allow(hostID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(hostID)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		return &RateLimitedError{
			HostID:     hostID,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: state.blockedUntil.Sub(now),
		}
	}

	r := state.bucket.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		log.Printf("[sshpool] Rate limit: host %s exceeded connect rate", hostID)
		return &RateLimitedError{
			HostID:     hostID,
			Reason:     "too many connection attempts",
			RetryAfter: delay,
		}
	}
	return nil
}

func (rl *rateLimiter) recordSuccess(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[hostID]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

func (rl *rateLimiter) recordFailure(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(hostID)
	state.consecutiveFailures++

	if state.consecutiveFailures >= rateLimitFailureThreshold {
		if state.blockDuration == 0 {
			state.blockDuration = rateLimitInitialBlock
		} else {
			state.blockDuration *= 2
			if state.blockDuration > rateLimitMaxBlock {
				state.blockDuration = rateLimitMaxBlock
			}
		}
		state.blockedUntil = now.Add(state.blockDuration)
		log.Printf("[sshpool] Rate limit: host %s blocked for %s after %d consecutive failures",
			hostID, state.blockDuration, state.consecutiveFailures)
	}
}

func (rl *rateLimiter) reset(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.states, hostID)
}
