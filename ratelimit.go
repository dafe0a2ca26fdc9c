package gro

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Limiter provides token-bucket fairness across named lanes. Each lane keeps
// a monotonically advancing "next available" timestamp; concurrent callers
// for the same lane are serialized in arrival order, different lanes are
// independent.
type Limiter struct {
	mu    sync.Mutex
	lanes map[string]*limiterLane
}

type limiterLane struct {
	mu   sync.Mutex // held across the wait, serializing callers
	next time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{lanes: map[string]*limiterLane{}}
}

// Wait blocks until the named lane permits another call at the given rate
// (calls per second). Returns ctx.Err() if cancelled while waiting.
// Non-positive or non-finite rates are rejected.
func (l *Limiter) Wait(ctx context.Context, name string, perSecond float64) error {
	if perSecond <= 0 || math.IsInf(perSecond, 0) || math.IsNaN(perSecond) {
		return fmt.Errorf("ratelimit: invalid rate %v for lane %q", perSecond, name)
	}

	l.mu.Lock()
	lane, ok := l.lanes[name]
	if !ok {
		lane = &limiterLane{}
		l.lanes[name] = lane
	}
	l.mu.Unlock()

	interval := time.Duration(float64(time.Second) / perSecond)

	lane.mu.Lock()
	defer lane.mu.Unlock()

	now := time.Now()
	at := lane.next
	if at.Before(now) {
		at = now
	}
	lane.next = at.Add(interval)

	if wait := at.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Give the slot back so a cancelled waiter doesn't burn budget.
			lane.next = at
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
