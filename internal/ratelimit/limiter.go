// Package ratelimit throttles charge creation per caller.
package ratelimit

import (
	"context"
	"time"
)

// Policy is a named budget of Max events per Window.
type Policy struct {
	Name   string
	Window time.Duration
	Max    int
}

func (p Policy) unlimited() bool { return p.Max <= 0 || p.Window <= 0 }

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func open(p Policy, now time.Time) Decision {
	return Decision{Allowed: true, Limit: p.Max, Remaining: p.Max, ResetAt: now.Add(p.Window)}
}

// Limiter records one event for key under p.
type Limiter interface {
	Take(ctx context.Context, key string, p Policy) (Decision, error)
}
