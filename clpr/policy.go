package clpr

import (
	"context"

	"golang.org/x/time/rate"
)

// AuthorizeRequest describes a send a connector is asked to carry.
type AuthorizeRequest struct {
	Source            AppID
	DestinationLedger LedgerID
	DestinationApp    AppID
	MinCharge         Amount
	Unit              string
	PayloadSize       int
}

// AuthorizePolicy is the pluggable part of Connector.Authorize.
type AuthorizePolicy interface {
	Authorize(ctx context.Context, req AuthorizeRequest) bool
}

// PolicyFunc adapts a function to AuthorizePolicy.
type PolicyFunc func(ctx context.Context, req AuthorizeRequest) bool

// Authorize calls f.
func (f PolicyFunc) Authorize(ctx context.Context, req AuthorizeRequest) bool { return f(ctx, req) }

// AllowAll accepts every send.
func AllowAll() AuthorizePolicy {
	return PolicyFunc(func(context.Context, AuthorizeRequest) bool { return true })
}

// DenyAll refuses every send.
func DenyAll() AuthorizePolicy {
	return PolicyFunc(func(context.Context, AuthorizeRequest) bool { return false })
}

// RateLimit accepts at most perSecond sends per second with the given burst.
// It never waits: a send over the limit is refused.
func RateLimit(perSecond float64, burst int) AuthorizePolicy {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return PolicyFunc(func(context.Context, AuthorizeRequest) bool {
		return limiter.Allow()
	})
}

// Chain accepts only when every policy accepts, evaluating in order and
// stopping at the first refusal.
func Chain(policies ...AuthorizePolicy) AuthorizePolicy {
	return PolicyFunc(func(ctx context.Context, req AuthorizeRequest) bool {
		for _, p := range policies {
			if !p.Authorize(ctx, req) {
				return false
			}
		}
		return true
	})
}
