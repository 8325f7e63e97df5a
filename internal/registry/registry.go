// Package registry answers one question for the worker: which registration
// identifiers does the public directory list for a given display name?
// The worker treats it as a black box returning {ok, identifiers, trail}.
package registry

import (
	"context"
	"fmt"
)

// Result is the outcome of one directory lookup. Trail records what the
// strategy did, step by step; the worker stores it verbatim in the audit
// entry and never branches on it.
type Result struct {
	OK          bool
	Identifiers []string
	Trail       []string
}

// Lookup finds candidate registration identifiers for a display name.
// OK=false or an empty identifier list means "not found" (retryable);
// a returned error means the lookup itself broke (also retryable).
type Lookup interface {
	Lookup(ctx context.Context, displayName string) (Result, error)
}

// Chain tries an ordered list of strategies until one returns a non-empty
// result. Directory layouts shift; a fallback strategy keeps validations
// flowing while the primary one is being fixed.
type Chain struct {
	strategies []Lookup
}

// NewChain builds a chain from strategies in priority order.
func NewChain(strategies ...Lookup) *Chain {
	return &Chain{strategies: strategies}
}

func (c *Chain) Lookup(ctx context.Context, displayName string) (Result, error) {
	var trail []string
	for i, s := range c.strategies {
		res, err := s.Lookup(ctx, displayName)
		trail = append(trail, res.Trail...)
		if err != nil {
			trail = append(trail, fmt.Sprintf("strategy %d error: %v", i, err))
			if ctx.Err() != nil {
				return Result{Trail: trail}, ctx.Err()
			}
			continue
		}
		if res.OK && len(res.Identifiers) > 0 {
			res.Trail = trail
			return res, nil
		}
	}
	return Result{Trail: trail}, nil
}
