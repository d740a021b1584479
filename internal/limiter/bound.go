package limiter

import (
	"context"
	"fmt"
)

// Bound fixes an engine, algorithm, scope and policy so callers that only
// know an identifier can use the Limiter interface.
type Bound struct {
	engine    *Engine
	algorithm Algorithm
	scope     string
	policy    Policy
}

// NewBound creates a Limiter over engine.
func NewBound(engine *Engine, alg Algorithm, scope string, p Policy) (*Bound, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if scope == "" {
		scope = ScopeCustom
	}
	return &Bound{engine: engine, algorithm: alg, scope: scope, policy: p}, nil
}

// Allow consumes one point for identifier.
func (b *Bound) Allow(ctx context.Context, identifier string) Decision {
	return b.engine.Check(ctx, b.algorithm, Key{Scope: b.scope, Identifier: identifier}, b.policy)
}

func (b *Bound) Algorithm() Algorithm { return b.algorithm }

func (b *Bound) Policy() Policy { return b.policy }
