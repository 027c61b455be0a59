package provider

import "context"

// Middleware wraps a Provider with additional behavior.
// Middlewares are composed using Chain() to create a processing pipeline.
type Middleware func(next Provider) Provider

// wrapped overrides ExecuteRound and delegates the descriptive methods to the inner provider.
type wrapped struct {
	Provider
	execute func(context.Context, *RoundRequest) (*RoundResult, error)
}

func (w wrapped) ExecuteRound(ctx context.Context, req *RoundRequest) (*RoundResult, error) {
	return w.execute(ctx, req)
}

// Wrap creates a Provider that runs execute for each round and reports next's id,
// capabilities and availability.
func Wrap(next Provider, execute func(context.Context, *RoundRequest) (*RoundResult, error)) Provider {
	return wrapped{Provider: next, execute: execute}
}

// Chain composes middlewares around a base Provider. Earlier middlewares are outermost:
//
//	Chain(p, mw1, mw2) => mw1 -> mw2 -> p
func Chain(base Provider, middlewares ...Middleware) Provider {
	p := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i](p)
	}
	return p
}
