package circuit

import (
	"context"
	"errors"

	"taskengine/pkg/provider"
	"taskengine/pkg/taskerrors"
)

// Middleware refuses rounds the breaker does not admit, without calling the wrapped provider.
// The refusal is PROVIDER_UNAVAILABLE and not retryable: retrying inside the run would spend
// steps on a provider the breaker has already given up on.
func Middleware(b *Breaker) provider.Middleware {
	return func(next provider.Provider) provider.Provider {
		return provider.Wrap(next, func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
			admission, err := b.Admit()
			if err != nil {
				return nil, &taskerrors.Error{
					Code:    taskerrors.CodeProviderUnavailable,
					Message: next.ID() + " refused by " + err.Error(),
					Err:     err,
				}
			}

			res, err := next.ExecuteRound(ctx, req)
			admission.Settle(Classify(ctx, err))
			return res, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}

// Classify maps a round's error onto a breaker outcome. Outbound policy refusals, budget
// breaches, configuration errors and caller cancellation say nothing about provider health.
func Classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return RoundSucceeded
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return RoundRefused
	}
	code := taskerrors.CodeOf(err)
	switch {
	case code.IsOutbound(), code.IsBudget():
		return RoundRefused
	case code == taskerrors.CodeRunCanceled, code == taskerrors.CodeGatewayConfig:
		return RoundRefused
	}
	return RoundFailed
}
