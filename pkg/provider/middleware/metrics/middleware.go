package metrics

import (
	"context"
	"time"

	"taskengine/pkg/logx"
	"taskengine/pkg/provider"
	"taskengine/pkg/taskerrors"
)

// EstimateUsage derives usage from the transcript and output when a provider reports none.
func EstimateUsage(req *provider.RoundRequest, res *provider.RoundResult) provider.Usage {
	var prompt int
	for i := range req.Messages {
		prompt += EstimateTokens(req.Messages[i].Content)
	}
	completion := EstimateTokens(res.OutputText) + EstimateTokens(string(res.OutputJSON))
	for i := range res.ToolCalls {
		completion += EstimateTokens(res.ToolCalls[i].Name) + 8
	}
	return provider.Usage{PromptTokens: prompt, CompletionTokens: completion}
}

// Middleware records latency, token usage and failure codes for every round.
func Middleware(recorder Recorder, logger *logx.Logger) provider.Middleware {
	return func(next provider.Provider) provider.Provider {
		return provider.Wrap(next, func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
			start := time.Now()
			res, err := next.ExecuteRound(ctx, req)
			duration := time.Since(start)

			var usage provider.Usage
			model := req.Model
			errorCode := ""
			if err != nil {
				errorCode = string(taskerrors.CodeOf(err))
			} else {
				if res.Usage != nil {
					usage = *res.Usage
				} else {
					usage = EstimateUsage(req, res)
				}
				if res.Model != "" {
					model = res.Model
				}
			}

			recorder.ObserveRound(next.ID(), model, req.RunID, req.TaskName,
				usage.PromptTokens, usage.CompletionTokens, err == nil, errorCode, duration)

			if logger != nil {
				status := "success"
				if err != nil {
					status = errorCode
				}
				logger.Info("🎯 Round: provider=%s model=%s task=%s step=%d tokens=%d+%d=%d status=%s duration=%dms",
					next.ID(), model, req.TaskName, req.Step, usage.PromptTokens, usage.CompletionTokens,
					usage.Total(), status, duration.Milliseconds())
			}

			return res, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}
