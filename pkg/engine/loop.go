package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/provider/middleware/metrics"
	"taskengine/pkg/run"
	"taskengine/pkg/taskerrors"
)

// loop drives one task through provider rounds until a round returns final output or a
// ceiling is hit. Every tool call of a round is resolved and appended to the transcript before
// the next round is issued.
func (x *execution) loop(ctx context.Context, task *plan.TaskSpec) (*run.TaskResult, error) {
	tier := min(task.ReasoningLevel.Tier(), x.e.pricing.MaxTierCap)
	model := x.modelFor(task, tier)
	res := &run.TaskResult{Status: run.TaskRunning, Model: model, Tier: tier}

	defs := x.e.tools.Definitions(task.ToolsAllowed)
	specs := x.e.tools.Specs(task.ToolsAllowed)
	transcript := initialTranscript(x.plan, task, x.dependencyResults(task), defs)

	toolNames := make([]string, 0, len(specs))
	for _, spec := range specs {
		toolNames = append(toolNames, spec.Name)
	}
	x.emit(run.EventRoundStart, run.Fields{
		"task":  task.Name,
		"model": model,
		"tier":  tier,
		"tools": toolNames,
	})

	attempt := 1
	for {
		if err := ctx.Err(); err != nil {
			return res, taskerrors.Wrap(taskerrors.CodeRunCanceled, err, "run canceled")
		}
		remaining, err := x.ledger.remaining()
		if err != nil {
			return res, x.violated(task, err)
		}
		projected := x.projectCost(transcript, task.MaxOutputTokens, tier)
		if err := x.ledger.reserveCost(projected); err != nil {
			return res, x.violated(task, err)
		}
		if err := x.ledger.takeStep(); err != nil {
			_ = x.ledger.settleCost(projected, 0)
			return res, x.violated(task, err)
		}

		res.Rounds++
		x.run.UpdateMetrics(func(m *run.Metrics) { m.Steps++ })
		req := &provider.RoundRequest{
			RequestID: uuid.NewString(),
			RunID:     x.run.ID,
			TaskName:  task.Name,
			Step:      res.Rounds,
			Attempt:   attempt,
			Model:     model,
			MaxTokens: task.MaxOutputTokens,
			Tier:      tier,
			Messages:  slices.Clone(transcript),
			Tools:     specs,
			Timeout:   roundTimeout(task, remaining),
		}
		x.emit(run.EventStepStart, run.Fields{
			"task":       task.Name,
			"request_id": req.RequestID,
			"step":       req.Step,
			"attempt":    attempt,
			"model":      model,
			"tier":       tier,
			"messages":   len(req.Messages),
		})
		x.e.logger.Info("🔄 Starting round %d of %s on model '%s' (tier %d) with %d messages, %d max tokens, %d tools",
			req.Step, task.Name, model, tier, len(req.Messages), req.MaxTokens, len(specs))

		callStart := x.e.now()
		out, err := x.e.provider.ExecuteRound(ctx, req)
		if err == nil {
			err = provider.ValidateResult(req, out)
		}
		duration := x.e.now().Sub(callStart)
		if err != nil {
			_ = x.ledger.settleCost(projected, 0)
			x.e.logger.Error("❌ Round %d of %s failed after %.3gs: %v", req.Step, task.Name, duration.Seconds(), err)
			if !x.shouldRetry(ctx, err, attempt) {
				return res, err
			}
			attempt++
			x.run.UpdateMetrics(func(m *run.Metrics) { m.Retries++ })
			x.emit(run.EventProviderRetry, run.Fields{
				"task":       task.Name,
				"request_id": req.RequestID,
				"code":       string(taskerrors.CodeOf(err)),
				"attempt":    attempt,
			})
			if werr := x.e.retry.Wait(ctx, attempt); werr != nil {
				return res, taskerrors.Wrap(taskerrors.CodeRunCanceled, werr, "canceled during retry backoff")
			}
			continue
		}
		attempt = 1

		latencyMS := duration.Milliseconds()
		if out.ProviderLatencyMS != nil {
			latencyMS = *out.ProviderLatencyMS
		}
		usage := metrics.EstimateUsage(req, out)
		if out.Usage != nil {
			usage = *out.Usage
		}
		cost := float64(usage.Total()) * x.e.pricing.PriceForTier(tier)
		overrun := x.ledger.settleCost(projected, cost)
		x.run.UpdateMetrics(func(m *run.Metrics) {
			m.PromptTokens += usage.PromptTokens
			m.CompletionTokens += usage.CompletionTokens
			m.CostEstimate += cost
		})
		x.e.recorder.ObserveCost(x.run.ID, x.run.Owner, cost)
		if overrun != nil {
			return res, x.violated(task, overrun)
		}
		if out.Model != "" {
			res.Model = out.Model
		}
		x.e.logger.Info("✅ Round %d of %s completed in %.3gs, response length: %d chars, tool calls: %d",
			req.Step, task.Name, duration.Seconds(), len(out.OutputText), len(out.ToolCalls))

		if len(out.ToolCalls) > 0 {
			ids := make([]string, 0, len(out.ToolCalls))
			for _, call := range out.ToolCalls {
				ids = append(ids, call.CallID)
			}
			x.emit(run.EventStepToolCalls, run.Fields{
				"task":       task.Name,
				"request_id": req.RequestID,
				"step":       req.Step,
				"call_ids":   ids,
				"latency_ms": latencyMS,
			})
			transcript = append(transcript, provider.Message{
				Role:      provider.RoleAssistant,
				Content:   out.OutputText,
				ToolCalls: out.ToolCalls,
			})
			for _, call := range out.ToolCalls {
				if err := x.ledger.takeToolCall(); err != nil {
					return res, x.violated(task, err)
				}
				msg, err := x.invokeTool(ctx, task, call)
				res.ToolCalls++
				if err != nil {
					return res, err
				}
				transcript = append(transcript, msg)
			}
			continue
		}

		if !out.HasOutput() {
			if tier >= x.e.pricing.MaxTierCap {
				return res, taskerrors.Newf(taskerrors.CodeTaskEmptyOutput,
					"task %s produced no output at the highest allowed tier %d", task.Name, tier)
			}
			if err := x.ledger.takeUpgrade(); err != nil {
				return res, x.violated(task, err)
			}
			from := tier
			tier++
			model = x.modelFor(task, tier)
			res.Tier, res.Model = tier, model
			x.run.UpdateMetrics(func(m *run.Metrics) { m.ModelUpgrades++ })
			x.emit(run.EventModelUpgrade, run.Fields{
				"task":      task.Name,
				"from_tier": from,
				"to_tier":   tier,
				"model":     model,
			})
			x.e.logger.Warn("⚠️  Empty output from %s, upgrading tier %d -> %d", task.Name, from, tier)
			continue
		}

		x.emit(run.EventStepFinal, run.Fields{
			"task":              task.Name,
			"request_id":        req.RequestID,
			"step":              req.Step,
			"model":             res.Model,
			"latency_ms":        latencyMS,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"cost":              cost,
		})
		res.Status = run.TaskSucceeded
		res.OutputText = out.OutputText
		res.OutputJSON = out.OutputJSON
		x.emit(run.EventRoundFinal, run.Fields{
			"task":         task.Name,
			"rounds":       res.Rounds,
			"tool_calls":   res.ToolCalls,
			"output_chars": len(out.OutputText) + len(out.OutputJSON),
		})
		return res, nil
	}
}

// invokeTool runs one tool call between a paired start/end event and returns the tool message
// answering it. Only a critical tool failure returns an error.
func (x *execution) invokeTool(ctx context.Context, task *plan.TaskSpec, call provider.ToolCall) (provider.Message, error) {
	x.run.UpdateMetrics(func(m *run.Metrics) { m.ToolCalls++ })
	x.emit(run.EventToolCallStart, run.Fields{
		"task":    task.Name,
		"call_id": call.CallID,
		"name":    call.Name,
	})
	x.e.logger.Info("🔧 Executing tool: %s (%s)", call.Name, call.CallID)

	start := x.e.now()
	result, err := x.e.tools.Invoke(ctx, call, task.ToolsAllowed)
	end := run.Fields{
		"task":        task.Name,
		"call_id":     call.CallID,
		"name":        call.Name,
		"duration_ms": x.e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		end["is_error"] = true
		end["error_code"] = string(taskerrors.CodeOf(err))
		x.emit(run.EventToolCallEnd, end)
		return provider.Message{}, err
	}
	end["is_error"] = result.IsError
	x.emit(run.EventToolCallEnd, end)

	return provider.Message{
		Role:       provider.RoleTool,
		Content:    result.Content,
		ToolCallID: call.CallID,
		Name:       call.Name,
		IsError:    result.IsError,
	}, nil
}

// violated records a budget breach and returns it as the task's failure.
func (x *execution) violated(task *plan.TaskSpec, err error) error {
	code := taskerrors.CodeOf(err)
	data := run.Fields{"task": task.Name, "code": string(code)}
	var v *violation
	if errors.As(err, &v) {
		data["limit"] = v.limit
		data["used"] = v.used
	}
	x.emit(run.EventBudgetViolated, data)
	x.e.recorder.IncBudgetViolation(string(code))
	x.e.logger.Warn("⚠️  Budget violation in %s: %v", task.Name, err)
	return err
}

// shouldRetry reports whether a failed round may be attempted again: the failure is
// retryable, the policy allows another attempt, a step remains for it, and the caller is
// still waiting.
func (x *execution) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil || !x.e.retry.ShouldRetry(err) || !x.e.retry.CanAttempt(attempt+1) {
		return false
	}
	return x.ledger.hasStep()
}

// projectCost is the worst-case cost of the next round: the transcript estimate plus the full
// output allowance at the tier's price.
func (x *execution) projectCost(transcript []provider.Message, maxTokens, tier int) float64 {
	tokens := maxTokens
	for i := range transcript {
		tokens += metrics.EstimateTokens(transcript[i].Content)
	}
	return float64(tokens) * x.e.pricing.PriceForTier(tier)
}

// modelFor maps a tier to a model: the pricing table's model for that tier when configured,
// otherwise whatever the task names.
func (x *execution) modelFor(task *plan.TaskSpec, tier int) string {
	fallback := task.Model
	if fallback == "" {
		fallback = plan.DefaultModel
	}
	return x.e.pricing.ModelForTier(tier, fallback)
}

func (x *execution) dependencyResults(task *plan.TaskSpec) map[string]*run.TaskResult {
	deps := make(map[string]*run.TaskResult, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if res, ok := x.run.Result(dep); ok {
			deps[dep] = res
		}
	}
	return deps
}

// roundTimeout is the task's timeout, never longer than the latency budget left.
func roundTimeout(task *plan.TaskSpec, remaining time.Duration) time.Duration {
	if task.TimeoutMS > 0 {
		return min(time.Duration(task.TimeoutMS)*time.Millisecond, remaining)
	}
	return remaining
}
