package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/config"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/provider/middleware/metrics"
	"taskengine/pkg/provider/middleware/retry"
	"taskengine/pkg/run"
	"taskengine/pkg/taskerrors"
	"taskengine/pkg/testkit"
	"taskengine/pkg/tools"
)

// echoTool returns its text argument.
type echoTool struct{}

func (echoTool) Name() string   { return "echo" }
func (echoTool) Critical() bool { return false }
func (echoTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "echo",
		Description: "Echo the given text.",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
	}
}

func (echoTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	return &tools.ExecResult{Content: fmt.Sprint(args["text"])}, nil
}

// deployTool is a critical tool that always fails.
type deployTool struct{}

func (deployTool) Name() string   { return "deploy" }
func (deployTool) Critical() bool { return true }
func (deployTool) Definition() tools.Definition {
	return tools.Definition{Name: "deploy", Description: "Deploy.", InputSchema: tools.InputSchema{Type: "object"}}
}

func (deployTool) Exec(context.Context, map[string]any) (*tools.ExecResult, error) {
	return nil, errors.New("cluster unreachable")
}

type recordingSink struct {
	events []run.Event
	mu     sync.Mutex
}

func (s *recordingSink) WriteEvent(_ string, ev run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		Tiers: []config.TierConfig{
			{Model: "m-low", PricePerToken: 0.001},
			{Model: "m-mid", PricePerToken: 0.002},
			{Model: "m-high", PricePerToken: 0.004},
		},
		MaxTierCap: 2,
	}
}

func testBudget() plan.Budget {
	return plan.Budget{
		MaxSteps:         10,
		MaxToolCalls:     10,
		MaxLatencyMS:     60_000,
		MaxCostEstimate:  100,
		MaxModelUpgrades: 2,
	}
}

func singlePlan(mutate func(*plan.Plan)) *plan.Plan {
	p := &plan.Plan{
		Mode:      plan.ModeSingle,
		Rationale: "short request",
		Budget:    testBudget(),
		Tasks: []plan.TaskSpec{{
			Name:            "single_executor",
			Agent:           "executor",
			Input:           "What is 2+2?",
			ToolsAllowed:    []string{"echo"},
			Model:           plan.DefaultModel,
			ReasoningLevel:  plan.ReasoningMedium,
			MaxOutputTokens: 256,
		}},
		SuccessCriteria: []string{"answer is correct"},
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func task(name string, deps ...string) plan.TaskSpec {
	return plan.TaskSpec{
		Name:            name,
		Agent:           name,
		Input:           "work on " + name,
		DependsOn:       deps,
		ToolsAllowed:    []string{"echo"},
		Model:           plan.DefaultModel,
		ReasoningLevel:  plan.ReasoningLow,
		MaxOutputTokens: 128,
	}
}

func multiPlan() *plan.Plan {
	a := task("executor_a", "planner")
	a.ParallelGroup = "execute"
	b := task("executor_b", "planner")
	b.ParallelGroup = "execute"
	return &plan.Plan{
		Mode:   plan.ModeMulti,
		Budget: testBudget(),
		Tasks: []plan.TaskSpec{
			task("triage"),
			task("planner", "triage"),
			a,
			b,
			task("verifier", "executor_a", "executor_b"),
		},
	}
}

func newEngine(t *testing.T, p provider.Provider, mutate func(*Options)) *Engine {
	t.Helper()
	registry := tools.NewRegistry()
	registry.MustRegister(echoTool{})
	registry.MustRegister(deployTool{})
	registry.Seal()

	opts := Options{
		Provider: p,
		Tools:    registry,
		Pricing:  testPricing(),
		Retry:    retry.NewPolicy(retry.Config{MaxAttempts: 3}, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func eventIndex(r *run.Run, typ run.EventType, taskName string) int {
	for i, ev := range r.Events() {
		if ev.Type == typ && ev.Data["task"] == taskName {
			return i
		}
	}
	return -1
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestSingleTaskSuccess(t *testing.T) {
	p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("4")))
	recorder := metrics.NewInternalRecorder()
	e := newEngine(t, p, func(o *Options) { o.Recorder = recorder })

	r := run.New(singlePlan(nil), "owner-1")
	out := e.ExecuteRun(context.Background(), r)
	require.Same(t, r, out)

	testkit.AssertStatus(t, r, run.StatusSucceeded)
	assert.Nil(t, r.Error)
	assert.Equal(t, []run.EventType{
		run.EventRunStarted,
		run.EventTaskStarted,
		run.EventRoundStart,
		run.EventStepStart,
		run.EventStepFinal,
		run.EventRoundFinal,
		run.EventTaskFinished,
		run.EventRunFinished,
	}, testkit.EventTypes(r))

	res := r.ResultsByTask["single_executor"]
	require.NotNil(t, res)
	assert.Equal(t, run.TaskSucceeded, res.Status)
	assert.Equal(t, "4", res.OutputText)
	assert.Equal(t, "m-mid", res.Model)
	assert.Equal(t, 1, res.Tier)
	assert.Equal(t, 1, res.Rounds)

	assert.Equal(t, 1, r.Metrics.Steps)
	assert.Equal(t, 10, r.Metrics.PromptTokens)
	assert.Equal(t, 5, r.Metrics.CompletionTokens)
	assert.InDelta(t, 15*0.002, r.Metrics.CostEstimate, 1e-9)
	assert.Equal(t, 1, r.Progress.CompletedTasks)
	assert.Empty(t, r.Progress.Running)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, r.ID, req.RunID)
	assert.Equal(t, "single_executor", req.TaskName)
	assert.Equal(t, "m-mid", req.Model)
	assert.Equal(t, 1, req.Tier)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, 1, req.Step)
	assert.Equal(t, 1, req.Attempt)
	assert.NotEmpty(t, req.RequestID)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "answer is correct")
	assert.Contains(t, req.Messages[0].Content, "echo")
	assert.Equal(t, "What is 2+2?", req.Messages[1].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)

	rm := recorder.GetRunMetrics(r.ID)
	require.NotNil(t, rm)
	assert.Equal(t, "owner-1", rm.Owner)
	assert.Equal(t, string(run.StatusSucceeded), rm.Status)
	assert.InDelta(t, 0.03, rm.TotalCost, 1e-9)
}

func TestToolCallsResolvedBeforeNextRound(t *testing.T) {
	p := testkit.NewScriptedProvider(
		testkit.Respond(testkit.CallTools(
			testkit.Call("c1", "echo", map[string]any{"text": "one"}),
			testkit.Call("c2", "echo", map[string]any{"text": "two"}),
		)),
		testkit.Respond(testkit.Final("done")),
	)
	e := newEngine(t, p, nil)
	r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

	testkit.AssertStatus(t, r, run.StatusSucceeded)
	testkit.AssertToolCallsPaired(t, r)
	testkit.AssertEventSequence(t, r,
		run.EventStepStart,
		run.EventStepToolCalls,
		run.EventToolCallStart, run.EventToolCallEnd,
		run.EventToolCallStart, run.EventToolCallEnd,
		run.EventStepStart,
		run.EventStepFinal,
	)

	starts := r.EventsOf(run.EventToolCallStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "c1", starts[0].Data["call_id"])
	assert.Equal(t, "c2", starts[1].Data["call_id"])
	for _, end := range r.EventsOf(run.EventToolCallEnd) {
		assert.Equal(t, false, end.Data["is_error"])
	}

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[1].Step)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, provider.RoleAssistant, msgs[2].Role)
	assert.Len(t, msgs[2].ToolCalls, 2)
	assert.Equal(t, provider.Message{Role: provider.RoleTool, Content: "one", ToolCallID: "c1", Name: "echo"}, msgs[3])
	assert.Equal(t, provider.Message{Role: provider.RoleTool, Content: "two", ToolCallID: "c2", Name: "echo"}, msgs[4])

	res := r.ResultsByTask["single_executor"]
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 2, r.Metrics.ToolCalls)
}

func TestToolErrorsGoBackToTheModel(t *testing.T) {
	p := testkit.NewScriptedProvider(
		testkit.Respond(testkit.CallTools(
			testkit.Call("c1", "echo", nil),
			testkit.Call("c2", "shell", map[string]any{"cmd": "ls"}),
		)),
		testkit.Respond(testkit.Final("recovered")),
	)
	e := newEngine(t, p, nil)
	r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

	testkit.AssertStatus(t, r, run.StatusSucceeded)
	msgs := p.Requests()[1].Messages
	require.Len(t, msgs, 5)
	assert.True(t, msgs[3].IsError, "missing required argument")
	assert.True(t, msgs[4].IsError, "tool not allowed")
	assert.Contains(t, msgs[4].Content, "not allowed")
}

func TestCriticalToolFailsRun(t *testing.T) {
	p := testkit.NewScriptedProvider(testkit.Respond(testkit.CallTools(testkit.Call("c1", "deploy", nil))))
	e := newEngine(t, p, nil)
	pl := singlePlan(func(p *plan.Plan) { p.Tasks[0].ToolsAllowed = []string{"deploy"} })
	r := e.ExecuteRun(context.Background(), run.New(pl, ""))

	testkit.AssertFailedWith(t, r, taskerrors.CodeToolFailed)
	testkit.AssertToolCallsPaired(t, r)
	ends := r.EventsOf(run.EventToolCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, true, ends[0].Data["is_error"])
	assert.Equal(t, string(taskerrors.CodeToolFailed), ends[0].Data["error_code"])
	assert.Len(t, p.Requests(), 1)
}

func TestBudgetViolations(t *testing.T) {
	looping := testkit.Respond(testkit.CallTools(testkit.Call("c1", "echo", map[string]any{"text": "x"})))

	tests := []struct {
		name     string
		budget   func(*plan.Budget)
		steps    []testkit.Step
		code     taskerrors.Code
		requests int
		limit    any
	}{
		{
			name:     "zero tool calls",
			budget:   func(b *plan.Budget) { b.MaxToolCalls = 0 },
			steps:    []testkit.Step{looping},
			code:     taskerrors.CodeBudgetToolCalls,
			requests: 1,
			limit:    0,
		},
		{
			name:     "tool calls exhausted",
			budget:   func(b *plan.Budget) { b.MaxToolCalls = 2 },
			steps:    []testkit.Step{looping},
			code:     taskerrors.CodeBudgetToolCalls,
			requests: 3,
			limit:    2,
		},
		{
			name:     "steps exhausted",
			budget:   func(b *plan.Budget) { b.MaxSteps = 2 },
			steps:    []testkit.Step{looping},
			code:     taskerrors.CodeBudgetSteps,
			requests: 2,
			limit:    2,
		},
		{
			name:     "cost projected over ceiling",
			budget:   func(b *plan.Budget) { b.MaxCostEstimate = 0.01 },
			steps:    []testkit.Step{testkit.Respond(testkit.Final("never"))},
			code:     taskerrors.CodeBudgetCost,
			requests: 0,
			limit:    0.01,
		},
		{
			name:     "no model upgrades left",
			budget:   func(b *plan.Budget) { b.MaxModelUpgrades = 0 },
			steps:    []testkit.Step{testkit.Respond(testkit.Empty())},
			code:     taskerrors.CodeBudgetModelUpgrades,
			requests: 1,
			limit:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testkit.NewScriptedProvider(tt.steps...)
			e := newEngine(t, p, nil)
			pl := singlePlan(func(p *plan.Plan) { tt.budget(&p.Budget) })
			r := e.ExecuteRun(context.Background(), run.New(pl, ""))

			testkit.AssertFailedWith(t, r, tt.code)
			assert.False(t, r.Error.Retryable)
			assert.Len(t, p.Requests(), tt.requests)

			violations := r.EventsOf(run.EventBudgetViolated)
			require.Len(t, violations, 1)
			assert.Equal(t, string(tt.code), violations[0].Data["code"])
			assert.Equal(t, "single_executor", violations[0].Data["task"])
			assert.EqualValues(t, tt.limit, violations[0].Data["limit"])
			testkit.AssertToolCallsPaired(t, r)
			testkit.AssertTerminalEventLast(t, r)
		})
	}
}

func TestZeroToolCallBudgetStartsNoTool(t *testing.T) {
	p := testkit.NewScriptedProvider(testkit.Respond(testkit.CallTools(testkit.Call("c1", "echo", map[string]any{"text": "x"}))))
	e := newEngine(t, p, nil)
	pl := singlePlan(func(p *plan.Plan) { p.Budget.MaxToolCalls = 0 })
	r := e.ExecuteRun(context.Background(), run.New(pl, ""))

	testkit.AssertFailedWith(t, r, taskerrors.CodeBudgetToolCalls)
	testkit.AssertNoEvent(t, r, run.EventToolCallStart)
	testkit.AssertNoEvent(t, r, run.EventToolCallEnd)
	assert.Equal(t, 0, r.Metrics.ToolCalls)
}

func TestLatencyBudget(t *testing.T) {
	clock := newFakeClock()
	slow := func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
		clock.Advance(2 * time.Second)
		return testkit.Respond(testkit.CallTools(testkit.Call("c1", "echo", map[string]any{"text": "x"})))(ctx, req)
	}
	p := testkit.NewScriptedProvider(slow)
	e := newEngine(t, p, func(o *Options) { o.Now = clock.Now })
	pl := singlePlan(func(p *plan.Plan) {
		p.Budget.MaxLatencyMS = 1000
		p.Tasks[0].TimeoutMS = 30_000
	})
	r := e.ExecuteRun(context.Background(), run.New(pl, ""))

	testkit.AssertFailedWith(t, r, taskerrors.CodeBudgetLatency)
	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, time.Second, reqs[0].Timeout)
	assert.EqualValues(t, 2000, r.Metrics.LatencyMS)
}

func TestProviderRetries(t *testing.T) {
	unavailable := testkit.Fail(taskerrors.HTTPStatus(503, "service unavailable"))

	t.Run("retryable then success", func(t *testing.T) {
		p := testkit.NewScriptedProvider(unavailable, testkit.Respond(testkit.Final("ok")))
		e := newEngine(t, p, nil)
		r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

		testkit.AssertStatus(t, r, run.StatusSucceeded)
		reqs := p.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, 1, reqs[0].Attempt)
		assert.Equal(t, 2, reqs[1].Attempt)
		assert.NotEqual(t, reqs[0].RequestID, reqs[1].RequestID)
		assert.Equal(t, 1, r.Metrics.Retries)
		assert.Equal(t, 2, r.Metrics.Steps)

		retries := r.EventsOf(run.EventProviderRetry)
		require.Len(t, retries, 1)
		assert.Equal(t, string(taskerrors.CodeProviderHTTP), retries[0].Data["code"])
	})

	t.Run("non-retryable fails at once", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Fail(taskerrors.HTTPStatus(400, "bad request")))
		e := newEngine(t, p, nil)
		r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeProviderHTTP)
		assert.False(t, r.Error.Retryable)
		assert.Len(t, p.Requests(), 1)
		testkit.AssertNoEvent(t, r, run.EventProviderRetry)
		assert.Equal(t, run.TaskFailed, r.ResultsByTask["single_executor"].Status)
	})

	t.Run("policy attempts exhausted", func(t *testing.T) {
		p := testkit.NewScriptedProvider(unavailable)
		e := newEngine(t, p, func(o *Options) { o.Retry = retry.NewPolicy(retry.Config{MaxAttempts: 2}, nil) })
		r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeProviderHTTP)
		assert.True(t, r.Error.Retryable)
		assert.Len(t, p.Requests(), 2)
	})

	t.Run("no retry without a step left", func(t *testing.T) {
		p := testkit.NewScriptedProvider(unavailable)
		e := newEngine(t, p, nil)
		pl := singlePlan(func(p *plan.Plan) { p.Budget.MaxSteps = 1 })
		r := e.ExecuteRun(context.Background(), run.New(pl, ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeProviderHTTP)
		assert.Len(t, p.Requests(), 1)
		testkit.AssertNoEvent(t, r, run.EventBudgetViolated)
	})

	t.Run("malformed response is not retried", func(t *testing.T) {
		mismatched := func(context.Context, *provider.RoundRequest) (*provider.RoundResult, error) {
			return &provider.RoundResult{RequestID: "someone-else", OutputText: "hi"}, nil
		}
		p := testkit.NewScriptedProvider(mismatched)
		e := newEngine(t, p, nil)
		r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeGatewayResponseInvalid)
		assert.Len(t, p.Requests(), 1)
	})
}

func TestEmptyOutput(t *testing.T) {
	t.Run("upgrades the tier", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Respond(testkit.Empty()), testkit.Respond(testkit.Final("better")))
		e := newEngine(t, p, nil)
		pl := singlePlan(func(p *plan.Plan) { p.Tasks[0].ReasoningLevel = plan.ReasoningLow })
		r := e.ExecuteRun(context.Background(), run.New(pl, ""))

		testkit.AssertStatus(t, r, run.StatusSucceeded)
		reqs := p.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, "m-low", reqs[0].Model)
		assert.Equal(t, 0, reqs[0].Tier)
		assert.Equal(t, "m-mid", reqs[1].Model)
		assert.Equal(t, 1, reqs[1].Tier)

		upgrades := r.EventsOf(run.EventModelUpgrade)
		require.Len(t, upgrades, 1)
		assert.Equal(t, 0, upgrades[0].Data["from_tier"])
		assert.Equal(t, 1, upgrades[0].Data["to_tier"])
		assert.Equal(t, 1, r.Metrics.ModelUpgrades)

		res := r.ResultsByTask["single_executor"]
		assert.Equal(t, "better", res.OutputText)
		assert.Equal(t, 1, res.Tier)
	})

	t.Run("fails at the tier cap", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Respond(testkit.Empty()))
		e := newEngine(t, p, func(o *Options) { o.Pricing.MaxTierCap = 1 })
		r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeTaskEmptyOutput)
		testkit.AssertNoEvent(t, r, run.EventModelUpgrade)
		testkit.AssertNoEvent(t, r, run.EventBudgetViolated)
		assert.Len(t, p.Requests(), 1)
	})

	t.Run("reasoning tier is capped", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("ok")))
		e := newEngine(t, p, func(o *Options) { o.Pricing.MaxTierCap = 0 })
		pl := singlePlan(func(p *plan.Plan) { p.Tasks[0].ReasoningLevel = plan.ReasoningHigh })
		r := e.ExecuteRun(context.Background(), run.New(pl, ""))

		testkit.AssertStatus(t, r, run.StatusSucceeded)
		assert.Equal(t, "m-low", p.Requests()[0].Model)
	})
}

func TestMultiPlanRunsParallelGroupConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	rendezvous := func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
		arrived.Done()
		select {
		case <-both:
			return testkit.Respond(testkit.Final(req.TaskName+" done"))(ctx, req)
		case <-time.After(5 * time.Second):
			return nil, taskerrors.New(taskerrors.CodeInternal, "sibling never started")
		}
	}

	p := testkit.NewScriptedProvider().
		OnTask("triage", testkit.Respond(testkit.Final("triaged"))).
		OnTask("planner", testkit.Respond(testkit.Final("planned"))).
		OnTask("executor_a", rendezvous).
		OnTask("executor_b", rendezvous).
		OnTask("verifier", testkit.Respond(testkit.Final("verified")))
	e := newEngine(t, p, nil)
	r := e.ExecuteRun(context.Background(), run.New(multiPlan(), ""))

	testkit.AssertStatus(t, r, run.StatusSucceeded)
	testkit.AssertTerminalEventLast(t, r)
	for _, name := range []string{"triage", "planner", "executor_a", "executor_b", "verifier"} {
		require.Contains(t, r.ResultsByTask, name)
		assert.Equal(t, run.TaskSucceeded, r.ResultsByTask[name].Status, name)
	}
	assert.Equal(t, 5, r.Progress.CompletedTasks)

	assert.Less(t, eventIndex(r, run.EventTaskFinished, "triage"), eventIndex(r, run.EventTaskStarted, "planner"))
	assert.Less(t, eventIndex(r, run.EventTaskFinished, "executor_a"), eventIndex(r, run.EventTaskStarted, "verifier"))
	assert.Less(t, eventIndex(r, run.EventTaskFinished, "executor_b"), eventIndex(r, run.EventTaskStarted, "verifier"))

	verifier := p.RequestsFor("verifier")
	require.Len(t, verifier, 1)
	input := verifier[0].Messages[1].Content
	assert.Contains(t, input, "## Output of executor_a\nexecutor_a done")
	assert.Contains(t, input, "## Output of executor_b\nexecutor_b done")
}

func TestParallelFailureCancelsSibling(t *testing.T) {
	p := testkit.NewScriptedProvider().
		OnTask("executor_a", testkit.Fail(taskerrors.HTTPStatus(400, "rejected"))).
		OnTask("executor_b", testkit.Block())
	e := newEngine(t, p, nil)

	done := make(chan *run.Run, 1)
	go func() { done <- e.ExecuteRun(context.Background(), run.New(multiPlan(), "")) }()

	var r *run.Run
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after a group member failed")
	}

	testkit.AssertFailedWith(t, r, taskerrors.CodeProviderHTTP)
	require.Contains(t, r.ResultsByTask, "executor_b")
	b := r.ResultsByTask["executor_b"]
	assert.Equal(t, run.TaskFailed, b.Status)
	assert.Equal(t, taskerrors.CodeRunCanceled, b.Error.Code)
	require.Contains(t, r.ResultsByTask, "verifier")
	assert.Equal(t, run.TaskSkipped, r.ResultsByTask["verifier"].Status)
	assert.Empty(t, p.RequestsFor("verifier"))
	assert.Equal(t, 2, r.Progress.FailedTasks)
}

func TestParallelBranchesShareCostCeiling(t *testing.T) {
	// Each round projects a little over 10 at tier 0, so the ceiling admits one branch in
	// flight but not two. Whichever branch reserves first holds its round open.
	pl := multiPlan()
	pl.Budget.MaxCostEstimate = 15
	for i := range pl.Tasks {
		pl.Tasks[i].MaxOutputTokens = 10_000
	}
	p := testkit.NewScriptedProvider().
		OnTask("executor_a", testkit.Block()).
		OnTask("executor_b", testkit.Block())
	e := newEngine(t, p, nil)

	done := make(chan *run.Run, 1)
	go func() { done <- e.ExecuteRun(context.Background(), run.New(pl, "")) }()

	var r *run.Run
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the cost ceiling was hit")
	}

	testkit.AssertFailedWith(t, r, taskerrors.CodeBudgetCost)
	violations := r.EventsOf(run.EventBudgetViolated)
	require.Len(t, violations, 1)
	assert.Equal(t, string(taskerrors.CodeBudgetCost), violations[0].Data["code"])
	assert.LessOrEqual(t, r.Metrics.CostEstimate, pl.Budget.MaxCostEstimate)
	assert.Len(t, append(p.RequestsFor("executor_a"), p.RequestsFor("executor_b")...), 1)
	assert.Empty(t, p.RequestsFor("verifier"))
}

func TestOptionalTaskFailureIsSoft(t *testing.T) {
	research := task("research")
	research.Optional = true
	pl := &plan.Plan{
		Mode:   plan.ModeMulti,
		Budget: testBudget(),
		Tasks:  []plan.TaskSpec{research, task("answer", "research")},
	}

	t.Run("provider failure", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("answered"))).
			OnTask("research", testkit.Fail(taskerrors.HTTPStatus(404, "no such model")))
		e := newEngine(t, p, nil)
		r := e.ExecuteRun(context.Background(), run.New(pl.Clone(), ""))

		testkit.AssertStatus(t, r, run.StatusSucceeded)
		assert.Equal(t, run.TaskFailed, r.ResultsByTask["research"].Status)
		assert.Equal(t, run.TaskSucceeded, r.ResultsByTask["answer"].Status)
		assert.Equal(t, 1, r.Progress.FailedTasks)
		assert.Equal(t, 1, r.Progress.CompletedTasks)

		answer := p.RequestsFor("answer")
		require.Len(t, answer, 1)
		assert.Contains(t, answer[0].Messages[1].Content, "(unavailable: PROVIDER_HTTP)")
	})

	t.Run("budget breach still fails the run", func(t *testing.T) {
		p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("answered"))).
			OnTask("research", testkit.Respond(testkit.CallTools(testkit.Call("c1", "echo", map[string]any{"text": "x"}))))
		e := newEngine(t, p, nil)
		budgeted := pl.Clone()
		budgeted.Budget.MaxToolCalls = 0
		r := e.ExecuteRun(context.Background(), run.New(budgeted, ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeBudgetToolCalls)
		assert.Empty(t, p.RequestsFor("answer"))
	})
}

func TestCancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		p := testkit.NewScriptedProvider()
		e := newEngine(t, p, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := e.ExecuteRun(ctx, run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeRunCanceled)
		assert.Empty(t, p.Requests())
		testkit.AssertTerminalEventLast(t, r)
	})

	t.Run("during a round", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hang := func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
			cancel()
			return testkit.Block()(ctx, req)
		}
		p := testkit.NewScriptedProvider(hang)
		e := newEngine(t, p, nil)
		r := e.ExecuteRun(ctx, run.New(singlePlan(nil), ""))

		testkit.AssertFailedWith(t, r, taskerrors.CodeRunCanceled)
		assert.Len(t, p.Requests(), 1)
		testkit.AssertNoEvent(t, r, run.EventProviderRetry)
	})
}

func TestExecuteDecodedRun(t *testing.T) {
	planJSON, err := plan.EncodeJSON(singlePlan(nil))
	require.NoError(t, err)
	data := fmt.Sprintf(`{"id":"r1","status":"queued","plan":%s}`, planJSON)

	var r run.Run
	require.NoError(t, json.Unmarshal([]byte(data), &r))
	require.Nil(t, r.ResultsByTask)

	p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("4")))
	out := newEngine(t, p, nil).ExecuteRun(context.Background(), &r)

	require.Same(t, &r, out)
	testkit.AssertStatus(t, &r, run.StatusSucceeded)
	testkit.AssertTerminalEventLast(t, &r)
	assert.Equal(t, "r1", r.ID)
	require.Contains(t, r.ResultsByTask, "single_executor")
	assert.Equal(t, "4", r.ResultsByTask["single_executor"].OutputText)
	assert.Equal(t, 1, r.Progress.TotalTasks)
	assert.Equal(t, 1, r.Progress.CompletedTasks)
}

func TestRejectedRuns(t *testing.T) {
	p := testkit.NewScriptedProvider()
	e := newEngine(t, p, nil)
	ctx := context.Background()

	t.Run("nil run", func(t *testing.T) {
		r := e.ExecuteRun(ctx, nil)
		require.NotNil(t, r)
		testkit.AssertFailedWith(t, r, taskerrors.CodePlanInvalid)
		testkit.AssertTerminalEventLast(t, r)
	})

	t.Run("nil plan", func(t *testing.T) {
		r := e.ExecuteRun(ctx, run.New(nil, ""))
		testkit.AssertFailedWith(t, r, taskerrors.CodePlanInvalid)
	})

	t.Run("invalid plan", func(t *testing.T) {
		pl := singlePlan(func(p *plan.Plan) { p.Tasks = append(p.Tasks, task("extra")) })
		r := e.ExecuteRun(ctx, run.New(pl, ""))
		testkit.AssertFailedWith(t, r, taskerrors.CodePlanInvalid)
		assert.Contains(t, r.Error.Message, "single mode")
		testkit.AssertNoEvent(t, r, run.EventRunStarted)
	})

	t.Run("run not queued", func(t *testing.T) {
		r := run.New(singlePlan(nil), "")
		require.NoError(t, r.Transition(run.StatusRunning))
		out := e.ExecuteRun(ctx, r)
		assert.Same(t, r, out)
		testkit.AssertStatus(t, r, run.StatusRunning)
		assert.Empty(t, r.Events())
	})

	assert.Empty(t, p.Requests())
}

func TestSinkReceivesEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	p := testkit.NewScriptedProvider(
		testkit.Respond(testkit.CallTools(testkit.Call("c1", "echo", map[string]any{"text": "x"}))),
		testkit.Respond(testkit.Final("done")),
	)
	e := newEngine(t, p, func(o *Options) { o.Sink = sink })
	r := e.ExecuteRun(context.Background(), run.New(singlePlan(nil), ""))

	testkit.AssertStatus(t, r, run.StatusSucceeded)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, len(r.Events()))
	for i, ev := range r.Events() {
		assert.Equal(t, ev.Type, sink.events[i].Type)
	}
}

func TestConcurrentRunsOnOneEngine(t *testing.T) {
	p := testkit.NewScriptedProvider(testkit.Respond(testkit.Final("ok")))
	e := newEngine(t, p, nil)

	var wg sync.WaitGroup
	runs := make([]*run.Run, 8)
	for i := range runs {
		runs[i] = run.New(singlePlan(nil), "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ExecuteRun(context.Background(), runs[i])
		}()
	}
	wg.Wait()

	for _, r := range runs {
		testkit.AssertStatus(t, r, run.StatusSucceeded)
		assert.Equal(t, 1, r.Metrics.Steps)
	}
}
