package engine

import (
	"fmt"
	"strings"

	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/run"
	"taskengine/pkg/tools"
)

// initialTranscript builds the opening system and user messages for a task.
func initialTranscript(p *plan.Plan, task *plan.TaskSpec, deps map[string]*run.TaskResult, defs []tools.Definition) []provider.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s agent working on task %q of a %s plan.\n", task.Agent, task.Name, p.Mode)
	if p.Rationale != "" {
		fmt.Fprintf(&sys, "\nPlan rationale: %s\n", p.Rationale)
	}
	writeList(&sys, "Invariants", p.Invariants)
	writeList(&sys, "Success criteria", p.SuccessCriteria)
	if p.OutputContract != "" {
		fmt.Fprintf(&sys, "\nOutput contract: %s\n", p.OutputContract)
	}
	if len(defs) > 0 {
		sys.WriteString("\n")
		sys.WriteString(tools.Documentation(defs))
	}

	var user strings.Builder
	user.WriteString(task.Input)
	for _, dep := range task.DependsOn {
		res, ok := deps[dep]
		switch {
		case !ok:
			continue
		case res.Status == run.TaskSucceeded:
			fmt.Fprintf(&user, "\n\n## Output of %s\n%s", dep, resultText(res))
		case res.Error != nil:
			fmt.Fprintf(&user, "\n\n## Output of %s\n(unavailable: %s)", dep, res.Error.Code)
		}
	}

	return []provider.Message{
		{Role: provider.RoleSystem, Content: strings.TrimSpace(sys.String())},
		{Role: provider.RoleUser, Content: user.String()},
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func resultText(res *run.TaskResult) string {
	if res.OutputText != "" {
		return res.OutputText
	}
	return string(res.OutputJSON)
}
