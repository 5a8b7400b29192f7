package validation

import (
	"fmt"

	"github.com/rendis/playbooks/pkg/schema"
)

// validateReachability walks the step graph from the start step, following
// fall-through and branch edges, and warns about steps no run can reach.
// Cycles are legal: retry loops branch back to the same step.
func validateReachability(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start, err := def.StartReference()
	if err != nil {
		return result
	}

	key := func(ref schema.ActionReference) string { return ref.SequenceName + "/" + ref.StepID }

	visited := map[string]bool{key(start): true}
	queue := []schema.ActionReference{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		step, _, err := def.Resolve(cur)
		if err != nil {
			continue
		}

		var edges []schema.ActionReference
		if next, ok, _ := def.Next(cur); ok {
			edges = append(edges, next)
		}
		for _, b := range step.Branches {
			edges = append(edges, schema.ActionReference{SequenceName: b.SequenceName, StepID: b.StepID})
		}
		for _, e := range edges {
			if k := key(e); !visited[k] {
				visited[k] = true
				queue = append(queue, e)
			}
		}
	}

	for _, name := range sortedSequenceNames(def) {
		for i, step := range def.Sequences[name].Actions {
			if !visited[name+"/"+step.ID] {
				result.AddWarning(schema.AtStep(name, i, step.ID), CodeUnreachableStep,
					fmt.Sprintf("step %q is not reachable from the start step", step.ID))
			}
		}
	}
	return result
}
