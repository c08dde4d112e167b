package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/docflow/pkg/schema"
)

// validateGraph performs graph analysis over the step list: edge
// reference checks, single-trigger invariant, reachability from the
// trigger (BFS over success and failure edges), and cycle detection
// (Kahn's algorithm).
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := schema.NewValidationResult()

	stepIDs := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if stepIDs[s.ID] {
			result.AddStepError(s.ID, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}
	if !result.Valid() {
		return result
	}

	var triggers []string
	for _, s := range wf.Steps {
		if s.Type == schema.StepTypeTrigger {
			triggers = append(triggers, s.ID)
		}
	}
	switch len(triggers) {
	case 0:
		result.AddError(schema.ErrCodeValidation, "workflow has no trigger step")
	case 1:
	default:
		sort.Strings(triggers)
		result.AddErrorf(schema.ErrCodeValidation,
			"workflow has %d trigger steps (%v), exactly one is required", len(triggers), triggers)
	}

	// Adjacency over the two outcome edges. Dangling references are
	// errors; traversal below skips them.
	edges := make(map[string][]string, len(wf.Steps))
	addEdge := func(s *schema.Step, target, handle string) {
		if target == "" {
			return
		}
		if !stepIDs[target] {
			result.AddStepError(s.ID, schema.ErrCodeValidation,
				fmt.Sprintf("%s edge references unknown step %q", handle, target))
			return
		}
		if target == s.ID {
			result.AddStepError(s.ID, schema.ErrCodeCycleDetected,
				fmt.Sprintf("%s edge loops back to the step itself", handle))
			return
		}
		edges[s.ID] = append(edges[s.ID], target)
	}
	for i := range wf.Steps {
		s := &wf.Steps[i]
		addEdge(s, s.NextOnSuccess, "success")
		addEdge(s, s.NextOnFailure, "failure")
		if s.Type == schema.StepTypeEnd && (s.NextOnSuccess != "" || s.NextOnFailure != "") {
			result.AddStepWarning(s.ID, schema.ErrCodeValidation,
				"end step has outgoing edges; they will never be followed")
		}
	}

	// Incoming edges on the trigger make part of the graph re-enter the
	// entry point, which the engine never does.
	if len(triggers) == 1 {
		for from, targets := range edges {
			for _, to := range targets {
				if to == triggers[0] {
					result.AddStepWarning(from, schema.ErrCodeValidation,
						fmt.Sprintf("edge into trigger step %q is never followed", to))
				}
			}
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(wf.Steps))
	for id := range stepIDs {
		inDegree[id] = 0
	}
	for _, targets := range edges {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(wf.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(stepIDs) {
		result.AddError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
		return result // cycles make reachability analysis meaningless
	}

	// Reachability: BFS from the trigger through both outcome edges.
	if len(triggers) == 1 {
		reachable := map[string]bool{triggers[0]: true}
		bfs := []string{triggers[0]}
		for len(bfs) > 0 {
			node := bfs[0]
			bfs = bfs[1:]
			for _, to := range edges[node] {
				if !reachable[to] {
					reachable[to] = true
					bfs = append(bfs, to)
				}
			}
		}
		for _, s := range wf.Steps {
			if !reachable[s.ID] {
				result.AddStepError(s.ID, schema.ErrCodeValidation,
					fmt.Sprintf("step %q is unreachable from the trigger", s.ID))
			}
		}
	}

	return result
}
