package validation

import (
	"fmt"

	"github.com/rendis/signflow/pkg/schema"
)

// analyzeFlow walks the step graph the way the execution loop does: list
// order with branch jumps, parallel children visited only through their
// parent. It warns about steps that can never run and about loops, which are
// legal but only bounded by the per-execution step budget.
func analyzeFlow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	n := len(def.Steps)
	if n == 0 {
		return result
	}

	index := make(map[string]int, n)
	children := make(map[int]bool)
	for i, s := range def.Steps {
		index[s.ID] = i
	}
	for _, s := range def.Steps {
		if cfg, ok := s.Config.(schema.ParallelConfig); ok {
			for _, c := range cfg.Steps {
				if j, ok := index[c]; ok {
					children[j] = true
				}
			}
		}
	}

	// next returns the first index after i the loop would dispatch, or n.
	next := func(i int) int {
		j := i + 1
		for j < n && children[j] {
			j++
		}
		return j
	}

	succ := make([][]int, n)
	for i, s := range def.Steps {
		if children[i] {
			continue
		}
		switch cfg := s.Config.(type) {
		case schema.ConditionalBranchConfig:
			if j, ok := index[cfg.ThenStep]; ok {
				succ[i] = append(succ[i], j)
			}
			if j, ok := index[cfg.ElseStep]; ok {
				succ[i] = append(succ[i], j)
			} else {
				succ[i] = append(succ[i], next(i))
			}
		default:
			succ[i] = append(succ[i], next(i))
		}
	}

	const (
		unvisited = iota
		active
		done
	)
	state := make([]int, n)
	looped := make(map[int]bool)
	var visit func(i int)
	visit = func(i int) {
		state[i] = active
		for _, j := range succ[i] {
			if j >= n {
				continue
			}
			switch state[j] {
			case unvisited:
				visit(j)
			case active:
				looped[j] = true
			}
		}
		state[i] = done
	}
	if start := next(-1); start < n {
		visit(start)
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if looped[i] {
			result.AddWarning(path, "steps loop back to %q; runs are bounded by the per-execution step budget", s.ID)
		}
		if children[i] || state[i] != unvisited {
			continue
		}
		result.AddWarning(path, "step %q is never reached", s.ID)
	}
	return result
}
