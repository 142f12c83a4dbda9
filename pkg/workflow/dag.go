package workflow

import (
	"sort"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// Plan is the leveled execution plan produced by BuildDAG (spec.md §4.3).
type Plan struct {
	Levels              [][]string
	Edges               map[string][]string // id -> dependsOn ids
	EstimatedParallelism int
}

// LevelOf returns the zero-based level index a step id was assigned, or -1
// if the id is not part of the plan.
func (p *Plan) LevelOf(id string) int {
	for i, level := range p.Levels {
		for _, stepID := range level {
			if stepID == id {
				return i
			}
		}
	}
	return -1
}

// BuildDAG topologically levels a WorkflowSpec's tasks, detects cycles, and
// groups steps by level in ascending order. Ties within a level preserve
// definition order (spec.md §4.3), which is the ordering rule trace
// reproducibility depends on.
func BuildDAG(spec *WorkflowSpec) (*Plan, error) {
	order := make([]string, 0, len(spec.Tasks))
	indexOf := make(map[string]int, len(spec.Tasks))
	byID := make(map[string]*TaskStep, len(spec.Tasks))
	for i := range spec.Tasks {
		step := &spec.Tasks[i]
		order = append(order, step.ID)
		indexOf[step.ID] = i
		byID[step.ID] = step
	}

	edges := make(map[string][]string, len(spec.Tasks))
	inDegree := make(map[string]int, len(spec.Tasks))
	dependents := make(map[string][]string, len(spec.Tasks))

	for _, id := range order {
		step := byID[id]
		edges[id] = append([]string{}, step.DependsOn...)
		inDegree[id] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	level := make(map[string]int, len(order))
	remaining := make(map[string]int, len(order))
	for id, deg := range inDegree {
		remaining[id] = deg
	}

	// Kahn iteration: repeatedly peel off all steps with zero remaining
	// in-degree, in definition order, assigning each the max level of its
	// predecessors plus one (zero for roots).
	resolved := 0
	for {
		var ready []string
		for _, id := range order {
			if remaining[id] == 0 {
				if _, already := level[id]; !already {
					ready = append(ready, id)
				}
			}
		}
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			maxPred := -1
			for _, dep := range edges[id] {
				if lv, ok := level[dep]; ok && lv > maxPred {
					maxPred = lv
				}
			}
			level[id] = maxPred + 1
			remaining[id] = -1 // mark settled so it is never re-picked
			resolved++
		}
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				remaining[dependent]--
			}
		}
	}

	if resolved != len(order) {
		var cyclic []string
		for _, id := range order {
			if remaining[id] >= 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, wferrors.NewCycleError(cyclic)
	}

	maxLevel := -1
	for _, lv := range level {
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		lv := level[id]
		levels[lv] = append(levels[lv], id)
	}
	for _, group := range levels {
		sort.SliceStable(group, func(i, j int) bool {
			return indexOf[group[i]] < indexOf[group[j]]
		})
	}

	widest := 0
	for _, group := range levels {
		if len(group) > widest {
			widest = len(group)
		}
	}

	return &Plan{
		Levels:               levels,
		Edges:                edges,
		EstimatedParallelism: widest,
	}, nil
}
