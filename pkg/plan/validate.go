package plan

import (
	"errors"
	"fmt"

	"github.com/openfleet/maestro/pkg/models"
)

// Plan errors.
var (
	// ErrPlanGeneration wraps LLM failures and exhausted parse retries.
	ErrPlanGeneration = errors.New("plan generation failed")

	// ErrPlanInvalid marks a structurally invalid plan document.
	ErrPlanInvalid = errors.New("invalid plan")
)

// ValidateGraph checks the dependency DAG over items with dense positions
// 0..n-1: every dependency must be in range, no item may depend on itself,
// and the graph must be acyclic.
func ValidateGraph(items []*models.TodoItem) error {
	n := len(items)
	adj := make(map[int][]int, n)
	for _, it := range items {
		for _, d := range it.Dependencies {
			if d < 0 || d >= n {
				return fmt.Errorf("%w: item %d depends on out-of-range position %d", ErrPlanInvalid, it.Position, d)
			}
			if d == it.Position {
				return fmt.Errorf("%w: item %d depends on itself", ErrPlanInvalid, it.Position)
			}
			adj[it.Position] = append(adj[it.Position], d)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make([]int, n)

	var visit func(pos int) error
	visit = func(pos int) error {
		colors[pos] = visiting
		for _, dep := range adj[pos] {
			switch colors[dep] {
			case visiting:
				return fmt.Errorf("%w: dependency cycle through item %d", ErrPlanInvalid, dep)
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[pos] = done
		return nil
	}

	for pos := 0; pos < n; pos++ {
		if colors[pos] == unvisited {
			if err := visit(pos); err != nil {
				return err
			}
		}
	}
	return nil
}
