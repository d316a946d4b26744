package models

import "time"

// TodoStatus is the lifecycle state of a single plan item.
type TodoStatus string

// Todo item statuses.
const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
	TodoFailed     TodoStatus = "failed"
	TodoSkipped    TodoStatus = "skipped"
)

// Terminal reports whether the status is final for the item.
func (s TodoStatus) Terminal() bool {
	return s == TodoDone || s == TodoFailed || s == TodoSkipped
}

// TodoItem is one task in a plan. Position is the item's identity within the
// list; Dependencies reference other items by position.
type TodoItem struct {
	Position           int            `json:"position"`
	Description        string         `json:"description"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	Dependencies       []int          `json:"dependencies,omitempty"`

	// ChosenTool and ToolInput are optional planner hints, not commitments.
	// The executor may pick a different tool during the ReAct loop.
	ChosenTool string         `json:"chosen_tool,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`

	Status    TodoStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Result    string     `json:"result,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// TodoList is an ordered plan with a dependency DAG over item positions.
type TodoList struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	Mission       string      `json:"mission"`
	Items         []*TodoItem `json:"items"`
	OpenQuestions []string    `json:"open_questions,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Item returns the item at the given position, or nil.
func (l *TodoList) Item(position int) *TodoItem {
	for _, it := range l.Items {
		if it.Position == position {
			return it
		}
	}
	return nil
}

// Terminal reports whether every item has reached a final status.
func (l *TodoList) Terminal() bool {
	for _, it := range l.Items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether the plan finished with every item done or skipped.
func (l *TodoList) Succeeded() bool {
	for _, it := range l.Items {
		if it.Status == TodoFailed || !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// NextEligible returns the lowest-position pending item whose dependencies
// are all done or skipped, or nil when no item is currently runnable.
func (l *TodoList) NextEligible() *TodoItem {
	var best *TodoItem
	for _, it := range l.Items {
		if it.Status != TodoPending {
			continue
		}
		if !l.depsSatisfied(it) {
			continue
		}
		if best == nil || it.Position < best.Position {
			best = it
		}
	}
	return best
}

func (l *TodoList) depsSatisfied(it *TodoItem) bool {
	for _, dep := range it.Dependencies {
		d := l.Item(dep)
		if d == nil {
			return false
		}
		if d.Status != TodoDone && d.Status != TodoSkipped {
			return false
		}
	}
	return true
}

// ResolveBlocked finalizes pending items whose dependency closure contains a
// failed item and can therefore never run. When skip is true the blocked
// items are marked skipped, otherwise the failure propagates and they are
// marked failed. A skipped dependency by itself does not block. Returns the
// items it changed.
func (l *TodoList) ResolveBlocked(skip bool) []*TodoItem {
	var changed []*TodoItem
	for _, it := range l.Items {
		if it.Status != TodoPending {
			continue
		}
		if !l.closureFailed(it.Dependencies, make(map[int]bool)) {
			continue
		}
		if skip {
			it.Status = TodoSkipped
		} else {
			it.Status = TodoFailed
			it.LastError = "dependency failed"
		}
		changed = append(changed, it)
	}
	return changed
}

func (l *TodoList) closureFailed(deps []int, seen map[int]bool) bool {
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		d := l.Item(dep)
		if d == nil || d.Status == TodoFailed {
			return true
		}
		if l.closureFailed(d.Dependencies, seen) {
			return true
		}
	}
	return false
}

// ResetProgress returns every non-terminal bookkeeping field to its initial
// value so the plan can be re-run. Statuses become pending and attempts zero.
func (l *TodoList) ResetProgress() {
	for _, it := range l.Items {
		it.Status = TodoPending
		it.Attempts = 0
		it.Result = ""
		it.LastError = ""
	}
	l.UpdatedAt = time.Now()
}

// Clone returns a deep copy of the list.
func (l *TodoList) Clone() *TodoList {
	if l == nil {
		return nil
	}
	out := *l
	out.Items = make([]*TodoItem, len(l.Items))
	for i, it := range l.Items {
		cp := *it
		cp.Dependencies = append([]int(nil), it.Dependencies...)
		if it.ToolInput != nil {
			cp.ToolInput = make(map[string]any, len(it.ToolInput))
			for k, v := range it.ToolInput {
				cp.ToolInput[k] = v
			}
		}
		out.Items[i] = &cp
	}
	out.OpenQuestions = append([]string(nil), l.OpenQuestions...)
	return &out
}

// Counts tallies items by status.
func (l *TodoList) Counts() map[TodoStatus]int {
	counts := make(map[TodoStatus]int, 5)
	for _, it := range l.Items {
		counts[it.Status]++
	}
	return counts
}
