package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newList(items ...*TodoItem) *TodoList {
	return &TodoList{ID: "tl-1", SessionID: "s-1", Items: items}
}

func TestNextEligible(t *testing.T) {
	tests := []struct {
		name  string
		items []*TodoItem
		want  int // position, -1 for none
	}{
		{
			name: "no dependencies picks lowest position",
			items: []*TodoItem{
				{Position: 1, Status: TodoPending},
				{Position: 0, Status: TodoPending},
			},
			want: 0,
		},
		{
			name: "blocked by unmet dependency",
			items: []*TodoItem{
				{Position: 0, Status: TodoPending},
				{Position: 1, Status: TodoPending, Dependencies: []int{0}},
			},
			want: 0,
		},
		{
			name: "dependency done unlocks dependent",
			items: []*TodoItem{
				{Position: 0, Status: TodoDone},
				{Position: 1, Status: TodoPending, Dependencies: []int{0}},
			},
			want: 1,
		},
		{
			name: "skipped dependency satisfies",
			items: []*TodoItem{
				{Position: 0, Status: TodoSkipped},
				{Position: 1, Status: TodoPending, Dependencies: []int{0}},
			},
			want: 1,
		},
		{
			name: "failed dependency blocks",
			items: []*TodoItem{
				{Position: 0, Status: TodoFailed},
				{Position: 1, Status: TodoPending, Dependencies: []int{0}},
			},
			want: -1,
		},
		{
			name: "all terminal",
			items: []*TodoItem{
				{Position: 0, Status: TodoDone},
				{Position: 1, Status: TodoFailed},
			},
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newList(tt.items...).NextEligible()
			if tt.want == -1 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Position)
		})
	}
}

func TestResolveBlockedPropagatesFailure(t *testing.T) {
	list := newList(
		&TodoItem{Position: 0, Status: TodoFailed},
		&TodoItem{Position: 1, Status: TodoPending, Dependencies: []int{0}},
		&TodoItem{Position: 2, Status: TodoPending, Dependencies: []int{1}},
		&TodoItem{Position: 3, Status: TodoPending},
	)

	changed := list.ResolveBlocked(false)

	require.Len(t, changed, 2)
	assert.Equal(t, TodoFailed, list.Item(1).Status)
	assert.Equal(t, TodoFailed, list.Item(2).Status)
	assert.Equal(t, "dependency failed", list.Item(2).LastError)
	assert.Equal(t, TodoPending, list.Item(3).Status)
}

func TestResolveBlockedSkips(t *testing.T) {
	list := newList(
		&TodoItem{Position: 0, Status: TodoFailed},
		&TodoItem{Position: 1, Status: TodoPending, Dependencies: []int{0}},
		&TodoItem{Position: 2, Status: TodoPending, Dependencies: []int{1}},
	)

	list.ResolveBlocked(true)

	// the failure in the closure skips the whole downstream chain
	assert.Equal(t, TodoSkipped, list.Item(1).Status)
	assert.Equal(t, TodoSkipped, list.Item(2).Status)
	assert.Empty(t, list.Item(1).LastError)
	assert.Nil(t, list.NextEligible())
}

func TestResolveBlockedIgnoresPlainSkips(t *testing.T) {
	list := newList(
		&TodoItem{Position: 0, Status: TodoSkipped},
		&TodoItem{Position: 1, Status: TodoPending, Dependencies: []int{0}},
	)

	changed := list.ResolveBlocked(false)

	// no failure anywhere, so the dependent stays runnable
	assert.Empty(t, changed)
	require.NotNil(t, list.NextEligible())
	assert.Equal(t, 1, list.NextEligible().Position)
}

func TestTerminalAndSucceeded(t *testing.T) {
	list := newList(
		&TodoItem{Position: 0, Status: TodoDone},
		&TodoItem{Position: 1, Status: TodoSkipped},
	)
	assert.True(t, list.Terminal())
	assert.True(t, list.Succeeded())

	list.Item(1).Status = TodoFailed
	assert.True(t, list.Terminal())
	assert.False(t, list.Succeeded())

	list.Item(1).Status = TodoInProgress
	assert.False(t, list.Terminal())
	assert.False(t, list.Succeeded())
}

func TestResetProgress(t *testing.T) {
	list := newList(
		&TodoItem{Position: 0, Status: TodoDone, Attempts: 2, Result: "ok"},
		&TodoItem{Position: 1, Status: TodoFailed, Attempts: 3, LastError: "boom"},
	)

	list.ResetProgress()

	for _, it := range list.Items {
		assert.Equal(t, TodoPending, it.Status)
		assert.Zero(t, it.Attempts)
		assert.Empty(t, it.Result)
		assert.Empty(t, it.LastError)
	}
}

func TestSessionStateClone(t *testing.T) {
	s := NewSessionState("s-1")
	s.Answers["q1"] = "a1"
	s.Version = 3

	c := s.Clone()
	c.Answers["q2"] = "a2"

	assert.Equal(t, 3, c.Version)
	assert.Len(t, s.Answers, 1)
	assert.Len(t, c.Answers, 2)
}
