package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcyclicRejectsUnknownDependency(t *testing.T) {
	tasks := []Task{{ID: "a", Dependencies: []string{"missing"}}}
	require.Error(t, ValidateAcyclic(tasks), "expected an error for a dependency on an unknown task")
}

func TestValidateAcyclicRejectsCycle(t *testing.T) {
	tasks := []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	require.Error(t, ValidateAcyclic(tasks), "expected a cycle to be rejected")
}

func TestValidateAcyclicAcceptsDiamond(t *testing.T) {
	tasks := []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"b", "c"}},
	}
	assert.NoError(t, ValidateAcyclic(tasks))
}

func TestTransitiveDependents(t *testing.T) {
	tasks := []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "d"},
	}
	got := TransitiveDependents(tasks, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, got)
}

func TestAncestors(t *testing.T) {
	tasks := []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}
	got := Ancestors(tasks, "c")
	assert.Len(t, got, 2, "expected 2 ancestors of c, got %v", got)
}

func TestDependenciesCompleted(t *testing.T) {
	tasks := []Task{
		{ID: "a", Status: TaskCompleted},
		{ID: "b", Status: TaskRunning},
	}
	assert.True(t, DependenciesCompleted(tasks, []string{"a"}), "expected a's completion to satisfy the dependency")
	assert.False(t, DependenciesCompleted(tasks, []string{"a", "b"}), "expected b (running) to fail the dependency check")
	assert.False(t, DependenciesCompleted(tasks, []string{"missing"}), "expected an unknown dependency to fail the check")
}

func TestTopologicalOrderRespectsInsertionOrderAmongReady(t *testing.T) {
	tasks := []Task{
		{ID: "c", Dependencies: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b"},
	}
	order, err := TopologicalOrder(tasks)
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, "c", order[len(order)-1].ID, "expected c to be scheduled last")
	// a was inserted before b, and both are equally ready, so a comes first.
	assert.Equal(t, "a", order[0].ID)
	assert.Equal(t, "b", order[1].ID)
}

func TestTopologicalOrderPropagatesCycleError(t *testing.T) {
	tasks := []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	_, err := TopologicalOrder(tasks)
	require.Error(t, err, "expected cycle to be rejected")
}

func TestDeriveActionStatus(t *testing.T) {
	cases := []struct {
		name  string
		tasks []Task
		want  string
	}{
		{"empty", nil, ActionDraft},
		{"all completed", []Task{{ID: "a", Status: TaskCompleted}, {ID: "b", Status: TaskCompleted}}, ActionCompleted},
		{"one running", []Task{{ID: "a", Status: TaskRunning}, {ID: "b", Status: TaskPending}}, ActionRunning},
		{
			"failed with nothing left schedulable",
			[]Task{
				{ID: "a", Status: TaskFailed},
				{ID: "b", Status: TaskPending, Dependencies: []string{"a"}},
			},
			ActionFailed,
		},
		{
			"failed but a sibling is still schedulable",
			[]Task{
				{ID: "a", Status: TaskFailed},
				{ID: "b", Status: TaskPending},
			},
			ActionRunning,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, DeriveActionStatus(c.tasks))
		})
	}
}
