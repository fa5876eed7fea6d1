package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/pkg/schema"
)

func nodes(ids ...string) []Node {
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[i] = Node{ID: id, Title: "step " + id}
	}
	return out
}

func edge(source, target string) Edge {
	return Edge{SourceID: source, TargetID: target, Type: schema.DepDependsOn}
}

func TestValidate_ValidDAG(t *testing.T) {
	result, err := Validate(nodes("a", "b", "c", "d"), []Edge{
		edge("a", "b"),
		edge("a", "c"),
		edge("b", "d"),
		edge("c", "d"),
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidate_EmptyGraph(t *testing.T) {
	result, err := Validate([]Node{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidate_NilNodes(t *testing.T) {
	_, err := Validate(nil, nil)
	require.Error(t, err)
}

func TestValidate_SelfDependency(t *testing.T) {
	result, err := Validate(nodes("a", "b"), []Edge{edge("a", "a")})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeSelfDependency, result.Errors[0].Code)
	assert.Equal(t, "a", result.Errors[0].StepID)
}

func TestValidate_DanglingReferences(t *testing.T) {
	result, err := Validate(nodes("a"), []Edge{
		edge("a", "ghost"),
		edge("phantom", "a"),
	})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 2)
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeInvalidReference, e.Code)
	}
}

func TestValidate_CycleReportsFullPath(t *testing.T) {
	result, err := Validate(nodes("a", "b", "c"), []Edge{
		edge("a", "b"),
		edge("b", "c"),
		edge("c", "a"),
	})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)

	cycErr := result.Errors[0]
	assert.Equal(t, schema.ErrCodeCyclicDependency, cycErr.Code)
	cycleIDs, ok := cycErr.Details["cycle_ids"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleIDs)
}

func TestValidate_TwoNodeCycle(t *testing.T) {
	result, err := Validate(nodes("a", "b"), []Edge{
		edge("a", "b"),
		edge("b", "a"),
	})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCyclicDependency, result.Errors[0].Code)
}

func TestValidate_CycleBehindValidPrefix(t *testing.T) {
	// a -> b is fine; c <-> d cycles independently of the entry nodes.
	result, err := Validate(nodes("a", "b", "c", "d"), []Edge{
		edge("a", "b"),
		edge("b", "c"),
		edge("c", "d"),
		edge("d", "c"),
	})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)

	cycleIDs := result.Errors[0].Details["cycle_ids"].([]string)
	assert.ElementsMatch(t, []string{"c", "d"}, cycleIDs)
}

func TestValidate_BranchEdgesParticipateInCycles(t *testing.T) {
	result, err := Validate(nodes("a", "b"), []Edge{
		{SourceID: "a", TargetID: "b", Type: schema.DepIfTrueBranch},
		{SourceID: "b", TargetID: "a", Type: schema.DepTriggers},
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestValidateInstance(t *testing.T) {
	in := &schema.Instance{
		ID: "in-1",
		Steps: []*schema.Step{
			{ID: "s1", Title: "Intake"},
			{ID: "s2", Title: "Review"},
		},
		Dependencies: []*schema.Dependency{
			{SourceStepID: "s1", TargetStepID: "s2", DependencyType: schema.DepDependsOn},
		},
	}
	result, err := ValidateInstance(in)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = ValidateInstance(nil)
	require.Error(t, err)
}
