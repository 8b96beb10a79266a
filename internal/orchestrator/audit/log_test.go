package audit

import (
	"context"
	"testing"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogAppendAssignsSequence(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	seq1, err := l.Append(ctx, model.Transition{DeploymentID: "d-1", FromState: model.StatePending, ToState: model.StateProvisioning})
	require.NoError(t, err)
	seq2, err := l.Append(ctx, model.Transition{DeploymentID: "d-1", FromState: model.StateProvisioning, ToState: model.StateAdvancing})
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	records, err := l.List(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, records[0].LoggedAt.IsZero())
}

func TestMemoryLogUnappliedTracksIntents(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	seq, err := l.Append(ctx, model.Transition{DeploymentID: "d-1", ToState: model.StateProvisioning})
	require.NoError(t, err)

	pending, err := l.Unapplied(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, seq, pending[0].Seq)

	require.NoError(t, l.MarkApplied(ctx, seq))

	pending, err = l.Unapplied(ctx, "d-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	records, err := l.List(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, records[0].Applied)
	assert.NotNil(t, records[0].AppliedAt)
}

func TestMemoryLogIsolatesDeployments(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	_, err := l.Append(ctx, model.Transition{DeploymentID: "d-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.Transition{DeploymentID: "d-2"})
	require.NoError(t, err)

	records, err := l.List(ctx, "d-2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "d-2", records[0].DeploymentID)
}
