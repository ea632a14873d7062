package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/domain"
)

func TestPrepareGraphState_SmallStateUncompressed(t *testing.T) {
	state := &domain.GraphState{TaskID: "t1", Findings: map[string]domain.ClauseFindings{}}
	data, compressed, err := PrepareGraphState(state)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.NotEmpty(t, data)
}

func TestPrepareGraphState_RoundTrips(t *testing.T) {
	state := &domain.GraphState{
		TaskID: "t1",
		Findings: map[string]domain.ClauseFindings{
			"1.1": {ClauseID: "1.1", Risks: []domain.RiskPoint{{Level: domain.RiskHigh}}},
		},
	}
	data, compressed, err := PrepareGraphState(state)
	require.NoError(t, err)

	rec := domain.SessionRecord{TaskID: "t1", GraphState: data, Compressed: compressed}
	decoded, err := DecodeGraphState(rec)
	require.NoError(t, err)
	assert.Equal(t, "t1", decoded.TaskID)
	assert.Equal(t, domain.RiskHigh, decoded.Findings["1.1"].Risks[0].Level)
}
