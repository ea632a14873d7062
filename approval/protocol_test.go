package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/legalflow/clausereview/domain"
)

func TestValidate_EmptyPendingIsTriviallyValid(t *testing.T) {
	assert.NoError(t, Validate(nil, nil))
}

func TestValidate_RequiresEveryPendingDiffDecided(t *testing.T) {
	pending := []domain.DocumentDiff{{DiffID: "d1"}, {DiffID: "d2"}}
	decisions := map[string]domain.UserDecision{"d1": {Decision: domain.DecisionApprove}}

	err := Validate(pending, decisions)
	assert.Error(t, err)

	decisions["d2"] = domain.UserDecision{Decision: domain.DecisionReject}
	assert.NoError(t, Validate(pending, decisions))
}
