// Package approval implements the Approval Protocol: validating that a
// resume request covers every diff pending human review before it is
// allowed to unblock a parked review graph.
package approval

import (
	"context"
	"strings"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/graph"
)

// SignalName is the workflow signal the review graph's human_approval node
// awaits (see graph.nodeHumanApproval).
const SignalName = "approval"

// Validate reports whether decisions covers every diff in pending: resume
// is valid iff every pending_diffs[i].diff_id has an entry in decisions. An
// empty pending list is trivially valid — nothing to approve means resume
// always succeeds. On failure, the returned error lists every missing
// diff_id, not just the first one found.
func Validate(pending []domain.DocumentDiff, decisions map[string]domain.UserDecision) error {
	var missing []string
	for _, d := range pending {
		if _, ok := decisions[d.DiffID]; !ok {
			missing = append(missing, d.DiffID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperr.New(apperr.KindApprovalIncomplete, "missing decision for diffs "+strings.Join(missing, ", "))
}

// Controller validates and delivers resume decisions to a running review
// graph workflow.
type Controller struct {
	engine graph.Engine
}

// NewController builds a Controller over engine.
func NewController(engine graph.Engine) *Controller {
	return &Controller{engine: engine}
}

// Resume validates decisions against pending, then signals the workflow so
// its parked human_approval node can continue. The signal payload maps
// diff_id to the resulting DiffStatus (approved/rejected) rather than the
// raw Decision, since that is what graph.nodeHumanApproval applies directly
// to the clause's findings.
func (c *Controller) Resume(ctx context.Context, taskID string, pending []domain.DocumentDiff, decisions map[string]domain.UserDecision) error {
	if err := Validate(pending, decisions); err != nil {
		return err
	}
	statuses := make(map[string]domain.DiffStatus, len(decisions))
	for diffID, dec := range decisions {
		if dec.Decision == domain.DecisionApprove {
			statuses[diffID] = domain.DiffApproved
		} else {
			statuses[diffID] = domain.DiffRejected
		}
	}
	return c.engine.SignalWorkflow(ctx, taskID, SignalName, statuses)
}
