package domain

// RiskLevel ranks the severity of a RiskPoint or DocumentDiff.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// RiskPoint is one issue the agent loop identified in a clause.
type RiskPoint struct {
	Level        RiskLevel `json:"risk_level"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	Rationale    string    `json:"rationale"`
	OriginalText string    `json:"original_text"`
}

// DiffAction is the kind of textual change a DocumentDiff proposes.
type DiffAction string

const (
	DiffReplace DiffAction = "replace"
	DiffInsert  DiffAction = "insert"
	DiffDelete  DiffAction = "delete"
)

// DiffStatus is the lifecycle of one proposed change.
type DiffStatus string

const (
	DiffPending  DiffStatus = "pending"
	DiffApproved DiffStatus = "approved"
	DiffRejected DiffStatus = "rejected"
)

// DocumentDiff is a single proposed textual change to a clause, subject to
// human approval. Invariants: Replace requires both OriginalText and
// ProposedText; Insert requires ProposedText; Delete requires OriginalText.
// Status starts Pending.
type DocumentDiff struct {
	DiffID       string     `json:"diff_id"`
	ClauseID     string     `json:"clause_id"`
	Action       DiffAction `json:"action"`
	OriginalText string     `json:"original_text"`
	ProposedText string     `json:"proposed_text"`
	Reason       string     `json:"reason"`
	RiskLevel    RiskLevel  `json:"risk_level"`
	Status       DiffStatus `json:"status"`
}

// Validate checks the action/text invariant described above.
func (d *DocumentDiff) Validate() error {
	switch d.Action {
	case DiffReplace:
		if d.OriginalText == "" || d.ProposedText == "" {
			return errDiffFields(d.DiffID, "replace requires original_text and proposed_text")
		}
	case DiffInsert:
		if d.ProposedText == "" {
			return errDiffFields(d.DiffID, "insert requires proposed_text")
		}
	case DiffDelete:
		if d.OriginalText == "" {
			return errDiffFields(d.DiffID, "delete requires original_text")
		}
	default:
		return errDiffFields(d.DiffID, "unknown action "+string(d.Action))
	}
	return nil
}

// ClauseFindings is the output of one pass of the ReAct Agent Loop over a
// single clause: the risks it found, the diffs it proposed, and every
// skill's raw output (latest invocation wins per skill_id).
type ClauseFindings struct {
	ClauseID     string         `json:"clause_id"`
	Risks        []RiskPoint    `json:"risks"`
	Diffs        []DocumentDiff `json:"diffs"`
	SkillContext map[string]any `json:"skill_context"`
}

func errDiffFields(diffID, msg string) error {
	return &diffValidationError{diffID: diffID, msg: msg}
}

type diffValidationError struct {
	diffID string
	msg    string
}

func (e *diffValidationError) Error() string {
	return "domain: diff " + e.diffID + ": " + e.msg
}
