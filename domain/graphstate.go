package domain

import "time"

// Decision is a user's choice on a pending diff.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// UserDecision records one approval decision, optionally with feedback text
// that feeds the next clause_generate_diffs round.
type UserDecision struct {
	Decision Decision
	Feedback string
}

// GraphState is the Review Graph's full checkpointed state for one task.
// Monotonic invariants: CurrentClauseIndex only increases; a clause_id is
// written into Findings at most once per pass through its subgraph.
type GraphState struct {
	TaskID             string
	Checklist          []ChecklistItem
	CurrentClauseIndex int
	Findings           map[string]ClauseFindings
	PendingDiffs       []DocumentDiff
	UserDecisions      map[string]UserDecision // diff_id -> decision
	UserFeedback       string
	SummaryNotes       string
	IsComplete         bool
	DomainID           string
	Language           string
	Status             TaskStatus
	UserID             string
	Revision           int64

	// RegenerationRounds counts how many times clause_generate_diffs has
	// been re-entered for the current clause after an all-reject decision.
	// Bounded by a hard cap; see graph package.
	RegenerationRounds int
}

// Clone returns a deep-enough copy for safe checkpoint serialization; maps
// and slices are copied, ClauseFindings values are copied by value.
func (s *GraphState) Clone() *GraphState {
	if s == nil {
		return nil
	}
	out := *s
	out.Checklist = append([]ChecklistItem(nil), s.Checklist...)
	out.PendingDiffs = append([]DocumentDiff(nil), s.PendingDiffs...)
	out.Findings = make(map[string]ClauseFindings, len(s.Findings))
	for k, v := range s.Findings {
		v.Risks = append([]RiskPoint(nil), v.Risks...)
		v.Diffs = append([]DocumentDiff(nil), v.Diffs...)
		sc := make(map[string]any, len(v.SkillContext))
		for sk, sv := range v.SkillContext {
			sc[sk] = sv
		}
		v.SkillContext = sc
		out.Findings[k] = v
	}
	out.UserDecisions = make(map[string]UserDecision, len(s.UserDecisions))
	for k, v := range s.UserDecisions {
		out.UserDecisions[k] = v
	}
	return &out
}

// SessionRecord is the persisted form of a task: metadata plus an opaque
// graph checkpoint, bounded in size by the Session Store's size guard.
type SessionRecord struct {
	TaskID       string
	UserID       string
	DomainID     string
	Status       TaskStatus
	IsComplete   bool
	Error        string
	GraphState   []byte // serialized GraphState, possibly compressed/truncated
	Compressed   bool
	LastAccessTS time.Time
	Revision     int64
}

// ChatTurn is one message of a per-clause refinement chat, ordered
// append-only per clause.
type ChatTurn struct {
	ClauseID            string
	Role                string // "user" | "assistant"
	Content             string
	SuggestionSnapshot  *DocumentDiff
	Timestamp           time.Time
}

// DomainPlugin is an immutable bundle specializing the engine for one
// document family. Registered at startup; looked up by ID thereafter.
type DomainPlugin struct {
	ID              string
	Name            string
	Subtypes        []string
	ParserConfig    ParserConfig
	Checklist       []ChecklistItem
	SkillPreference []string
}

// ParserConfig configures the Structure Parser for one domain.
type ParserConfig struct {
	ClausePattern           string // regex anchored to line start
	MaxDepth                int
	DefinitionsSectionID    string
	CrossReferencePatterns  []string
	StructureType           string
}
