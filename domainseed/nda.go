// Package domainseed registers the built-in domain plugins and local
// skills the orchestrator ships with out of the box. Deployments that need
// additional domains register their own plugins against the same
// domainplugin.Registry and skills.Registry; this package only seeds the
// defaults cmd/server wires up when no external plugin source is
// configured.
package domainseed

import (
	"context"
	"strings"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/domainplugin"
	"github.com/legalflow/clausereview/skills"
)

// riskInputSchema and the other schema literals below describe the local
// skills' inputs and outputs; keeping one literal per concern keeps the
// schemas readable next to the handler that implements them.
var (
	riskInputSchema = []byte(`{
		"type": "object",
		"properties": {
			"clause_id": {"type": "string"},
			"clause_text": {"type": "string"}
		},
		"required": ["clause_id", "clause_text"]
	}`)

	riskOutputSchema = []byte(`{
		"type": "object",
		"properties": {
			"risks": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"level": {"type": "string", "enum": ["high", "medium", "low"]},
						"type": {"type": "string"},
						"description": {"type": "string"},
						"rationale": {"type": "string"}
					},
					"required": ["level", "type", "description"]
				}
			}
		},
		"required": ["risks"]
	}`)

	diffInputSchema = []byte(`{
		"type": "object",
		"properties": {
			"clause_id": {"type": "string"},
			"clause_text": {"type": "string"},
			"risk_description": {"type": "string"}
		},
		"required": ["clause_id", "clause_text", "risk_description"]
	}`)

	diffOutputSchema = []byte(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["replace", "insert", "delete"]},
			"proposed_text": {"type": "string"},
			"reason": {"type": "string"}
		},
		"required": ["action", "reason"]
	}`)
)

// RegisterDefaults seeds registry with the built-in local skills and plugins
// with the built-in domain plugins that reference them. Call once at
// startup before the Task API Facade starts serving traffic.
func RegisterDefaults(registry *skills.Registry, plugins *domainplugin.Registry) error {
	if err := registerSkills(registry); err != nil {
		return err
	}
	return registerPlugins(plugins)
}

func registerSkills(registry *skills.Registry) error {
	skillDefs := []skills.Skill{
		{
			ID:           "flag_clause_risk",
			Description:  "Identify risk points in a single contract clause against standard risk categories (liability, indemnification, termination, IP assignment, confidentiality scope, governing law).",
			InputSchema:  riskInputSchema,
			OutputSchema: riskOutputSchema,
			Backend:      skills.BackendLocal,
			Handler:      flagClauseRiskHandler,
		},
		{
			ID:           "draft_clause_diff",
			Description:  "Draft a proposed edit (replace, insert, or delete) for a clause given a previously identified risk.",
			InputSchema:  diffInputSchema,
			OutputSchema: diffOutputSchema,
			Backend:      skills.BackendLocal,
			Handler:      draftClauseDiffHandler,
		},
	}
	for _, sk := range skillDefs {
		if err := registry.Register(sk); err != nil {
			return apperr.Wrap(apperr.KindInternal, "register builtin skill "+sk.ID, err)
		}
	}
	return nil
}

func registerPlugins(plugins *domainplugin.Registry) error {
	ndaPlugin := domain.DomainPlugin{
		ID:       "mutual-nda",
		Name:     "Mutual Non-Disclosure Agreement",
		Subtypes: []string{"nda", "mutual-nda"},
		ParserConfig: domain.ParserConfig{
			ClausePattern:          `^\s*(\d+(?:\.\d+)*)\.\s+(.+)$`,
			MaxDepth:               3,
			DefinitionsSectionID:   "1",
			CrossReferencePatterns: []string{`[Ss]ection\s+(\d+(?:\.\d+)*)`, `[Cc]lause\s+(\d+(?:\.\d+)*)`},
			StructureType:          "numbered-sections",
		},
		Checklist: []domain.ChecklistItem{
			{
				ClauseID:        "confidentiality-scope",
				Name:            "Confidentiality scope",
				Description:     "Definition of confidential information is neither over- nor under-inclusive relative to the disclosing party's actual disclosures.",
				Priority:        domain.PriorityCritical,
				RequiredSkills:  []string{"flag_clause_risk"},
				SuggestedSkills: []string{"draft_clause_diff"},
			},
			{
				ClauseID:        "term-and-survival",
				Name:            "Term and survival",
				Description:     "Confidentiality obligations survive termination for a commercially reasonable period.",
				Priority:        domain.PriorityHigh,
				RequiredSkills:  []string{"flag_clause_risk"},
				SuggestedSkills: []string{"draft_clause_diff"},
			},
			{
				ClauseID:        "governing-law",
				Name:            "Governing law and venue",
				Description:     "Governing law and venue are acceptable to the reviewing party's jurisdiction.",
				Priority:        domain.PriorityMedium,
				RequiredSkills:  []string{"flag_clause_risk"},
			},
		},
		SkillPreference: []string{"flag_clause_risk", "draft_clause_diff"},
	}

	msaPlugin := domain.DomainPlugin{
		ID:       "commercial-msa",
		Name:     "Master Services Agreement",
		Subtypes: []string{"msa", "commercial-msa", "services-agreement"},
		ParserConfig: domain.ParserConfig{
			ClausePattern:          `^\s*(\d+(?:\.\d+)*)\.\s+(.+)$`,
			MaxDepth:               4,
			DefinitionsSectionID:   "1",
			CrossReferencePatterns: []string{`[Ss]ection\s+(\d+(?:\.\d+)*)`, `[Ee]xhibit\s+([A-Z])`},
			StructureType:          "numbered-sections",
		},
		Checklist: []domain.ChecklistItem{
			{
				ClauseID:        "limitation-of-liability",
				Name:            "Limitation of liability",
				Description:     "Liability cap and exclusions are commercially reasonable and mutual.",
				Priority:        domain.PriorityCritical,
				RequiredSkills:  []string{"flag_clause_risk"},
				SuggestedSkills: []string{"draft_clause_diff"},
			},
			{
				ClauseID:        "indemnification",
				Name:            "Indemnification",
				Description:     "Indemnification obligations are bounded in scope and not one-sided.",
				Priority:        domain.PriorityCritical,
				RequiredSkills:  []string{"flag_clause_risk"},
				SuggestedSkills: []string{"draft_clause_diff"},
			},
			{
				ClauseID:        "termination-for-convenience",
				Name:            "Termination for convenience",
				Description:     "Either party may terminate for convenience on reasonable notice.",
				Priority:        domain.PriorityHigh,
				RequiredSkills:  []string{"flag_clause_risk"},
			},
		},
		SkillPreference: []string{"flag_clause_risk", "draft_clause_diff"},
	}

	for _, p := range []domain.DomainPlugin{ndaPlugin, msaPlugin} {
		if err := plugins.Register(p); err != nil {
			return apperr.Wrap(apperr.KindInternal, "register builtin domain plugin "+p.ID, err)
		}
	}
	return nil
}

// flagClauseRiskHandler is a conservative keyword-based fallback used when
// no model-backed skill has been wired for risk detection; the ReAct loop's
// own model calls are the primary source of risk findings, but a local
// skill still needs a deterministic handler to satisfy its schema contract.
func flagClauseRiskHandler(ctx context.Context, input map[string]any) (map[string]any, error) {
	text, _ := input["clause_text"].(string)
	lower := strings.ToLower(text)

	var risks []map[string]any
	for _, kw := range []struct {
		term, level, kind, desc string
	}{
		{"sole discretion", "high", "unilateral-control", "Clause grants one party unreviewable discretion."},
		{"perpetual", "medium", "unbounded-term", "Clause establishes an obligation with no end date."},
		{"indemnify", "high", "indemnification", "Clause imposes an indemnification obligation; verify scope and mutuality."},
		{"liquidated damages", "medium", "liquidated-damages", "Clause specifies a fixed damages remedy; verify proportionality."},
	} {
		if strings.Contains(lower, kw.term) {
			risks = append(risks, map[string]any{
				"level":       kw.level,
				"type":        kw.kind,
				"description": kw.desc,
				"rationale":   "Matched keyword trigger: " + kw.term,
			})
		}
	}
	return map[string]any{"risks": risks}, nil
}

// draftClauseDiffHandler proposes a minimal clarifying replacement; it is a
// deterministic baseline the ReAct loop can fall back to when the model
// declines to draft language directly.
func draftClauseDiffHandler(ctx context.Context, input map[string]any) (map[string]any, error) {
	riskDesc, _ := input["risk_description"].(string)
	return map[string]any{
		"action":        "replace",
		"proposed_text": "[Reviewing counsel to propose replacement language addressing: " + riskDesc + "]",
		"reason":        "Flagged risk requires negotiated language; no automatic rewrite available.",
	}, nil
}
