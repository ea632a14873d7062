// Package structure turns plain document text into a hierarchical clause
// tree plus a cross-reference and definitions index. It is a collaborator
// input for skills and the ReAct agent loop, not a skill itself.
package structure

import (
	"regexp"
	"sort"
	"strings"

	"github.com/legalflow/clausereview/domain"
)

// builtinFallback is one of the generic clause-numbering patterns tried when
// a domain's configured pattern fails to match enough of the document.
type builtinFallback struct {
	name    string
	pattern *regexp.Regexp
}

// Fallbacks are tried in order; the one with the highest match ratio above
// matchThreshold is selected.
var fallbacks = []builtinFallback{
	{"numbered-article", regexp.MustCompile(`(?m)^Article\s+(\d+(?:\.\d+)*)[.\s]+(.*)$`)},
	{"chapter-numbered", regexp.MustCompile(`(?m)^Chapter\s+(\d+(?:\.\d+)*)[.\s]+(.*)$`)},
	{"section-numbered", regexp.MustCompile(`(?m)^Section\s+(\d+(?:\.\d+)*)[.\s]+(.*)$`)},
	{"generic-dotted", regexp.MustCompile(`(?m)^(\d+(?:\.\d+)*)\s+(.*)$`)},
}

const matchThreshold = 0.02 // at least 2% of lines must match to prefer a pattern over the single-clause fallback

// Parse builds a ClauseTree from text using cfg.ClausePattern first; if that
// pattern fails to match enough of the document, built-in fallbacks are
// tried in order and the best-matching one above matchThreshold is used.
// If nothing clears the threshold, the whole document becomes one clause.
func Parse(text string, cfg domain.ParserConfig) *domain.ClauseTree {
	lineCount := strings.Count(text, "\n") + 1

	candidates := []builtinFallback{}
	if cfg.ClausePattern != "" {
		if re, err := regexp.Compile(cfg.ClausePattern); err == nil {
			candidates = append(candidates, builtinFallback{"configured", re})
		}
	}
	candidates = append(candidates, fallbacks...)

	var best builtinFallback
	bestMatches := 0
	for _, c := range candidates {
		n := len(c.pattern.FindAllStringIndex(text, -1))
		if n > bestMatches {
			bestMatches = n
			best = c
		}
		if c.name == "configured" && n > 0 && float64(n)/float64(lineCount) >= matchThreshold {
			break // the configured pattern matches enough; fallbacks are not tried
		}
	}

	roots := []*domain.ClauseNode{}
	if bestMatches > 0 && float64(bestMatches)/float64(lineCount) >= matchThreshold {
		roots = buildFromPattern(text, best.pattern, cfg.MaxDepth)
	}
	if len(roots) == 0 {
		roots = []*domain.ClauseNode{{
			ClauseID: "1",
			Title:    "Document",
			Text:     text,
			Level:    1,
			StartOff: 0,
			EndOff:   len(text),
		}}
	}

	tree := &domain.ClauseTree{
		Roots:           roots,
		CrossReferences: extractCrossReferences(text, roots, cfg.CrossReferencePatterns),
		Definitions:     extractDefinitions(text, cfg.DefinitionsSectionID),
	}
	return tree
}

// buildFromPattern splits text at every pattern match into flat clause
// nodes, then nests them by dotted-id depth (e.g. "14" is parent of
// "14.2"), capped at maxDepth (0 means unlimited).
func buildFromPattern(text string, pattern *regexp.Regexp, maxDepth int) []*domain.ClauseNode {
	locs := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	flat := make([]*domain.ClauseNode, 0, len(locs))
	for i, loc := range locs {
		start := loc[0]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		clauseID := text[loc[2]:loc[3]]
		title := ""
		if len(loc) >= 6 {
			title = strings.TrimSpace(text[loc[4]:loc[5]])
		}
		level := strings.Count(clauseID, ".") + 1
		if maxDepth > 0 && level > maxDepth {
			level = maxDepth
		}
		flat = append(flat, &domain.ClauseNode{
			ClauseID: clauseID,
			Title:    title,
			Text:     strings.TrimSpace(text[start:end]),
			Level:    level,
			StartOff: start,
			EndOff:   end,
		})
	}
	return nest(flat)
}

// nest arranges depth-first-ordered flat clauses into a tree using dotted-id
// prefix matching: "14.2" nests under "14" if "14" was already seen as an
// ancestor candidate.
func nest(flat []*domain.ClauseNode) []*domain.ClauseNode {
	var roots []*domain.ClauseNode
	stack := []*domain.ClauseNode{}

	for _, n := range flat {
		for len(stack) > 0 && !isDottedChild(stack[len(stack)-1].ClauseID, n.ClauseID) {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
	return roots
}

func isDottedChild(parentID, childID string) bool {
	return strings.HasPrefix(childID, parentID+".")
}

// extractCrossReferences scans text for each configured reference pattern
// and records, per clause whose span contains the match, the list of
// clause_ids it refers to (deduplicated, insertion order preserved).
func extractCrossReferences(text string, roots []*domain.ClauseNode, patterns []string) map[string][]string {
	refs := make(map[string][]string)
	if len(patterns) == 0 {
		return refs
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	var flat []*domain.ClauseNode
	var walk func([]*domain.ClauseNode)
	walk = func(nodes []*domain.ClauseNode) {
		for _, n := range nodes {
			flat = append(flat, n)
			walk(n.Children)
		}
	}
	walk(roots)
	sort.Slice(flat, func(i, j int) bool { return flat[i].StartOff < flat[j].StartOff })

	for _, n := range flat {
		seen := make(map[string]bool)
		for _, re := range compiled {
			for _, m := range re.FindAllStringSubmatch(n.Text, -1) {
				if len(m) < 2 {
					continue
				}
				target := m[1]
				if target == n.ClauseID || seen[target] {
					continue
				}
				seen[target] = true
				refs[n.ClauseID] = append(refs[n.ClauseID], target)
			}
		}
	}
	return refs
}

var definitionLineRE = regexp.MustCompile(`(?m)^\s*"([^"]+)"\s+means\s+(.+)$`)

// extractDefinitions pulls term -> definition pairs from the designated
// section via a regex-first pass. Model-supplemented extraction (a second
// pass feeding the clause text to the Model Adapter for loosely-formatted
// definitions, via MergeModelDefinitions) is wired into the review graph's
// nodeSupplementDefinitions and must never overwrite a regex-extracted term.
func extractDefinitions(text, sectionID string) map[string]string {
	defs := make(map[string]string)
	scope := text
	if sectionID != "" {
		if idx := strings.Index(text, sectionID); idx >= 0 {
			scope = text[idx:]
		}
	}
	for _, m := range definitionLineRE.FindAllStringSubmatch(scope, -1) {
		term := strings.TrimSpace(m[1])
		if _, exists := defs[term]; !exists {
			defs[term] = strings.TrimSpace(m[2])
		}
	}
	return defs
}

// MergeModelDefinitions adds model-supplemented definitions for terms the
// regex pass did not find. Regex results always win; this never overwrites
// an existing entry.
func MergeModelDefinitions(defs map[string]string, modelDefs map[string]string) {
	for term, def := range modelDefs {
		if _, exists := defs[term]; !exists {
			defs[term] = def
		}
	}
}
