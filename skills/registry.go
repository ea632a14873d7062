package skills

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/legalflow/clausereview/apperr"
)

// compiledSkill pairs a registered Skill with its compiled JSON schemas.
type compiledSkill struct {
	skill        Skill
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// Registry holds the set of registered skills, keyed by skill id. It is
// safe for concurrent use: registration happens at startup (domain plugin
// load) while dispatch happens from many concurrent clause analyses.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*compiledSkill
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]*compiledSkill)}
}

// Register compiles sk's schemas and adds it to the registry. Re-registering
// the same skill id replaces the previous definition; this is the normal
// path when a domain plugin is reloaded.
func (r *Registry) Register(sk Skill) error {
	if sk.ID == "" {
		return apperr.New(apperr.KindInvalidInput, "skill id is required")
	}
	if sk.Backend == BackendLocal && sk.Handler == nil {
		return apperr.New(apperr.KindInvalidInput, "local skill requires a handler: "+sk.ID)
	}
	if sk.Backend == BackendRemote && sk.RemoteWorkflow == "" {
		return apperr.New(apperr.KindInvalidInput, "remote skill requires a workflow name: "+sk.ID)
	}
	if sk.Backend == BackendRemote {
		if sk.PollInterval <= 0 {
			sk.PollInterval = defaultPollInterval
		}
		if sk.MaxPollAttempts <= 0 {
			sk.MaxPollAttempts = defaultMaxPollAttempts
		}
	}

	in, err := compileSchema(sk.ID+"#input", sk.InputSchema)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "compile input schema for "+sk.ID, err)
	}
	out, err := compileSchema(sk.ID+"#output", sk.OutputSchema)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "compile output schema for "+sk.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[sk.ID] = &compiledSkill{skill: sk, inputSchema: in, outputSchema: out}
	return nil
}

// Lookup returns the registered skill by id.
func (r *Registry) Lookup(id string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.skills[id]
	if !ok {
		return Skill{}, false
	}
	return cs.skill, true
}

// List returns every registered skill's tool definition, in no particular
// order. Used by the Task API Facade's catalogue endpoints.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.skills))
	for _, cs := range r.skills {
		defs = append(defs, ToolDefinition{Name: cs.skill.ID, Description: cs.skill.Description, InputSchema: cs.skill.InputSchema})
	}
	return defs
}

// ToolDefinitions returns the ReAct-facing tool catalogue for the given
// skill ids, preserving the caller's order. Unknown ids are silently
// skipped; callers validate required skills at checklist-load time.
func (r *Registry) ToolDefinitions(ids []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(ids))
	for _, id := range ids {
		cs, ok := r.skills[id]
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{Name: cs.skill.ID, Description: cs.skill.Description, InputSchema: cs.skill.InputSchema})
	}
	return defs
}

// Clear removes every registered skill. It exists for test isolation; it is
// never called from production code paths.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills = make(map[string]*compiledSkill)
}

func (r *Registry) get(id string) (*compiledSkill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.skills[id]
	return cs, ok
}

func compileSchema(id string, doc []byte) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("empty schema document")
	}
	c := jsonschema.NewCompiler()
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	if err := c.AddResource(id, decoded); err != nil {
		return nil, err
	}
	return c.Compile(id)
}
