package domainplugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/domain"
)

func samplePlugin() domain.DomainPlugin {
	return domain.DomainPlugin{
		ID:       "nda-v1",
		Name:     "Non-Disclosure Agreement",
		Subtypes: []string{"nda", "mnda"},
		Checklist: []domain.ChecklistItem{
			{ClauseID: "confidentiality-scope", Priority: domain.PriorityCritical},
		},
	}
}

func TestRegister_RejectsEmptyChecklist(t *testing.T) {
	r := NewRegistry()
	err := r.Register(domain.DomainPlugin{ID: "empty"})
	assert.Error(t, err)
}

func TestByTaskSubtype_ResolvesRegisteredPlugin(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(samplePlugin()))

	p, err := r.ByTaskSubtype("mnda")
	require.NoError(t, err)
	assert.Equal(t, "nda-v1", p.ID)

	_, err = r.ByTaskSubtype("lease")
	assert.Error(t, err)
}

func TestRegister_IsIdempotentOnReRegistration(t *testing.T) {
	r := NewRegistry()
	p := samplePlugin()
	require.NoError(t, r.Register(p))
	require.NoError(t, r.Register(p))
	assert.Len(t, r.List(), 1)
}
