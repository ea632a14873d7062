package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/session"
)

func TestSaveSession_RejectsStaleRevision(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, domain.SessionRecord{TaskID: "t1", Revision: 0}))

	err := s.SaveSession(ctx, domain.SessionRecord{TaskID: "t1", Revision: 0})
	assert.ErrorIs(t, err, session.ErrRevisionConflict)

	require.NoError(t, s.SaveSession(ctx, domain.SessionRecord{TaskID: "t1", Revision: 1}))
	rec, err := s.LoadSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)
}

func TestLoadSession_UnknownTaskErrors(t *testing.T) {
	s := New()
	_, err := s.LoadSession(context.Background(), "missing")
	assert.Error(t, err)
}

func TestUpdateSessionStatus_BumpsRevision(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, domain.SessionRecord{TaskID: "t1", Revision: 0, Status: domain.TaskCreated}))
	require.NoError(t, s.UpdateSessionStatus(ctx, "t1", domain.TaskReady))

	rec, err := s.LoadSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, rec.Status)
	assert.Equal(t, int64(1), rec.Revision)
}
