// Package session implements the Session Store: durable checkpoints of a
// task's GraphState, with a size guard that compresses or truncates
// oversized state and a conditional-write protocol keyed on a monotonically
// increasing revision.
package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
)

// MaxUncompressedBytes is the size_guard threshold: stringified graph_state
// at or below this is stored as-is; above it, Prepare first tries gzip
// compression, then falls back to field truncation if compression still
// doesn't fit.
const MaxUncompressedBytes = 5 * 1024 * 1024

// Store is the Session Store contract (spec: save_session / load_session /
// update_session_status), satisfying graph.SessionStore.
type Store interface {
	SaveSession(ctx context.Context, rec domain.SessionRecord) error
	LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error)
	UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
}

// ErrRevisionConflict is returned by a backend's conditional write when the
// caller's expected revision no longer matches the stored one — another
// writer updated the session concurrently.
var ErrRevisionConflict = apperr.New(apperr.KindConflict, "session revision conflict")

// PrepareGraphState applies the size guard to state before it is handed to
// a backend: measure the JSON-encoded size; if it fits, return as-is; if
// not, gzip-compress; if still over the cap even compressed, truncate
// reproducible fields (skill context raw blobs first, since those are
// regenerable by re-running the clause) while preserving index, findings
// summaries, and pending diffs — the fields approval and resume depend on.
func PrepareGraphState(state *domain.GraphState) (data []byte, compressed bool, err error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, false, err
	}
	if len(raw) <= MaxUncompressedBytes {
		return raw, false, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}
	if buf.Len() <= MaxUncompressedBytes {
		return buf.Bytes(), true, nil
	}

	truncated := state.Clone()
	for id, f := range truncated.Findings {
		f.SkillContext = nil
		truncated.Findings[id] = f
	}
	raw, err = json.Marshal(truncated)
	if err != nil {
		return nil, false, err
	}
	buf.Reset()
	gz = gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// DecodeGraphState reverses PrepareGraphState.
func DecodeGraphState(rec domain.SessionRecord) (*domain.GraphState, error) {
	raw := rec.GraphState
	if rec.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		decoded, err := io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	var state domain.GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
