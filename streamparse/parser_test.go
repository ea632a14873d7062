package streamparse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_EightCharChunks_EmitsInOrder(t *testing.T) {
	input := `{"risks":[{"risk_level":"high","t":1}, {"risk_level":"low","t":2}]}`
	p := New()

	var emitted []json.RawMessage
	for i := 0; i < len(input); i += 8 {
		end := i + 8
		if end > len(input) {
			end = len(input)
		}
		got, err := p.Feed(input[i:end])
		require.NoError(t, err)
		emitted = append(emitted, got...)
	}
	require.Len(t, emitted, 2)

	var first, second struct {
		T int `json:"t"`
	}
	require.NoError(t, json.Unmarshal(emitted[0], &first))
	require.NoError(t, json.Unmarshal(emitted[1], &second))
	assert.Equal(t, 1, first.T)
	assert.Equal(t, 2, second.T)

	final := p.Finalize()
	require.Len(t, final.Risks, 2)
	assert.False(t, final.Reconciled)
}

func TestFeed_SkipsMalformedObject(t *testing.T) {
	p := New()
	_, err := p.Feed(`{"risks":[{"bad": }, {"ok":true}]}`)
	require.NoError(t, err)
	assert.Len(t, p.AllRisks(), 1)
}

func TestFinalize_FullParseWinsOnMismatch(t *testing.T) {
	p := New()
	// The incremental scan anchors on the first `"risks": [` it sees, here
	// the nested summary's empty array, so it emits nothing; the full parse
	// of the completed document finds both top-level risks.
	_, err := p.Feed(`{"summary":{"risks":[]},"risks":[{"t":1}`)
	require.NoError(t, err)
	_, err = p.Feed(`, {"t":2}]}`)
	require.NoError(t, err)
	require.Empty(t, p.AllRisks())

	final := p.Finalize()
	require.Len(t, final.Risks, 2)
	assert.True(t, final.Reconciled)
}

func TestFeed_ExceedsBufferCap(t *testing.T) {
	p := New().WithMaxBufferBytes(8)
	_, err := p.Feed(`{"risks":[{"t":1111111111}]}`)
	assert.ErrorIs(t, err, ErrStreamTooLarge)
}

func TestReset_ClearsState(t *testing.T) {
	p := New()
	_, err := p.Feed(`{"risks":[{"t":1}]}`)
	require.NoError(t, err)
	require.Len(t, p.AllRisks(), 1)

	p.Reset()
	assert.Empty(t, p.AllRisks())
	assert.Empty(t, p.Buffer())
}
