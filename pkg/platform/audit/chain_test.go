package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainOf(t *testing.T, n int) []Record {
	t.Helper()
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	var out []Record
	var prev *Record
	for i := 0; i < n; i++ {
		r := Link(prev, Record{
			ID:               "a" + string(rune('1'+i)),
			ChainKey:         "artifact-1",
			ArtifactID:       "artifact-1",
			ConsentRequestID: "crid-1",
			FromStatus:       "REQUESTED",
			ToStatus:         "GRANTED",
			Outcome:          OutcomeApplied,
			SourceEvent:      []byte(`{"permission":{}}`),
			Timestamp:        now.Add(time.Duration(i) * time.Second),
		})
		out = append(out, r)
		prev = &out[len(out)-1]
	}
	return out
}

func TestLinkChainsRecords(t *testing.T) {
	records := chainOf(t, 2)

	assert.Equal(t, Genesis, records[0].HashPrev)
	assert.NotEmpty(t, records[0].HashCurr)
	assert.Equal(t, records[0].HashCurr, records[1].HashPrev)
	assert.Equal(t, int64(2), records[1].Sequence)
	require.NoError(t, VerifyChain(records))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	t.Run("edited field", func(t *testing.T) {
		records := chainOf(t, 3)
		records[1].Outcome = OutcomeRejected
		assert.ErrorIs(t, VerifyChain(records), ErrCorruptChain)
	})

	t.Run("edited payload byte", func(t *testing.T) {
		records := chainOf(t, 3)
		records[0].SourceEvent[2] = 'X'
		assert.ErrorIs(t, VerifyChain(records), ErrCorruptChain)
	})

	t.Run("deleted record", func(t *testing.T) {
		records := chainOf(t, 3)
		records = append(records[:1], records[2:]...)
		assert.ErrorIs(t, VerifyChain(records), ErrCorruptChain)
	})

	t.Run("empty chain is valid", func(t *testing.T) {
		assert.NoError(t, VerifyChain(nil))
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "art-1", Key("art-1", "crid-1"))
	assert.Equal(t, "crid:crid-1", Key("", "crid-1"))
	assert.Equal(t, "unattributed", Key("", ""))
}
