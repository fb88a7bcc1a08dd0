package feedback

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/models"
)

func TestRecordAndReadBack(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(&models.StepOutcome{
		Email:      "Alice@Acme.com",
		CadenceID:  "default_21day",
		StepIndex:  0,
		Channel:    models.ChannelEmail,
		ActionType: "intro",
		Outcome:    models.OutcomeSent,
		SendID:     "send-1",
		OccurredAt: at,
	}))

	outcomes, bad, err := r.All()
	require.NoError(t, err)
	assert.Zero(t, bad)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "alice@acme.com", outcomes[0].Email)
	assert.Equal(t, models.OutcomeSent, outcomes[0].Outcome)
}

func TestEmptyLog(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	outcomes, bad, err := r.All()
	require.NoError(t, err)
	assert.Zero(t, bad)
	assert.Empty(t, outcomes)

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestMangledLinesAreCountedNotFatal(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Record(&models.StepOutcome{
		Email: "a@b.co", CadenceID: "c", StepIndex: 0, Outcome: models.OutcomeSent,
	}))

	f, err := os.OpenFile(r.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{torn line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.Record(&models.StepOutcome{
		Email: "a@b.co", CadenceID: "c", StepIndex: 0, Outcome: models.OutcomeReplied,
	}))

	outcomes, bad, err := r.All()
	require.NoError(t, err)
	assert.Equal(t, 1, bad)
	assert.Len(t, outcomes, 2)
}

func TestStatsAggregation(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	record := func(step int, action string, outcome models.Outcome) {
		require.NoError(t, r.Record(&models.StepOutcome{
			Email:      "lead@acme.com",
			CadenceID:  "default_21day",
			StepIndex:  step,
			Channel:    models.ChannelEmail,
			ActionType: action,
			Outcome:    outcome,
		}))
	}

	// Step 0: four sends, one reply, one bounce.
	for i := 0; i < 4; i++ {
		record(0, "intro", models.OutcomeSent)
	}
	record(0, "intro", models.OutcomeReplied)
	record(0, "intro", models.OutcomeBounced)
	// Step 1: two skips.
	record(1, "connect_request", models.OutcomeSkipped)
	record(1, "connect_request", models.OutcomeSkipped)

	stats, err := r.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	intro := stats[0]
	assert.Equal(t, 0, intro.StepIndex)
	assert.Equal(t, 4, intro.SentCount)
	assert.Equal(t, 1, intro.ReplyCount)
	assert.Equal(t, 1, intro.FailCount)
	assert.InDelta(t, 0.25, intro.ReplyRate, 1e-9)

	connect := stats[1]
	assert.Equal(t, 1, connect.StepIndex)
	assert.Equal(t, 2, connect.SkipCount)
	assert.Zero(t, connect.ReplyRate)
}
