package reconciler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/cadence"
	"cadencer/engine"
	"cadencer/models"
	"cadencer/store"
)

var day0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func day(n int) models.Date {
	return models.DateOf(day0).AddDays(n)
}

func newTestReconciler(t *testing.T) (*Reconciler, *engine.Engine, *store.FileStore) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	flags, err := NewFlagStore(dir)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	eng := engine.New(fs, cadence.DefaultLibrary(), log)
	return New(flags, fs, eng, log), eng, fs
}

func enrollBob(t *testing.T, eng *engine.Engine) {
	ctx := context.Background()
	_, _, err := eng.Enroll(ctx, engine.EnrollRequest{
		Email:       "bob@acme.com",
		Tier:        "tier_1",
		LinkedInURL: "https://linkedin.com/in/bob",
		StartedAt:   day0,
	})
	require.NoError(t, err)
}

func TestConnectionAcceptedAcceleratesFutureDue(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	// Walk bob to step 2, whose email is scheduled five days out.
	_, err := eng.RecordStepComplete(ctx, "bob@acme.com", 0, day0)
	require.NoError(t, err)
	_, err = eng.RecordStepComplete(ctx, "bob@acme.com", 1, day0)
	require.NoError(t, err)

	flag := &models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
		Source: "heyreach",
	}
	require.NoError(t, r.Flags().Write(flag))

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, []string{"bob@acme.com"}, res.Mutated)

	st, err := fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.True(t, st.LinkedInConnected)
	assert.Equal(t, day(0), st.NextStepDue)

	stored, err := r.Flags().Get(flag.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessedAt)
	assert.Empty(t, stored.SkipReason)
}

func TestAccelerationNeverPostpones(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	_, err := eng.RecordStepComplete(ctx, "bob@acme.com", 0, day0)
	require.NoError(t, err)

	// Step 1 became due on day 2; by day 5 it is overdue. The signal must
	// not push the date forward to day 5.
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))
	res, err := r.ProcessPendingSignals(ctx, day(5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	st, err := fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.True(t, st.LinkedInConnected)
	assert.Equal(t, day(2), st.NextStepDue)

	// A second identical signal changes nothing and mutates nobody.
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))
	res, err = r.ProcessPendingSignals(ctx, day(5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Mutated)

	st, err = fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.Equal(t, day(2), st.NextStepDue)
}

func TestRerunIsIdempotent(t *testing.T) {
	r, eng, _ := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)

	// Processed flags are never re-read.
	res, err = r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestSignalSkipReasons(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	noCadence := &models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "stranger@acme.com"},
	}
	noEmail := &models.SignalFlag{
		Reason: models.SignalReplied,
		Lead:   models.SignalLead{Name: "No Address"},
	}
	unknown := &models.SignalFlag{
		Reason: "profile_viewed",
		Lead:   models.SignalLead{Email: "stranger@acme.com"},
	}
	for _, f := range []*models.SignalFlag{noCadence, noEmail, unknown} {
		require.NoError(t, r.Flags().Write(f))
	}

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Skipped)
	assert.Zero(t, res.Applied)
	assert.Empty(t, res.Failures)

	for flag, want := range map[*models.SignalFlag]string{
		noCadence: models.SkipNoActiveCadence,
		noEmail:   models.SkipNoEmail,
		unknown:   models.SkipUnknownReason,
	} {
		stored, err := r.Flags().Get(flag.ID)
		require.NoError(t, err)
		assert.True(t, stored.Processed)
		assert.Equal(t, want, stored.SkipReason)
	}
}

func TestReplySignalExitsLead(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalReplied,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
		Source: "instantly",
	}))

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@acme.com"}, res.Mutated)

	st, err := fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, st.Status)
	assert.Equal(t, models.ExitReplied, st.ExitReason)
}

func TestSignalAfterExitIsSkipped(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	_, err := eng.ApplyExitSignal(ctx, "bob@acme.com", models.ExitReplied)
	require.NoError(t, err)

	flag := &models.SignalFlag{
		Reason: models.SignalBounced,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}
	require.NoError(t, r.Flags().Write(flag))

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	// The recorded exit reason survives the late bounce.
	st, err := fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.Equal(t, models.ExitReplied, st.ExitReason)

	stored, err := r.Flags().Get(flag.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SkipNoActiveCadence, stored.SkipReason)
}

func TestPausedLeadStillAcceleratesAndExits(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	_, err := eng.RecordStepComplete(ctx, "bob@acme.com", 0, day0)
	require.NoError(t, err)
	_, err = eng.Pause(ctx, "bob@acme.com")
	require.NoError(t, err)

	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))
	_, err = r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)

	st, err := fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, st.Status)
	assert.True(t, st.LinkedInConnected)
	assert.Equal(t, day(0), st.NextStepDue)

	// An unsubscribe still terminates a paused cadence.
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalUnsubscribed,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))
	_, err = r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)

	st, err = fs.Get(ctx, "bob@acme.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, st.Status)
	assert.Equal(t, models.ExitUnsubscribed, st.ExitReason)
}

func TestConnectionSignalBackfillsURL(t *testing.T) {
	r, eng, fs := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := eng.Enroll(ctx, engine.EnrollRequest{
		Email: "nourl@acme.com", Tier: "tier_2", StartedAt: day0,
	})
	require.NoError(t, err)

	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead: models.SignalLead{
			Email:       "nourl@acme.com",
			LinkedInURL: "https://linkedin.com/in/nourl",
		},
	}))
	_, err = r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)

	st, err := fs.Get(ctx, "nourl@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "https://linkedin.com/in/nourl", st.LinkedInURL)
	assert.True(t, st.LinkedInConnected)
}

func TestCorruptFlagReportedNotFatal(t *testing.T) {
	r, eng, _ := newTestReconciler(t)
	ctx := context.Background()

	enrollBob(t, eng)
	require.NoError(t, r.Flags().Write(&models.SignalFlag{
		Reason: models.SignalConnectionAccepted,
		Lead:   models.SignalLead{Email: "bob@acme.com"},
	}))

	bad := filepath.Join(r.Flags().dir, "signals", "mangled.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))

	res, err := r.ProcessPendingSignals(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Failures, 1)
	assert.True(t, store.IsCorrupt(res.Failures[0].Err))
}
