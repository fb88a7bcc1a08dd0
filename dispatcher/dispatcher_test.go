package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/cadence"
	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/models"
	"cadencer/store"
)

var day0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func day(n int) models.Date {
	return models.DateOf(day0).AddDays(n)
}

func newTestRig(t *testing.T, opts ...Option) (*Dispatcher, *engine.Engine, *feedback.Recorder) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	fb, err := feedback.NewRecorder(dir)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	eng := engine.New(fs, cadence.DefaultLibrary(), log)
	return New(eng, fb, log, opts...), eng, fb
}

func enrollAlice(t *testing.T, eng *engine.Engine) {
	_, _, err := eng.Enroll(context.Background(), engine.EnrollRequest{
		Email:       "alice@acme.com",
		Tier:        "tier_1",
		LinkedInURL: "https://linkedin.com/in/alice",
		StartedAt:   day0,
	})
	require.NoError(t, err)
}

func TestDispatchSendsAndAdvances(t *testing.T) {
	d, eng, fb := newTestRig(t)
	ctx := context.Background()
	enrollAlice(t, eng)

	var got []*SendRequest
	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		got = append(got, req)
		return nil
	}))

	rep, err := d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Zero(t, rep.Failed)
	require.Len(t, got, 1)
	assert.Equal(t, "alice@acme.com", got[0].Action.Email)
	assert.NotEmpty(t, got[0].SendID)
	require.NotNil(t, got[0].Lead)
	assert.Equal(t, "tier_1", got[0].Lead.Tier)

	st, err := eng.GetStatus(ctx, "alice@acme.com")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStep)

	outcomes, _, err := fb.All()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeSent, outcomes[0].Outcome)
	assert.Equal(t, got[0].SendID, outcomes[0].SendID)

	// Nothing more is due today, so a second pass sends nothing.
	rep, err = d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Zero(t, rep.Sent)
	assert.Len(t, got, 1)
}

func TestTemporaryFailureLeavesStepDue(t *testing.T) {
	d, eng, fb := newTestRig(t)
	ctx := context.Background()
	enrollAlice(t, eng)

	calls := 0
	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		calls++
		return errors.New("451 4.7.1 greylisted, try again later")
	}))

	rep, err := d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Sent)

	// The step was not advanced; the next pass retries it.
	st, err := eng.GetStatus(ctx, "alice@acme.com")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentStep)
	assert.Equal(t, models.StatusActive, st.Status)

	_, err = d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	outcomes, _, err := fb.All()
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, models.OutcomeFailed, outcomes[0].Outcome)
}

func TestPermanentFailureExitsLead(t *testing.T) {
	d, eng, fb := newTestRig(t)
	ctx := context.Background()
	enrollAlice(t, eng)

	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		return fmt.Errorf("%w: 550 5.1.1 user unknown", ErrPermanent)
	}))

	rep, err := d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Exited)

	st, err := eng.GetStatus(ctx, "alice@acme.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, st.Status)
	assert.Equal(t, models.ExitBounced, st.ExitReason)

	outcomes, _, err := fb.All()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeBounced, outcomes[0].Outcome)
}

func TestDryRunTouchesNothing(t *testing.T) {
	d, eng, fb := newTestRig(t, WithDryRun())
	ctx := context.Background()
	enrollAlice(t, eng)

	called := false
	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		called = true
		return nil
	}))

	rep, err := d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	require.Len(t, rep.Planned, 1)
	assert.Zero(t, rep.Sent)
	assert.False(t, called)

	st, err := eng.GetStatus(ctx, "alice@acme.com")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentStep)

	outcomes, _, err := fb.All()
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestUnroutedChannelLeftDue(t *testing.T) {
	d, eng, _ := newTestRig(t)
	ctx := context.Background()
	enrollAlice(t, eng)

	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		return nil
	}))
	_, err := eng.RecordStepComplete(ctx, "alice@acme.com", 0, day0)
	require.NoError(t, err)

	// Step 1 is a LinkedIn connect and no LinkedIn sender is wired.
	rep, err := d.Dispatch(ctx, day(2))
	require.NoError(t, err)
	require.Len(t, rep.Unrouted, 1)
	assert.Equal(t, models.ChannelLinkedInConnect, rep.Unrouted[0].Channel)
	assert.Zero(t, rep.Sent)

	st, err := eng.GetStatus(ctx, "alice@acme.com")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStep)
}

func TestSendIDsAreUnique(t *testing.T) {
	d, eng, _ := newTestRig(t)
	ctx := context.Background()
	enrollAlice(t, eng)
	_, _, err := eng.Enroll(ctx, engine.EnrollRequest{
		Email: "bob@acme.com", Tier: "tier_2", StartedAt: day0,
	})
	require.NoError(t, err)

	ids := map[string]bool{}
	d.Register(models.ChannelEmail, SenderFunc(func(ctx context.Context, req *SendRequest) error {
		ids[req.SendID] = true
		return nil
	}))

	rep, err := d.Dispatch(ctx, day(0))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Len(t, ids, 2)
}
