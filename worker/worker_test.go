package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/cadence"
	"cadencer/config"
	"cadencer/dispatcher"
	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/models"
	"cadencer/reconciler"
	"cadencer/store"
)

var day0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestWorker(t *testing.T) (*CadenceWorker, *engine.Engine, *int) {
	t.Helper()
	dir := t.TempDir()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, cadence.DefaultLibrary(), log)

	flags, err := reconciler.NewFlagStore(dir)
	require.NoError(t, err)
	recon := reconciler.New(flags, st, eng, log)

	fb, err := feedback.NewRecorder(dir)
	require.NoError(t, err)

	sent := 0
	disp := dispatcher.New(eng, fb, log)
	disp.Register(models.ChannelEmail, dispatcher.SenderFunc(func(ctx context.Context, req *dispatcher.SendRequest) error {
		sent++
		return nil
	}))

	return NewCadenceWorker(recon, disp, "0 8 * * *", log), eng, &sent
}

func TestRunOnceReconcilesThenDispatches(t *testing.T) {
	cw, eng, sent := newTestWorker(t)
	ctx := context.Background()

	_, _, err := eng.Enroll(ctx, engine.EnrollRequest{Email: "alice@example.com", StartedAt: day0})
	require.NoError(t, err)
	_, _, err = eng.Enroll(ctx, engine.EnrollRequest{Email: "bob@example.com", StartedAt: day0})
	require.NoError(t, err)

	require.NoError(t, cw.Recon.Flags().Write(&models.SignalFlag{
		Reason: models.SignalReplied,
		Lead:   models.SignalLead{Email: "bob@example.com"},
	}))

	today := models.DateOf(day0)
	sync, report, err := cw.RunOnce(ctx, today)
	require.NoError(t, err)

	// Bob's reply is applied before dispatch, so only Alice gets a send
	assert.Equal(t, 1, sync.Applied)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, *sent)

	bob, err := eng.GetStatus(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, bob.Status)
	assert.Equal(t, models.ExitReplied, bob.ExitReason)

	// A second pass on the same day has nothing left to do
	sync, report, err = cw.RunOnce(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 0, sync.Scanned)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, *sent)
}

func TestStartRejectsBadCronSpec(t *testing.T) {
	cw, _, _ := newTestWorker(t)
	cw.CronSpec = "not a cron spec"

	err := cw.Start(context.Background())
	require.Error(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	cw, _, _ := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestIsBounceReport(t *testing.T) {
	assert.True(t, isBounceReport("MAILER-DAEMON", "anything"))
	assert.True(t, isBounceReport("postmaster", "anything"))
	assert.True(t, isBounceReport("jane", "Undeliverable: Quick question"))
	assert.True(t, isBounceReport("jane", "Delivery Status Notification (Failure)"))
	assert.False(t, isBounceReport("jane", "Re: Quick question"))
	assert.False(t, isBounceReport("jane", ""))
}

func TestFindBouncedRecipient(t *testing.T) {
	dsn := `Reporting-MTA: dns; mx.example.com
Final-Recipient: rfc822; <bob@corp.example.com>
Action: failed
Status: 5.1.1`
	assert.Equal(t, "bob@corp.example.com", findBouncedRecipient(dsn))

	exim := `This message was created automatically by mail delivery software.
X-Failed-Recipients: carol@startup.io
A message that you sent could not be delivered.`
	assert.Equal(t, "carol@startup.io", findBouncedRecipient(exim))

	plain := `Your message to dave@example.com could not be delivered.`
	assert.Equal(t, "dave@example.com", findBouncedRecipient(plain))

	assert.Empty(t, findBouncedRecipient("nothing useful here"))
}

func TestReplyWorkerDisabledWithoutIMAP(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	flags, err := reconciler.NewFlagStore(t.TempDir())
	require.NoError(t, err)

	rw := NewReplyWorker(flags, config.IMAPConfig{}, time.Second, log)

	done := make(chan struct{})
	go func() {
		rw.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply worker should return immediately without IMAP config")
	}
}
