// Package worker runs the background halves of the system: the scheduled
// cadence pass and the IMAP reply watcher. Both are started from main and
// stop when their context is cancelled.
package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"cadencer/dispatcher"
	"cadencer/models"
	"cadencer/reconciler"
)

// CadenceWorker triggers one full pass per cron tick: reconcile pending
// signals first so fresh exits and accelerations are seen, then dispatch
// everything due. Passes are idempotent, so an overlapping manual run or a
// crash mid-pass costs nothing.
type CadenceWorker struct {
	Recon      *reconciler.Reconciler
	Dispatcher *dispatcher.Dispatcher
	CronSpec   string
	Logger     *logrus.Logger
}

func NewCadenceWorker(recon *reconciler.Reconciler, disp *dispatcher.Dispatcher, cronSpec string, logger *logrus.Logger) *CadenceWorker {
	return &CadenceWorker{
		Recon:      recon,
		Dispatcher: disp,
		CronSpec:   cronSpec,
		Logger:     logger,
	}
}

// Start blocks until ctx is cancelled, firing RunOnce on the cron schedule.
func (cw *CadenceWorker) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(cw.CronSpec, func() {
		if _, _, err := cw.RunOnce(context.Background(), models.Today()); err != nil {
			cw.Logger.WithError(err).Error("Scheduled cadence pass failed")
		}
	})
	if err != nil {
		return err
	}

	cw.Logger.WithField("cron", cw.CronSpec).Info("⏰ Cadence worker started")
	c.Start()

	<-ctx.Done()
	cw.Logger.Info("Cadence worker shutting down...")
	<-c.Stop().Done()
	return nil
}

// RunOnce performs a single pass for the given date.
func (cw *CadenceWorker) RunOnce(ctx context.Context, today models.Date) (*reconciler.SyncResult, *dispatcher.Report, error) {
	sync, err := cw.Recon.ProcessPendingSignals(ctx, today)
	if err != nil {
		return nil, nil, err
	}

	report, err := cw.Dispatcher.Dispatch(ctx, today)
	if err != nil {
		return sync, nil, err
	}

	cw.Logger.WithFields(logrus.Fields{
		"date":            string(report.Date),
		"signals_applied": sync.Applied,
		"signals_skipped": sync.Skipped,
		"sent":            report.Sent,
		"failed":          report.Failed,
		"exited":          report.Exited,
	}).Info("✅ Cadence pass completed")
	return sync, report, nil
}
