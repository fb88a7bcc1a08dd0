package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cadencer/cadence"
	"cadencer/config"
	"cadencer/dispatcher"
	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/middleware"
	"cadencer/models"
	"cadencer/reconciler"
	"cadencer/routes"
	"cadencer/store"
	"cadencer/utils"
	"cadencer/worker"
)

var appLog = logrus.New()

var rootCmd = &cobra.Command{
	Use:          "cadencer",
	Short:        "Multi-channel outreach cadence engine",
	Long:         "Cadencer enrolls leads into touch sequences, computes what is due each day,\ndispatches sends, and reconciles engagement signals back into lead state.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return err
		}

		level, err := logrus.ParseLevel(config.AppConfig.LogLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		appLog.SetLevel(level)
		appLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		if config.AppConfig.SentryDSN != "" {
			err := sentry.Init(sentry.ClientOptions{
				Dsn:         config.AppConfig.SentryDSN,
				Environment: config.AppConfig.Environment,
			})
			if err != nil {
				appLog.WithError(err).Warn("Sentry init failed, continuing without it")
			}
		}
		return nil
	},
}

// app bundles the wired components a command works with.
type app struct {
	store    store.Store
	engine   *engine.Engine
	recon    *reconciler.Reconciler
	disp     *dispatcher.Dispatcher
	feedback *feedback.Recorder
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.WithError(err).Warn("Store close failed")
	}
}

func buildApp() (*app, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}

	lib, err := loadLibrary()
	if err != nil {
		return nil, err
	}

	eng := engine.New(st, lib, appLog)

	flags, err := reconciler.NewFlagStore(config.AppConfig.DataDir)
	if err != nil {
		return nil, err
	}
	recon := reconciler.New(flags, st, eng, appLog)

	fb, err := feedback.NewRecorder(config.AppConfig.DataDir)
	if err != nil {
		return nil, err
	}

	disp := dispatcher.New(eng, fb, appLog, dispatcher.WithTimeout(config.AppConfig.SendTimeout))
	if smtp := config.AppConfig.SMTP; smtp.Host != "" {
		disp.Register(models.ChannelEmail, dispatcher.NewEmailSender(
			smtp.Host, smtp.Port, smtp.Username, smtp.Password, smtp.From, smtp.FromName))
	}

	return &app{
		store:    st,
		engine:   eng,
		recon:    recon,
		disp:     disp,
		feedback: fb,
	}, nil
}

func openStore() (store.Store, error) {
	switch config.AppConfig.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", config.AppConfig.Redis.Address, err)
		}
		return store.NewRedisStore(client), nil
	case config.BackendPostgres:
		if err := config.ConnectDB(); err != nil {
			return nil, err
		}
		return store.NewGormStore(config.DB)
	default:
		return store.NewFileStore(config.AppConfig.DataDir)
	}
}

func loadLibrary() (*cadence.Library, error) {
	lib := cadence.DefaultLibrary()
	if dir := config.AppConfig.CadenceDir; dir != "" {
		if err := lib.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("loading cadence definitions from %s: %w", dir, err)
		}
	}
	return lib, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseDateFlag(raw string) (models.Date, error) {
	if raw == "" {
		return "", nil
	}
	return models.ParseDate(raw)
}

func newEnrollCmd() *cobra.Command {
	var (
		cadenceID   string
		tier        string
		linkedInURL string
		startDate   string
		ifEnrolled  string
	)
	cmd := &cobra.Command{
		Use:   "enroll <email>",
		Short: "Enroll a lead into a cadence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			req := engine.EnrollRequest{
				Email:       args[0],
				CadenceID:   cadenceID,
				Tier:        tier,
				LinkedInURL: linkedInURL,
			}
			if startDate != "" {
				d, err := models.ParseDate(startDate)
				if err != nil {
					return err
				}
				req.StartedAt = d.Time()
			}
			if ifEnrolled == "error" {
				req.IfEnrolled = engine.EnrollErrIfExists
			}

			state, created, err := a.engine.Enroll(context.Background(), req)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"created": created,
				"state":   state,
			})
		},
	}
	cmd.Flags().StringVar(&cadenceID, "cadence", "", "cadence id (defaults to "+cadence.DefaultCadenceID+")")
	cmd.Flags().StringVar(&tier, "tier", "", "lead tier label")
	cmd.Flags().StringVar(&linkedInURL, "linkedin-url", "", "lead LinkedIn profile URL")
	cmd.Flags().StringVar(&startDate, "start", "", "start date (YYYY-MM-DD, defaults to today)")
	cmd.Flags().StringVar(&ifEnrolled, "if-enrolled", "return", "behavior for an already enrolled lead: return or error")
	return cmd
}

func newDueCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List actions due on a date (today by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			today, err := parseDateFlag(date)
			if err != nil {
				return err
			}
			res, err := a.engine.GetDueActions(context.Background(), today)
			if err != nil {
				return err
			}
			for _, re := range res.Failures {
				appLog.WithField("email", re.Email).WithError(re.Err).Warn("Lead skipped during due computation")
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "evaluate dueness as of this date (YYYY-MM-DD)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <email>",
		Short: "Show the cadence state of a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.engine.GetStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func newSyncCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply pending engagement signals to lead state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			today, err := parseDateFlag(date)
			if err != nil {
				return err
			}
			res, err := a.recon.ProcessPendingSignals(context.Background(), today)
			if err != nil {
				return err
			}
			for _, re := range res.Failures {
				appLog.WithField("flag", re.Email).WithError(re.Err).Warn("Signal left pending")
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "reconcile as of this date (YYYY-MM-DD)")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <email>",
		Short: "Pause a lead without losing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.engine.Pause(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <email>",
		Short: "Resume a paused lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.engine.Resume(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func newExitCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "exit <email>",
		Short: "Remove a lead from its cadence permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.engine.ApplyExitSignal(context.Background(), args[0], models.ExitReason(reason))
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(models.ExitManual), "exit reason to record")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		once bool
		date string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run cadence passes: reconcile signals, then dispatch due actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			cadenceWorker := worker.NewCadenceWorker(a.recon, a.disp, config.AppConfig.CronSpec, appLog)

			if once {
				today, err := parseDateFlag(date)
				if err != nil {
					return err
				}
				if today.IsZero() {
					today = models.Today()
				}
				sync, report, err := cadenceWorker.RunOnce(context.Background(), today)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"sync":     sync,
					"dispatch": report,
				})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			replyWorker := worker.NewReplyWorker(a.recon.Flags(), config.AppConfig.IMAP, config.AppConfig.ReplyPoll, appLog)
			go replyWorker.Start(ctx)

			return cadenceWorker.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&date, "date", "", "with --once, run the pass as of this date (YYYY-MM-DD)")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			fiberApp := fiber.New(fiber.Config{
				AppName:               "cadencer",
				DisableStartupMessage: true,
			})
			fiberApp.Use(middleware.CORS())

			routes.SetupRoutes(fiberApp, &routes.Deps{
				Engine:     a.engine,
				Recon:      a.recon,
				Dispatcher: a.disp,
				Feedback:   a.feedback,
				Logger:     appLog,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cadenceWorker := worker.NewCadenceWorker(a.recon, a.disp, config.AppConfig.CronSpec, appLog)
			go func() {
				if err := cadenceWorker.Start(ctx); err != nil {
					appLog.WithError(err).Error("Cadence worker failed to start")
				}
			}()

			replyWorker := worker.NewReplyWorker(a.recon.Flags(), config.AppConfig.IMAP, config.AppConfig.ReplyPoll, appLog)
			go replyWorker.Start(ctx)

			errCh := make(chan error, 1)
			go func() {
				appLog.WithField("port", config.AppConfig.ServerPort).Info("🚀 Server starting")
				errCh <- fiberApp.Listen(":" + config.AppConfig.ServerPort)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				appLog.Info("Shutting down...")
				return fiberApp.ShutdownWithTimeout(10 * time.Second)
			}
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show per-step outcome aggregates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.feedback.Stats()
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := utils.GenerateAPIToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "operator label embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func init() {
	rootCmd.AddCommand(
		newEnrollCmd(),
		newDueCmd(),
		newStatusCmd(),
		newSyncCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newExitCmd(),
		newRunCmd(),
		newServeCmd(),
		newReportCmd(),
		newTokenCmd(),
	)
}
