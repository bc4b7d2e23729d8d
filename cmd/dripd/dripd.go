package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/api"
	"github.com/relaypoint/drip/internal/clix"
	"github.com/relaypoint/drip/internal/config"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/executor"
	"github.com/relaypoint/drip/internal/metrics"
	"github.com/relaypoint/drip/internal/pacer"
	"github.com/relaypoint/drip/internal/pool"
	"github.com/relaypoint/drip/internal/rollup"
	"github.com/relaypoint/drip/internal/scheduler"
	"github.com/relaypoint/drip/internal/store"
	"github.com/relaypoint/drip/internal/warmup"
	"github.com/relaypoint/drip/tools"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	_ = godotenv.Load()

	app := &cli.App{
		Name:   "dripd",
		Usage:  "outreach capacity and lead lifecycle daemon",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "cron-spec",
						EnvVars: []string{"DRIP_CRON_SPEC"},
						Usage:   "cron spec for self-triggered full runs, eg '0 * * * *'. Empty means runs only happen on POST /trigger",
					},
					&cli.StringFlag{
						Name:    "provider-email-url",
						EnvVars: []string{"DRIP_PROVIDER_EMAIL_URL"},
						Usage:   "gateway url email sends are posted to",
					},
					&cli.StringFlag{
						Name:    "provider-sms-url",
						EnvVars: []string{"DRIP_PROVIDER_SMS_URL"},
						Usage:   "gateway url sms sends are posted to",
					},
					&cli.DurationFlag{
						Name:    "provider-timeout",
						EnvVars: []string{"DRIP_PROVIDER_TIMEOUT"},
						Usage:   "upper bound on one provider call, exceeding it counts as a transient failure",
					},
					&cli.IntFlag{
						Name:    "send-max-attempts",
						EnvVars: []string{"DRIP_SEND_MAX_ATTEMPTS"},
						Usage:   "attempts per sequence step before the step is given up on",
					},
					&cli.DurationFlag{
						Name:    "send-retry-backoff",
						EnvVars: []string{"DRIP_SEND_RETRY_BACKOFF"},
						Usage:   "minimum wait before a failed step is retried",
					},
					&cli.BoolFlag{
						Name:    "continue-on-step-fail",
						EnvVars: []string{"DRIP_CONTINUE_ON_STEP_FAIL"},
						Usage:   "advance past a step that exhausted its retries instead of stalling the lead",
					},
					&cli.IntFlag{
						Name:    "run-batch-limit",
						EnvVars: []string{"DRIP_RUN_BATCH_LIMIT"},
						Usage:   "max dispatches per run",
					},
					&cli.IntFlag{
						Name:    "run-retry-batch",
						EnvVars: []string{"DRIP_RUN_RETRY_BATCH"},
						Usage:   "max requeued steps picked up per run",
					},
					&cli.IntFlag{
						Name:    "run-workers",
						EnvVars: []string{"DRIP_RUN_WORKERS"},
						Usage:   "size of the per run send worker pool",
					},
					&cli.IntFlag{
						Name:    "warmup-ramp-days",
						EnvVars: []string{"DRIP_WARMUP_RAMP_DAYS"},
						Usage:   "days for a new domain to ramp to its production limit",
					},
					&cli.IntFlag{
						Name:    "warmup-bounce-threshold",
						EnvVars: []string{"DRIP_WARMUP_BOUNCE_THRESHOLD"},
						Usage:   "bounces tolerated before a domain's warmup restarts",
					},
					&cli.IntFlag{
						Name:    "warmup-min-daily",
						EnvVars: []string{"DRIP_WARMUP_MIN_DAILY"},
						Usage:   "day one send volume for a warming domain",
					},
					&cli.Float64Flag{
						Name:    "sms-non-10dlc-fraction",
						EnvVars: []string{"DRIP_SMS_NON_10DLC_FRACTION"},
						Usage:   "fraction of a non 10dlc number's daily limit that may actually be used",
					},
					&cli.StringFlag{
						Name:    "hostname",
						EnvVars: []string{"DRIP_HOSTNAME"},
					},
					&cli.StringFlag{
						Name:    "metrics-push-url",
						EnvVars: []string{"DRIP_METRICS_PUSH_URL"},
					},
					&cli.DurationFlag{
						Name:    "metrics-push-interval",
						EnvVars: []string{"DRIP_METRICS_PUSH_INTERVAL"},
					},
					&cli.BoolFlag{
						Name:    "metrics-poll",
						EnvVars: []string{"DRIP_METRICS_POLL"},
					},
					&cli.StringFlag{
						Name:    "metrics-poll-basic-auth-user",
						EnvVars: []string{"DRIP_METRICS_POLL_BASIC_AUTH_USER"},
					},
					&cli.StringFlag{
						Name:    "metrics-poll-basic-auth-pass",
						EnvVars: []string{"DRIP_METRICS_POLL_BASIC_AUTH_PASS"},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "dripd"})
	lc := tools.LoggerCloner(l)

	cfg := config.Get()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		l.WithError(err).Fatalf("could not load timezone %s", cfg.Timezone)
	}

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	m := metrics.New(clix.Parse[metrics.Config](c), lc)
	m.Start()

	capacity := pool.New(clix.Parse[pool.Config](c), db, lc, m)
	ramp := warmup.New(clix.Parse[warmup.Config](c), db, lc)
	leadStore := store.New(db, lc)
	pace := pacer.New(db, lc, loc)

	provider := &executor.HTTPProvider{
		EmailURL: c.String("provider-email-url"),
		SMSURL:   c.String("provider-sms-url"),
	}
	exec := executor.New(clix.Parse[executor.Config](c), db, capacity, leadStore, ramp, provider, lc, m)
	sch := scheduler.New(clix.Parse[scheduler.Config](c), db, capacity, pace, ramp, exec, lc, loc, m)

	ru := rollup.New(db, lc, loc)
	ru.Start()

	srv := api.New(cfg, db, sch, leadStore, ramp, ru, loc, lc, m)
	srv.Start()

	var stopRuns func()
	c.Context, stopRuns = context.WithCancel(c.Context)
	defer stopRuns()

	var cr *cron.Cron
	if spec := c.String("cron-spec"); spec != "" {
		cr = cron.New()
		_, err = cr.AddFunc(spec, func() {
			_, err := sch.Run(c.Context, drip.ActionFull)
			if err != nil {
				l.WithError(err).Error("cron triggered run failed")
			}
		})
		if err != nil {
			l.WithError(err).Fatalf("bad cron spec %s", spec)
		}
		cr.Start()
		l.WithField("spec", spec).Info("cron self-trigger enabled")
	}

	services := []Stoppable{srv, ru, m}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)
	stopRuns()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("Shutdown complete, terminating now")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
