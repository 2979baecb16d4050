package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/pearlflow/internal/api/router"
	"github.com/wolfman30/pearlflow/internal/archive"
	"github.com/wolfman30/pearlflow/internal/compliance"
	appconfig "github.com/wolfman30/pearlflow/internal/config"
	"github.com/wolfman30/pearlflow/internal/events"
	httpmiddleware "github.com/wolfman30/pearlflow/internal/http/middleware"
	"github.com/wolfman30/pearlflow/internal/notify"
	"github.com/wolfman30/pearlflow/internal/observability/metrics"
	"github.com/wolfman30/pearlflow/internal/patients"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/stream"
	"github.com/wolfman30/pearlflow/internal/turn"
	"github.com/wolfman30/pearlflow/internal/waitlist"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// App is the fully wired API process: stores, the scheduling engine, the turn
// pipeline and the HTTP handler tree.
type App struct {
	Handler   http.Handler
	Engine    *scheduling.Engine
	Processor *turn.Processor
	Sessions  session.Store

	cfg       *appconfig.Config
	logger    *logging.Logger
	worker    *turn.Worker
	announcer *turn.Announcer
	reaper    *session.Reaper
	deliverer *events.Deliverer
	limiter   *httpmiddleware.RateLimiter
	bus       *events.Bus
	watcher   events.Watcher

	redis   *redis.Client
	pool    *pgxpool.Pool
	auditDB *sql.DB
	closers []io.Closer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the application from cfg. Backends that are not configured fall
// back to their in-memory versions.
func New(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	dir, err := loadDirectory(cfg.ClinicRosterPath)
	if err != nil {
		return nil, err
	}

	a.redis = BuildRedisClient(ctx, cfg, logger, false)
	if a.pool, err = ConnectPostgres(ctx, cfg.DatabaseURL, logger); err != nil {
		return nil, err
	}
	if a.auditDB, err = OpenAuditDB(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions, err := BuildSessionStore(cfg, a.redis, a.pool, logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions
	eventLog, err := BuildEventLog(cfg, a.redis)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(eventLog, logger, events.WithQueueSize(cfg.SubscriberQueueSize), events.WithObserver(m))
	a.bus = bus
	// a shared log can be appended to by other API instances
	if w, shared := eventLog.(events.Watcher); shared {
		a.watcher = w
	}
	locks := session.NewLocks()

	var (
		patientRepo    patients.Repository = patients.NewInMemoryRepository()
		apptStore      scheduling.Store    = scheduling.NewMemoryStore()
		waitlistStore  waitlist.Store      = waitlist.NewMemoryStore()
		auditRecorder  compliance.ViolationRecorder
		escalationsLog turn.EscalationRecorder
	)
	if a.pool != nil {
		patientRepo = patients.NewPostgresRepository(a.pool)
		apptStore = scheduling.NewPostgresStore(a.pool)
		waitlistStore = waitlist.NewPostgresStore(a.pool)
	}
	if a.auditDB != nil {
		audit := compliance.NewAuditService(a.auditDB)
		auditRecorder = audit
		escalationsLog = audit
	}

	// The engine and waitlist publish through the announcer, which itself
	// reads appointments back from the engine.
	relay := events.NotifierFunc(func(ctx context.Context, clinicID string, n events.Notification) error {
		return a.announcer.Notify(ctx, clinicID, n)
	})
	wl := waitlist.NewService(waitlistStore, relay, logger)
	a.Engine = scheduling.NewEngine(apptStore, dir, logger,
		scheduling.WithProfiles(patients.SchedulingProfiles{Repo: patientRepo}),
		scheduling.WithWaitlist(wl),
		scheduling.WithNotifier(relay),
		scheduling.WithObserver(m),
		scheduling.WithSearchHorizon(cfg.BookingHorizon),
		scheduling.WithMoveHorizon(cfg.MoveTargetHorizon),
		scheduling.WithOfferTTL(cfg.MoveOfferTTL),
		scheduling.WithReminderLead(cfg.ReminderLead),
	)

	email, err := BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	dispatchOpts := []notify.DispatcherOption{notify.WithAppointments(a.Engine)}
	sms, err := BuildSMSSender(cfg, logger)
	if err != nil {
		return nil, err
	}
	if sms != nil {
		dispatchOpts = append(dispatchOpts, notify.WithSMS(sms))
	}
	dispatcher := notify.NewDispatcher(email, patientRepo, dir, logger, dispatchOpts...)
	var downstream events.Notifier = dispatcher
	if a.pool != nil {
		outbox := events.NewOutboxStore(a.pool)
		downstream = outbox
		a.deliverer = events.NewDeliverer(outbox, dispatcher, logger).
			WithInterval(cfg.OutboxInterval).
			WithRetries(cfg.OutboxMaxAttempts, cfg.OutboxRetryBase)
	}

	sanitizer := compliance.NewSanitizer(logger, auditRecorder)
	a.announcer = turn.NewAnnouncer(sessions, locks, bus, a.Engine, downstream, logger).WithSanitizer(sanitizer)

	llmClient, model, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	if c, isCloser := llmClient.(io.Closer); isCloser {
		a.closers = append(a.closers, c)
	}

	procOpts := []turn.Option{
		turn.WithGenerator(BuildGenerator(llmClient, model)),
		turn.WithWaitlist(wl),
		turn.WithSanitizer(sanitizer),
		turn.WithObserver(m),
	}
	if escalationsLog != nil {
		procOpts = append(procOpts, turn.WithEscalationRecorder(escalationsLog))
	}
	a.Processor = turn.NewProcessor(sessions, locks, bus, BuildClassifier(cfg, llmClient, model, logger), a.Engine, logger, procOpts...)

	queue, jobs, err := BuildTurnQueue(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	a.worker = turn.NewWorker(a.Processor, queue, jobs, logger,
		turn.WithWorkerCount(cfg.WorkerCount),
		turn.WithTurnTimeout(cfg.TurnTimeout),
	)

	archiver := BuildArchiver(cfg, awsCfg, logger)
	a.reaper = session.NewReaper(sessions, locks, cfg.SessionIdleTimeout, logger)
	turnOpts := []turn.HandlerOption{turn.WithPatientFinder(patientRepo)}
	if archiver != nil {
		turnOpts = append(turnOpts, turn.WithCloseHook(archiver.Archive))
		a.reaper.OnAbandon(archiveAbandoned(archiver))
	}
	turns := turn.NewHandler(sessions, dir, turn.NewSubmitter(queue, jobs, logger), jobs, a.Processor, logger, turnOpts...)

	if cfg.ChatRateLimitRPS > 0 {
		a.limiter = httpmiddleware.NewRateLimiter(cfg.ChatRateLimitRPS, cfg.ChatRateLimitBurst)
	}

	a.Handler = router.New(&router.Config{
		Logger:  logger,
		Clinics: dir,
		Turns:   turns,
		Stream: stream.NewHandler(bus, sessions, logger,
			stream.WithHeartbeat(cfg.StreamHeartbeat),
			stream.WithIdleTimeout(cfg.StreamIdleTimeout),
			stream.WithSubmitter(turns),
		),
		Scheduling:         scheduling.NewHandler(a.Engine, logger, scheduling.WithAccess(httpmiddleware.AdminAccess)),
		Waitlist:           waitlist.NewHandler(wl, logger),
		Patients:           patients.NewHandler(patientRepo, logger),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ChatLimiter:        a.limiter,
		Ready:              a.Ready,
	})

	ok = true
	return a, nil
}

func loadDirectory(path string) (*scheduling.Directory, error) {
	if strings.TrimSpace(path) == "" {
		return scheduling.DefaultDirectory()
	}
	return scheduling.LoadDirectory(path)
}

func archiveAbandoned(archiver *archive.Archiver) session.AbandonHook {
	return func(ctx context.Context, s session.Session) {
		_ = archiver.Archive(ctx, s)
	}
}

// Ready pings the configured backing stores.
func (a *App) Ready(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Start launches the turn workers and the background sweeps. They stop when
// ctx is cancelled or Shutdown is called.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.worker.Start(ctx)
	if a.watcher != nil {
		if err := a.bus.Follow(ctx, a.watcher); err != nil {
			a.logger.Error("event follow failed, streams only see this instance's events", "error", err)
		}
	}
	a.goBackground(func() { a.reaper.Start(ctx, time.Minute) })
	a.goBackground(func() { a.sweepOffers(ctx, a.cfg.OfferSweepInterval) })
	if a.deliverer != nil {
		a.goBackground(func() { a.deliverer.Start(ctx) })
	}
	if a.limiter != nil {
		a.goBackground(func() { a.limiter.RunEviction(ctx, time.Minute, 10*time.Minute) })
	}
	a.logger.Info("background workers started", "turn_workers", a.cfg.WorkerCount)
}

func (a *App) goBackground(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) sweepOffers(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.Engine.ExpireOffers(ctx)
			if err != nil {
				a.logger.Error("offer sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				a.logger.Info("expired move offers", "count", len(expired))
			}
		}
	}
}

// Shutdown stops background work, waits for in-flight turns and
// announcements, then releases connections. ctx bounds the wait.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		if a.worker != nil {
			a.worker.Wait()
		}
		a.wg.Wait()
		if a.announcer != nil {
			a.announcer.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("bootstrap: shutdown: %w", ctx.Err())
	}
	a.close()
	return err
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.auditDB != nil {
		_ = a.auditDB.Close()
		a.auditDB = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
