package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoicekits/billing"
	"invoicekits/config"
	"invoicekits/database"
	"invoicekits/documents"
	"invoicekits/handlers"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/notify"
	"invoicekits/scheduler"

	tracer "github.com/dhawal-pandya/aeonis/packages/tracer-sdk/go"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logger.L.Fatalw("failed to load config", "error", err)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		logger.L.Fatalw("failed to build logger", "error", err)
	}
	logger.L = log
	defer log.Sync()

	aeonisTracer := newTracer(cfg.Tracing, log)
	defer aeonisTracer.Shutdown()
	handlers.SetTracer(aeonisTracer)

	if err := database.ConnectDatabase(cfg.Database); err != nil {
		log.Fatalw("failed to connect database", "error", err)
	}
	db := database.DB

	l := ledger.New(db, log.With("component", "ledger"))
	invoices := invoicing.NewService(db, l, log.With("component", "invoicing"))
	sched := scheduler.New(db, l, newNotifier(cfg, log), log.With("component", "scheduler"),
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithReminderOffsets(cfg.Scheduler.ReminderOffsets))

	renderer, err := documents.NewRenderer()
	if err != nil {
		log.Fatalw("failed to load invoice template", "error", err)
	}

	services := handlers.Services{
		Config:    cfg,
		Log:       log,
		Ledger:    l,
		Invoices:  invoices,
		Scheduler: sched,
		Billing:   billing.NewService(db, l, invoices, log.With("component", "billing")),
		Renderer:  renderer,
	}
	if cfg.Stripe.SecretKey != "" {
		services.Checkout = billing.NewStripeCheckout(cfg.Stripe, log.With("component", "checkout"))
	}
	if cfg.S3.Enabled {
		uploader, err := documents.NewUploader(cfg.S3)
		if err != nil {
			log.Fatalw("failed to set up document storage", "error", err)
		}
		services.Store = uploader
	}
	handlers.Setup(services)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	// Middleware to create the root span for each request.
	r.Use(func(c *gin.Context) {
		ctx, span := aeonisTracer.StartSpan(c.Request.Context(), c.Request.URL.Path)
		defer span.End()

		span.SetAttributes(map[string]interface{}{
			"http.method":     c.Request.Method,
			"http.url":        c.Request.URL.String(),
			"http.client_ip":  c.ClientIP(),
			"http.user_agent": c.Request.UserAgent(),
		})

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(map[string]interface{}{
			"http.status_code": c.Writer.Status(),
		})
	})

	handlers.RegisterRoutes(r)

	if cfg.Scheduler.Enabled {
		daily := cron.New(cron.WithLocation(time.UTC))
		_, err := daily.AddFunc(cfg.Scheduler.Cron, func() {
			report, err := sched.RunDailyJob(context.Background(), time.Now())
			if err != nil {
				log.Errorw("daily job failed", "error", err)
				return
			}
			log.Infow("daily job finished",
				"periods_rolled_over", report.PeriodsRolledOver,
				"invoices_generated", report.Tick.Processed,
				"marked_overdue", report.MarkedOverdue)
		})
		if err != nil {
			log.Fatalw("invalid scheduler cron expression", "cron", cfg.Scheduler.Cron, "error", err)
		}
		daily.Start()
		defer daily.Stop()
		log.Infow("daily job scheduled", "cron", cfg.Scheduler.Cron)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infow("server listening", "address", cfg.Server.Address, "mode", cfg.Deployment.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown failed", "error", err)
	}
}

func newTracer(cfg config.TracingConfig, log *logger.Logger) *tracer.Tracer {
	endpoint := cfg.Endpoint
	if !cfg.Enabled {
		endpoint = "http://localhost:0/v1/traces"
	}
	log.Infow("initializing tracer", "service", cfg.ServiceName, "enabled", cfg.Enabled)
	return tracer.NewTracer(cfg.ServiceName, endpoint, cfg.APIKey, tracer.NewPIISanitizer())
}

func newNotifier(cfg *config.Configuration, log *logger.Logger) scheduler.Notifier {
	if !cfg.Email.Enabled {
		return notify.NewLogNotifier(log.With("component", "notify"))
	}
	mailer := notify.NewHTTPMailer(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.RetryMax, log.With("component", "mailer"))
	return notify.NewEmailNotifier(mailer, cfg.Email.FromAddress, cfg.Email.ReplyTo, cfg.Server.PublicURL, log.With("component", "notify"))
}
