package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nyashahama/workspace-billing-backend/internal/api"
	"github.com/nyashahama/workspace-billing-backend/internal/email"
	"github.com/nyashahama/workspace-billing-backend/internal/planchange"
	"github.com/nyashahama/workspace-billing-backend/internal/telemetry"
	"github.com/nyashahama/workspace-billing-backend/internal/worker"
)

const healthCheckInterval = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the seat sync worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	// ── Root context, cancelled on SIGINT / SIGTERM ───────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Tracing ───────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.OTelService,
		ServiceVersion: Version,
		Insecure:       !cfg.IsProduction(),
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// ── Shared dependencies ───────────────────────────────────────────────────
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var sender email.Sender
	if cfg.ResendAPIKey != "" {
		sender = email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName, cfg.BaseURL)
	} else {
		logger.Warn("RESEND_API_KEY not set, plan change emails are logged only")
		sender = email.NewLogSender(logger)
	}

	// ── Seat sync worker ──────────────────────────────────────────────────────
	job := worker.NewJob(a.stripe, a.store, cfg.Prices.Seat, a.metrics, logger)
	runner := worker.NewRunner(job, a.store, worker.RunnerConfig{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		MaxRetries:   cfg.MaxRetries,
	}, a.metrics, logger)

	plans := planchange.NewService(planchange.Deps{
		Stripe:  a.stripe,
		Store:   a.store,
		Prices:  cfg.Prices,
		Seats:   runner,
		Email:   sender,
		Metrics: a.metrics,
		Logger:  logger,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(api.Deps{
		Store:    a.store,
		Webhooks: a.stripe,
		Checkout: a.checkout,
		Plans:    plans,
		Metrics:  a.metrics,
		Config: api.Config{
			Env:                 cfg.Env,
			CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
			StripeWebhookSecret: cfg.StripeWebhookSecret,
			VerifyRatePerMinute: cfg.VerifyRatePerMinute,
		},
		Logger: logger,
	})
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── gRPC health service ───────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	// ── One port, two protocols ───────────────────────────────────────────────
	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(lis)
	grpcLis := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpLis := mux.Match(cmux.Any())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		return ignoreClosed(srv.Serve(httpLis))
	})
	g.Go(func() error {
		return ignoreClosed(grpcSrv.Serve(grpcLis))
	})
	g.Go(func() error {
		return ignoreClosed(mux.Serve())
	})
	g.Go(func() error {
		runner.Start(gctx)
		return nil
	})
	g.Go(func() error {
		watchHealth(gctx, a, healthSrv)
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "reason", context.Cause(gctx))
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		grpcSrv.GracefulStop()
		// Closing the root listener stops mux.Serve.
		_ = lis.Close()
		return nil
	})

	// The worker has drained once Wait returns, so the store can be closed.
	waitErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracing(closeCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	a.Close(closeCtx)

	if waitErr != nil {
		return waitErr
	}
	logger.Info("server stopped")
	return nil
}

// watchHealth mirrors store reachability into the gRPC health status until
// ctx is done.
func watchHealth(ctx context.Context, a *app, hs *health.Server) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err := a.store.Ping(pingCtx); err != nil {
			a.logger.Warn("health: store ping failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}

	check()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func ignoreClosed(err error) error {
	switch {
	case err == nil,
		errors.Is(err, http.ErrServerClosed),
		errors.Is(err, grpc.ErrServerStopped),
		errors.Is(err, cmux.ErrListenerClosed),
		errors.Is(err, net.ErrClosed):
		return nil
	}
	return err
}
