package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/entitlements/internal/billing/stripe"
	"github.com/rcourtman/entitlements/internal/config"
	"github.com/rcourtman/entitlements/internal/metrics"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Revalidate in the background and serve the billing webhook and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.withApp(func(a *app) error {
				return runServe(ctx, a)
			})
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	m := metrics.Get()
	a.validator.Subscribe(m)

	refresher := entitlement.NewRefresher(a.validator)
	refresher.OnResult = func(res entitlement.ValidationResult) {
		m.ObserveValidation(res, time.Now())
	}

	watcher, err := config.NewWatcher(a.cfg, func(next *config.Config) {
		a.validator.SetOptions(next.EntitlementOptions())
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	initial := a.validator.Validate(ctx)
	m.ObserveValidation(initial, time.Now())
	log.Info().
		Str("mode", string(initial.Mode)).
		Bool("valid", initial.Valid).
		Msg("Initial entitlement validation complete")

	g, ctx := errgroup.WithContext(ctx)

	log.Info().
		Str("store", a.cfg.StoreBackend).
		Str("billing", a.validator.ProviderName()).
		Str("data_dir", a.cfg.DataDir).
		Msg("Starting entitlement service")

	g.Go(func() error {
		refresher.Start(ctx)
		<-ctx.Done()
		refresher.Stop()
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				log.Info().Msg("SIGHUP received; reloading configuration")
				watcher.ReloadNow()
			case <-ctx.Done():
				return nil
			}
		}
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", a.cfg.MetricsListenAddr, metricsMux)
	})

	if a.cfg.BillingBackend == config.BillingStripe && a.cfg.StripeWebhookSecret != "" {
		webhookMux := http.NewServeMux()
		webhookMux.Handle("/webhooks/stripe", stripe.NewWebhookHandler(a.cfg.StripeWebhookSecret, a.validator, a.provider, m))
		g.Go(func() error {
			return serveHTTP(ctx, "webhook", a.cfg.WebhookListenAddr, webhookMux)
		})
	} else {
		log.Info().Msg("Stripe webhook endpoint disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Entitlement service terminated with error")
		return err
	}
	log.Info().Msg("Entitlement service stopped")
	return nil
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Str("addr", addr).Msg("HTTP endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("server", name).Msg("Failed to shut down HTTP server cleanly")
		}
		return nil
	}
}
