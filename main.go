package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"streakstr/handlers"
	"streakstr/internal/config"
	"streakstr/internal/metrics"
	"streakstr/internal/store"
	"streakstr/middleware"
	"streakstr/services"
)

func main() {
	cfg := config.Load()
	cfg.ConfigureLogging()

	rootCmd := &cobra.Command{
		Use:           "streakstr",
		Short:         "Nostr streak tracking engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run catch-up, live subscriptions, workers and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			pool, err := store.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.NewPostgres(pool).Migrate(ctx); err != nil {
				return err
			}
			log.Println("Schema applied")
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "catchup",
		Short: "Replay stored follows, commands and interactions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			defer a.dispatcher.Stop()
			return a.catchUp(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "enforce",
		Short: "Run one deadline-enforcement pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.scheduler.RunEnforcementPass(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("broken: %d, notified: %d\n", res.Broken, res.Notified)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "remind",
		Short: "Run one reminder pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.scheduler.RunReminderPass(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reminders sent: %d\n", n)
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	// subscriptions outlive the signal context and are closed explicitly below
	a, err := newApp(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	metrics.Register(prometheus.DefaultRegisterer)
	middleware.InitPrometheus(prometheus.DefaultRegisterer)

	startedAt := time.Now()
	a.processor.Start()
	a.startTracking(startedAt)

	if err := a.catchUp(ctx); err != nil {
		log.WithError(err).Warn("catch-up incomplete")
	}

	if err := a.manager.Subscribe(services.SubFollows, services.FollowFilter(a.botPK, startedAt, 0), a.processor.Dispatch); err != nil {
		log.WithError(err).Warn("follow subscription not open yet, retrying")
	}
	if err := a.manager.Subscribe(services.SubDMs, services.DMFilter(a.botPK, startedAt, 0), a.processor.Dispatch); err != nil {
		log.WithError(err).Warn("dm subscription not open yet, retrying")
	}
	if _, err := a.tracking.RunRefreshPass(ctx); err != nil {
		log.WithError(err).Warn("interaction subscription not open yet, retrying")
	}
	a.scheduler.Start()

	server := newOpsServer(a)
	go func() {
		log.Printf("Starting ops server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error starting server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	a.manager.CloseAll()
	a.scheduler.Stop()
	a.processor.Stop()
	a.dispatcher.Stop()
	log.Println("Shutdown complete")
	return nil
}

func newOpsServer(a *app) *http.Server {
	ops := handlers.NewOpsHandler(a.store, a.cache, a.scheduler, a.manager)
	auth := middleware.BasicAuth(a.cfg.MetricsUser, a.cfg.MetricsPass)
	ipLimiter := middleware.NewKeyedLimiter(rate.Limit(5), 30, nil)
	go ipLimiter.Run(a.stop)

	r := mux.NewRouter()
	r.Use(ipLimiter.Middleware)
	r.Use(middleware.MonitorMiddleware)

	r.HandleFunc("/health", ops.Health).Methods("GET")
	r.Handle("/metrics", auth(promhttp.Handler())).Methods("GET")

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(auth)
	internal.HandleFunc("/tracking/refresh", ops.RefreshTracking).Methods("POST")

	return &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      gorillaHandlers.RecoveryHandler()(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
