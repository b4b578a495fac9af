package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mingleio/mingle/internal/abuse"
	"github.com/mingleio/mingle/internal/admin"
	"github.com/mingleio/mingle/internal/config"
	"github.com/mingleio/mingle/internal/gateway"
	"github.com/mingleio/mingle/internal/ice"
	"github.com/mingleio/mingle/internal/match"
	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/queue"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/relay"
	"github.com/mingleio/mingle/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling and matchmaking server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			globalLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	},
}

func runServe() error {
	log := globalLogger

	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Ping(ctx); err != nil {
		return err
	}

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	reg := registry.New(instanceID, st, log)
	p := pairs.NewManager(st)
	q := queue.NewManager(st, reg, log)
	met := metrics.New(func() float64 {
		n, err := q.Len(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})
	mm := match.New(q, p, reg, met, log)
	rl := relay.New(p, reg, met, log)
	ab := abuse.NewController(ctx, st, p, reg, met, log)

	hub := gateway.NewHub(reg, mm, rl, ab, p, met, log, gateway.Options{
		Origins: cfg.Origins,
	})

	iceCfg := ice.Config{
		STUNServers: cfg.STUNServers,
		TURNURL:     cfg.TURNURL,
		TURNSecret:  cfg.TURNSecret,
	}
	adm := admin.NewServer(st, q, p, reg, ab, iceCfg, met, cfg.AdminSecret, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	adm.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Cross-instance plumbing: forwarded deliveries and ban propagation.
	go func() {
		if err := reg.Run(ctx); err != nil {
			log.Error("delivery subscription failed", "error", err)
		}
	}()
	go func() {
		if err := ab.Run(ctx); err != nil {
			log.Error("ban subscription failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		hub.Close()
		if err := srv.Close(); err != nil {
			log.Error("server close", "error", err)
		}
	}()

	log.Info("mingled listening", "addr", cfg.Listen, "store", cfg.StoreURL)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
