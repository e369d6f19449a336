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

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	stdb "github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/grpcapi"
)

func serveCommand() *cli.Command {
	flags := append(engineFlags(),
		&cli.StringFlag{Name: "grpc-addr", Value: ":50051", Usage: "gRPC listen address", EnvVars: []string{"STDB_GRPC_ADDR"}},
		&cli.StringFlag{Name: "http-addr", Value: ":8080", Usage: "health endpoint listen address", EnvVars: []string{"STDB_HTTP_ADDR"}},
		&cli.StringFlag{Name: "oracle-secret", Usage: "HS256 secret for remote RevealCallback tokens (disabled if empty)", EnvVars: []string{"STDB_ORACLE_SECRET"}},
		&cli.StringFlag{Name: "tls-cert", Usage: "TLS certificate file", EnvVars: []string{"STDB_TLS_CERT"}},
		&cli.StringFlag{Name: "tls-key", Usage: "TLS key file", EnvVars: []string{"STDB_TLS_KEY"}},
		&cli.DurationFlag{Name: "pending-warn", Value: 5 * time.Minute, Usage: "report reveal requests pending longer than this", EnvVars: []string{"STDB_PENDING_WARN"}},
		&cli.BoolFlag{Name: "dev", Usage: "enable server reflection", EnvVars: []string{"STDB_DEV"}},
	)
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the gRPC server with an in-process oracle",
		Flags:  flags,
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromFlags(c, logger)
	if err != nil {
		return err
	}
	db, err := stdb.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	opts := grpcapi.ServerOptions(logger.Named("grpc"), []byte(c.String("oracle-secret")))
	if cert, key := c.String("tls-cert"), c.String("tls-key"); cert != "" && key != "" {
		creds, err := grpcapi.LoadTLSCredentials(cert, key)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("TLS enabled")
	}
	gs := grpc.NewServer(opts...)
	grpcapi.Register(gs, grpcapi.NewServer(db))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if c.Bool("dev") {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", c.String("grpc-addr"))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.String("grpc-addr"), err)
	}

	httpServer := &http.Server{
		Addr:              c.String("http-addr"),
		Handler:           healthMux(db, c.Duration("pending-warn")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		if err := db.Oracle().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("oracle gateway: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}
	logger.Info("shutting down")

	hs.Shutdown()
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		gs.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

func healthMux(db *stdb.DB, pendingWarn time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st, err := db.Stats(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %v\n", err)
			return
		}
		stale, err := db.ListPending(r.Context(), time.Now().Add(-pendingWarn))
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %v\n", err)
			return
		}
		gw := db.Oracle().Stats()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK\n")
		fmt.Fprintf(w, "Points: %d\n", st.Points)
		fmt.Fprintf(w, "Cells: %d\n", st.Cells)
		fmt.Fprintf(w, "Pending: %d (stale: %d)\n", st.Pending, len(stale))
		fmt.Fprintf(w, "Oracle: queued=%d delivered=%d failed=%d\n", gw.Queued, gw.Delivered, gw.Failed)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})
	return mux
}
