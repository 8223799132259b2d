package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/config"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/pkg/protocol"
	"github.com/systmms/tunrot/pkg/rotation"
)

const shutdownTimeout = 10 * time.Second

// NewServerCommand creates the parent 'server' command
func NewServerCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the rotation server",
	}
	cmd.AddCommand(newServerRunCmd(cfg))
	return cmd
}

func newServerRunCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve pending rotations and finalize them on schedule",
		Long: `Run the rotation server daemon.

The daemon serves the pull endpoint clients poll, finalizes pending
rotations when their grace period ends, and picks up rotations staged or
cancelled from the command line. With server.schedule.stage_every set it
also stages a freshly generated rotation on that cadence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := loadServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, srv, nil)
		},
	}
}

// runServer runs the daemon until ctx is done. ready, when set, receives
// the bound address of the pull endpoint.
func runServer(ctx context.Context, cfg *config.Config, srv *config.ServerConfig, ready chan<- string) error {
	log := logger(cfg)
	clk := clock.RealClock{}

	if srv.Metrics.Enabled {
		metrics.InitMetrics()
	}

	sched := rotation.NewScheduler(clk)
	coord, deps, err := newCoordinator(ctx, cfg, srv, clk, sched)
	if err != nil {
		return err
	}
	defer deps.close()

	if reason, blocked := coord.Blocked(); blocked {
		log.Warn("Coordinator is blocked: %s", reason)
	}

	metricsPath := ""
	if srv.Metrics.Enabled && srv.Metrics.Listen == "" {
		metricsPath = srv.Metrics.Path
	}
	httpServer := &http.Server{
		Handler: protocol.NewHandler(protocol.HandlerOptions{
			Source:          coord,
			ExposeFinalized: srv.ExposeFinalized != nil && *srv.ExposeFinalized,
			MetricsPath:     metricsPath,
			Metrics:         metrics.NewRecorder(),
			Logger:          log.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Listen)
	if err != nil {
		return err
	}
	scheme := "http"
	if srv.TLS.Enabled() {
		scheme = "https"
	}
	log.Info("Serving pending rotations on %s://%s%s", scheme, ln.Addr(), protocol.PendingPath)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return coord.RunFinalizer(gctx, sched.C()) })
	g.Go(func() error {
		return rotation.NewReconciler(coord.Records(), sched, clk, srv.ReconcileInterval, log.Named("reconciler")).Run(gctx)
	})

	if srv.Schedule.StageEvery > 0 {
		stager := rotation.NewPeriodicStager(coord, clk, srv.Schedule.StageEvery, srv.Grace(), srv.TokenLength, log.Named("stager"))
		log.Info("Staging a new rotation every %s", srv.Schedule.StageEvery)
		g.Go(func() error { return stager.Run(gctx) })
	}

	if srv.Metrics.Enabled && srv.Metrics.Listen != "" {
		ms := metrics.NewServer(metrics.ServerConfig{
			Addr:         srv.Metrics.Listen,
			Path:         srv.Metrics.Path,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, log.Named("metrics"))
		g.Go(func() error { return ms.Run(gctx) })
	}

	g.Go(func() error {
		var err error
		if srv.TLS.Enabled() {
			err = httpServer.ServeTLS(ln, srv.TLS.CertFile, srv.TLS.KeyFile)
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Rotation server stopped")
	return err
}
