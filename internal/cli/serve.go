package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/logging"
	"github.com/mesh-intelligence/rowcache/internal/repository"
)

// defaultListen is used when neither --listen nor cluster.listen is set.
const defaultListen = "127.0.0.1:7070"

// shutdownTimeout bounds the graceful shutdown of serve.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cluster invalidations and metrics over HTTP",
		Long: `Serve keeps the repository open and listens for invalidations posted by
peer nodes (POST /v1/invalidations). It also answers GET /v1/health and
exposes Prometheus metrics at /metrics. It stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: cluster.listen or "+defaultListen+")")
	return cmd
}

func runServe(cmd *cobra.Command, listen string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Cluster.NodeID == "" {
		host, _ := os.Hostname()
		cfg.Cluster.NodeID = host
	}
	if listen == "" {
		listen = cfg.Cluster.Listen
	}
	if listen == "" {
		listen = defaultListen
	}
	cfg.Cluster.Listen = listen

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	log := logging.Component(logger, "serve")

	repo, err := repository.Open(cmd.Context(), cfg, repository.Options{Logger: log, Registerer: reg})
	if err != nil {
		return systemErr(fmt.Errorf("open repository: %w", err))
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return systemErr(fmt.Errorf("listen: %w", err))
	}
	checkPeers(ctx, repo, log)
	return serve(ctx, ln, newServeHandler(repo, reg), log)
}

// newServeHandler mounts /metrics next to the cluster routes.
func newServeHandler(repo *repository.Repository, reg *prometheus.Registry) http.Handler {
	h := repo.ClusterHandler()
	h.Router().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods("GET").Name("GetMetrics")
	return h
}

func checkPeers(ctx context.Context, repo *repository.Repository, log *logrus.Entry) {
	b := repo.Broadcaster()
	if b == nil {
		return
	}
	for peer, err := range b.CheckPeers(ctx) {
		log.WithError(err).WithField("peer", peer).Warn("peer not reachable")
	}
}

// serve runs srv on ln until ctx is done, then shuts it down.
func serve(ctx context.Context, ln net.Listener, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", ln.Addr().String()).Info("serving")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return systemErr(err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return systemErr(fmt.Errorf("shutdown: %w", err))
	}
	return nil
}
