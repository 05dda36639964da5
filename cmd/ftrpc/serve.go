package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ftrpc/arith"
	"ftrpc/failover"
	"ftrpc/heartbeat"
	"ftrpc/rpc"
	"ftrpc/server"
	"ftrpc/session"
)

var serveArgs struct {
	listen      string
	metricsAddr string
}

func serveFlags(f *pflag.FlagSet) {
	f.StringVar(&serveArgs.listen, "listen", "", "listen address, overrides server.listen")
	f.StringVar(&serveArgs.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the arith service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	serveFlags(cmd.Flags())
	return cmd
}

func metricsRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rpc.RegisterMetrics(r)
	heartbeat.RegisterMetrics(r)
	session.RegisterMetrics(r)
	failover.RegisterMetrics(r)
	return r
}

func runServe(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if serveArgs.listen != "" {
		cfg.Server.Listen = serveArgs.listen
	}

	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))
	reg, err := openEtcd(cfg.Server.Etcd, logger)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg))
	}

	srv, err := server.New(cfg.Server, opts...)
	if err != nil {
		return err
	}
	if err := srv.Register(arith.Service{}); err != nil {
		return err
	}
	if _, err := srv.Listen(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if serveArgs.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry(), promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: serveArgs.metricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", serveArgs.metricsAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
