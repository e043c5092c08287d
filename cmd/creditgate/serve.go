package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/internal/httpapi"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/policy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and the settlement sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gw, reg, err := newGateway(a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           httpapi.New(gw, httpapi.WithLogger(a.logger), httpapi.WithGatherer(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := gw.NewSweeper()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Dispatch.RequestTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newGateway builds the gateway with Prometheus and log meters on a fresh registry.
func newGateway(a *app) (*creditgate.Gateway, *prometheus.Registry, error) {
	ads, err := adapters(a.cfg)
	if err != nil {
		return nil, nil, err
	}

	pol, err := policy.New(a.cfg.Routing.Policy, a.cfg.Routing.Weights)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := creditgate.NewGateway(a.cfg, a.ledger, ads,
		creditgate.WithRecordStore(a.records),
		creditgate.WithPolicy(pol),
		creditgate.WithMeter(meter.Multi{meter.NewPromMeter(reg), meter.NewLogMeter(a.logger)}),
		creditgate.WithLogger(a.logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return gw, reg, nil
}
