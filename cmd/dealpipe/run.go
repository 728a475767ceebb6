package main

import (
	"context"
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/metrics"
	"github.com/filecoin-project/dealpipe/node"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the storefront, aggregator, dealer and deal tracker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "serve prometheus metrics on /debug/metrics at this address",
			Value: "127.0.0.1:9464",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}
		ctx, cancel := context.WithCancel(cctx.Context)
		defer cancel()
		metrics.RecordInfo(ctx)

		n, err := node.New(cfg)
		if err != nil {
			return xerrors.Errorf("creating node: %w", err)
		}

		handlers := []node.ShutdownHandler{}
		if addr := cctx.String("metrics-listen"); addr != "" {
			exporter, err := prometheus.NewExporter(prometheus.Options{
				Registry:  promclient.NewRegistry(),
				Namespace: "dealpipe",
			})
			if err != nil {
				return xerrors.Errorf("creating metrics exporter: %w", err)
			}
			mux := http.NewServeMux()
			mux.Handle("/debug/metrics", exporter)
			srv := &http.Server{Addr: addr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server: %s", err)
				}
			}()
			log.Infow("serving metrics", "addr", addr)
			handlers = append(handlers, node.ShutdownHandler{Component: "metrics server", StopFunc: srv.Shutdown})
		}

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			n.Run(ctx)
		}()

		handlers = append(handlers,
			node.ShutdownHandler{Component: "pipeline", StopFunc: func(context.Context) error {
				cancel()
				<-stopped
				return nil
			}},
			node.ShutdownHandler{Component: "repo", StopFunc: func(context.Context) error {
				return n.Close()
			}},
		)
		<-node.MonitorShutdown(make(chan struct{}), handlers...)

		if dead := n.DeadLetters(); len(dead) > 0 {
			log.Warnw("undelivered messages at shutdown", "queues", dead)
		}
		return nil
	},
}
