package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/igjeong/hyper-pf/config"
	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/ipc"
	"github.com/igjeong/hyper-pf/logging"
	"github.com/igjeong/hyper-pf/metrics"
	"github.com/igjeong/hyper-pf/pf"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the filter engine in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ipcAddr := ""
			if cmd.Flags().Changed("ipc") {
				ipcAddr = flags.ipcAddr
			}
			return runDaemon(ctx, flags.configPath, logFile, ipcAddr, flags.verbose)
		},
	}
	cmd.Flags().StringVar(&logFile, "logfile", "", "Path to log file (default: stdout only)")
	return cmd
}

// runDaemon serves the engine until ctx is done. An empty ipcAddr takes
// the address from the configuration.
func runDaemon(ctx context.Context, configPath, logFile, ipcAddr string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	out, closer, err := logging.Output(logFile)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := logging.New(out, verbose || cfg.Options.Debug, cfg.Options.LogFormat)
	log := logger.WithField("component", "main")
	log.WithField("version", version).Info("hyper-pf starting")

	limits, err := cfg.EngineLimits()
	if err != nil {
		return err
	}
	engine := pf.NewEngine(
		pf.WithLogger(logger),
		pf.WithHostID(cfg.Options.HostID),
		pf.WithLimits(limits),
		pf.WithReassembly(cfg.Options.Reassemble),
	)
	if err := applyConfig(engine, cfg); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"config":  configPath,
		"host_id": engine.HostID(),
		"rules":   len(engine.Rules()),
	}).Info("configuration loaded")

	watcher := config.NewWatcher(configPath, config.DefaultDebounce, logger, func(newCfg *config.Config) error {
		log.Info("configuration file changed, reloading")
		return applyConfig(engine, newCfg)
	})
	if err := watcher.Start(); err != nil {
		log.WithFields(errors.Fields(err)).Warn("hot reload disabled")
	}
	defer watcher.Stop()

	if ipcAddr == "" {
		ipcAddr = cfg.Control.IPC
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pf.NewPurger(engine, logger).Run(gctx)
	})
	g.Go(func() error {
		return ipc.NewServer(ipcAddr, engine, ipc.WithLogger(logger)).Run(gctx)
	})
	if cfg.Control.Metrics != config.MetricsOff {
		srv := newMetricsServer(cfg.Control.Metrics, engine, logger)
		g.Go(func() error {
			log.WithField("addr", srv.Addr).Info("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "metrics endpoint failed"), "addr", srv.Addr)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	st := engine.Status()
	log.WithFields(logrus.Fields{
		"states":    st.States,
		"src_nodes": st.SrcNodes,
		"passed":    st.Verdicts[pf.VerdictPass.String()],
		"dropped":   st.Verdicts[pf.VerdictDrop.String()],
		"uptime":    formatDuration(time.Duration(st.Uptime) * time.Second),
	}).Info("hyper-pf stopped")
	return err
}

// applyConfig installs cfg on a running engine. State creation is
// suspended while the tables, limits and ruleset change.
func applyConfig(engine *pf.Engine, cfg *config.Config) error {
	engine.SetStateLock(true)
	defer engine.SetStateLock(false)

	limits, err := cfg.EngineLimits()
	if err != nil {
		return err
	}
	for l, n := range limits {
		if err := engine.SetLimit(pf.Limit(l), n); err != nil {
			return err
		}
	}

	rs, err := cfg.Compile(engine.Tables(), engine.Interfaces())
	if err != nil {
		return err
	}
	return engine.LoadRuleset(rs)
}

func newMetricsServer(addr string, engine *pf.Engine, logger logrus.FieldLogger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(engine, metrics.WithLogger(logger)),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
