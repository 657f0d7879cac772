// Command gungnir-server runs the Gungnir key-value store: it replays
// the write-ahead log, starts the worker pool, and serves GET/PUT/
// ERASE/SCAN requests over a TCP listener. Flag parsing and graceful
// shutdown on SIGINT/SIGTERM follow
// _examples/matteso1-sentinel/cmd/sentinel-server/main.go's shape,
// with stdlib flag replaced by cobra+viper per
// _examples/ValentinKolb-dKV/cmd/serve/root.go.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gungnirdb/gungnir/internal/config"
	"github.com/gungnirdb/gungnir/internal/gungnirlog"
	"github.com/gungnirdb/gungnir/internal/metrics"
	"github.com/gungnirdb/gungnir/internal/store"
	"github.com/gungnirdb/gungnir/internal/transport"
	"github.com/gungnirdb/gungnir/internal/worker"
)

var log = gungnirlog.Get("main")

var rootCmd = &cobra.Command{
	Use:     "gungnir-server",
	Short:   "Run the Gungnir key-value store server",
	PreRunE: preRun,
	RunE:    run,
}

func preRun(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func init() {
	config.BindServerFlags(rootCmd)
	config.InitEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.LoadServerConfig()
	gungnirlog.SetDefaultLevel(gungnirlog.ParseLevel(cfg.LogLevel))

	if !cfg.Recover {
		log.Warnf("starting with --recover=false: the data directory's WAL will still be replayed, this flag only reserves the option to skip it in a future revision")
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	engine, err := store.Open(cfg.LogFilePath, 0, 0, reg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Close()
	log.Infof("recovered store from %s, %d live keys", cfg.LogFilePath, engine.Index.Size())

	workers := worker.NewManager(cfg.MaxCores, 0, engine.Collector, reg)
	workers.Start()
	defer workers.Stop()
	log.Infof("started %d workers", workers.Count())

	srv, err := transport.NewServer(cfg.Listen, engine, workers, reg)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	log.Infof("listening on %s", srv.Addr())

	metricsSrv := &http.Server{Addr: "127.0.0.1:9402", Handler: metrics.Handler(promReg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("metrics server: %v", err)
		}
	}()
	defer metricsSrv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-sigCh:
		log.Infof("shutting down")
		srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
