package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gstreamio/corelog/pkg/broker"
	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corelog-broker",
	Short: "corelog partitioned commit-log broker",
	Long: `corelog broker - a partitioned, replicated commit-log broker.

Each broker hosts a dynamic set of topic-partition replicas, serves
produce and fetch against the partitions it leads, replicates the ones it
follows, and takes part in the cluster coordinator election.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/broker.yaml)")
	rootCmd.PersistentFlags().Int32("broker-id", 0, "broker ID (overrides config file)")
	rootCmd.PersistentFlags().StringSlice("log-dirs", nil, "log directories (overrides config file)")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "metrics listen address")

	_ = viper.BindPFlag("broker_id", rootCmd.PersistentFlags().Lookup("broker-id"))
	_ = viper.BindPFlag("log_dirs", rootCmd.PersistentFlags().Lookup("log-dirs"))
	_ = viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/corelog")
		viper.SetConfigName("broker")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CORELOG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintf(os.Stderr, "Warning: config file not found, using defaults\n")
		} else {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if viper.IsSet("broker_id") {
		cfg.BrokerID = viper.GetInt32("broker_id")
	}
	if dirs := viper.GetStringSlice("log_dirs"); len(dirs) > 0 {
		cfg.LogDirs = dirs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	zlog := logger.Named("main")
	defer logger.Sync()

	// The durable metadata store is an external deployment concern; the
	// in-process store backs single-node operation
	store := metastore.NewMemStore()
	net := broker.NewNetwork()

	b := broker.New(cfg, store, net)
	if err := b.Start(); err != nil {
		return fmt.Errorf("broker start: %w", err)
	}

	metricsAddr := viper.GetString("metrics_addr")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: b.Metrics().Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	zlog.Info("broker running",
		zap.Int32("brokerId", int32(cfg.BrokerID)),
		zap.Strings("logDirs", cfg.LogDirs),
		zap.String("metricsAddr", metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlog.Info("shutting down", zap.String("signal", sig.String()))

	_ = metricsSrv.Close()
	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		zlog.Warn("shutdown timed out")
	}
	return nil
}
