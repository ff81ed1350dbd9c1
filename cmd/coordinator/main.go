package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"symphony/internal/config"
	"symphony/internal/coordinator"
	"symphony/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "symphony-coordinator",
	Short:        "Coordinates runs across registered runners",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./symphony.yaml or ~/.config/symphony/symphony.yaml)")
	rootCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().Duration("heartbeat-timeout", 0, "mark runners offline after this long without a heartbeat")

	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("coordinator.heartbeat_timeout", rootCmd.Flags().Lookup("heartbeat-timeout"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 1. 初始化存储
	s, err := cfg.OpenStore(logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	logger.Info("store ready", zap.String("backend", cfg.Store.Backend), zap.Strings("endpoints", cfg.Store.Etcd.Endpoints))

	opts := []coordinator.Option{coordinator.WithHeartbeatTimeout(cfg.Coordinator.HeartbeatTimeout)}
	arts, err := cfg.OpenArtifacts()
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	if arts != nil {
		opts = append(opts, coordinator.WithArtifacts(arts))
	}

	// 2. 初始化 coordinator (依赖注入)
	coord := coordinator.NewCoordinator(s, logger, opts...)

	// 3. 运行直到收到 Ctrl+C / SIGTERM (优雅退出)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	coord.Run(ctx)

	logger.Info("shutting down coordinator")
	return nil
}
