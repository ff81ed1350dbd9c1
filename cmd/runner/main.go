package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"symphony/internal/config"
	"symphony/internal/logging"
	"symphony/internal/runner"
	"symphony/internal/runner/executor"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "symphony-runner",
	Short:        "Executes run fragments assigned by the coordinator",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./symphony.yaml or ~/.config/symphony/symphony.yaml)")
	flags := rootCmd.Flags()
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Int64("id", 0, "reuse an existing runner id instead of registering a new one")
	flags.String("label", "", "runner label (default: runner-<random>)")
	flags.Int64("resource-group", 0, "resource group this runner draws capacity from")
	flags.Int64("namespace", 0, "namespace the runner belongs to")
	flags.StringSlice("tags", nil, "runner tags matched against fragment runner_tags")
	flags.StringSlice("plugin-tags", nil, "executor plugins this runner supports")
	flags.String("image", "", "container image fragments run in")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("runner.id", flags.Lookup("id"))
	_ = viper.BindPFlag("runner.label", flags.Lookup("label"))
	_ = viper.BindPFlag("runner.resource_group_id", flags.Lookup("resource-group"))
	_ = viper.BindPFlag("runner.namespace_id", flags.Lookup("namespace"))
	_ = viper.BindPFlag("runner.tags", flags.Lookup("tags"))
	_ = viper.BindPFlag("runner.plugin_tags", flags.Lookup("plugin-tags"))
	_ = viper.BindPFlag("runner.image", flags.Lookup("image"))
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

	// 1. 连接存储
	s, err := cfg.OpenStore(logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	// 2. 初始化 Docker 执行器
	exec, err := executor.NewDockerExecutor(logger)
	if err != nil {
		return fmt.Errorf("init docker executor: %w", err)
	}
	defer exec.Close()

	var opts []runner.Option
	arts, err := cfg.OpenArtifacts()
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	if arts != nil {
		opts = append(opts, runner.WithArtifacts(arts))
	}

	// 3. 启动 Agent，收到信号后等待正在执行的 fragment 上报完再退出
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	agent := runner.NewAgent(s, exec, cfg.Runner, logger, opts...)
	if err := agent.Run(ctx); err != nil {
		return err
	}

	logger.Info("shutting down runner")
	return nil
}
