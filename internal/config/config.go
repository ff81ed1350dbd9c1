// Package config 配置定义、默认值和加载 (viper: 默认值 < 配置文件 < SYMPHONY_* 环境变量 < 命令行)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Log         LogConfig         `mapstructure:"log"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Artifact    ArtifactConfig    `mapstructure:"artifact"`
}

type StoreConfig struct {
	Backend string     `mapstructure:"backend"` // "etcd" 或 "memory"
	Prefix  string     `mapstructure:"prefix"`
	Etcd    EtcdConfig `mapstructure:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RunnerConfig struct {
	ID                int64         `mapstructure:"id"` // 0 表示首次注册时由 coordinator 分配
	Label             string        `mapstructure:"label"`
	NamespaceID       int64         `mapstructure:"namespace_id"`
	ResourceGroupID   int64         `mapstructure:"resource_group_id"`
	Tags              []string      `mapstructure:"tags"`
	PluginTags        []string      `mapstructure:"plugin_tags"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Image             string        `mapstructure:"image"`
	Command           []string      `mapstructure:"command"`
	OutputDir         string        `mapstructure:"output_dir"` // 容器内的产物目录，为空不收集
}

type CoordinatorConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type ArtifactConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend: "etcd",
			Prefix:  "/symphony",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
		Log: LogConfig{Level: "info"},
		Runner: RunnerConfig{
			HeartbeatInterval: 3 * time.Second,
			Image:             "alpine:latest",
			Command:           []string{"sh", "-c", "echo fragment $SYMPHONY_FRAGMENT_ID of run $SYMPHONY_RUN_ID"},
			OutputDir:         "/symphony/output",
		},
		Coordinator: CoordinatorConfig{HeartbeatTimeout: 15 * time.Second},
		Artifact: ArtifactConfig{
			Endpoint: "localhost:9000",
			Bucket:   "symphony-artifacts",
		},
	}
}

// SetDefaults 把 Defaults() 写进 viper，环境变量才能覆盖嵌套的 key
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.prefix", d.Store.Prefix)
	v.SetDefault("store.etcd.endpoints", d.Store.Etcd.Endpoints)
	v.SetDefault("store.etcd.dial_timeout", d.Store.Etcd.DialTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("runner.id", d.Runner.ID)
	v.SetDefault("runner.label", d.Runner.Label)
	v.SetDefault("runner.namespace_id", d.Runner.NamespaceID)
	v.SetDefault("runner.resource_group_id", d.Runner.ResourceGroupID)
	v.SetDefault("runner.tags", d.Runner.Tags)
	v.SetDefault("runner.plugin_tags", d.Runner.PluginTags)
	v.SetDefault("runner.heartbeat_interval", d.Runner.HeartbeatInterval)
	v.SetDefault("runner.image", d.Runner.Image)
	v.SetDefault("runner.command", d.Runner.Command)
	v.SetDefault("runner.output_dir", d.Runner.OutputDir)
	v.SetDefault("coordinator.heartbeat_timeout", d.Coordinator.HeartbeatTimeout)
	v.SetDefault("artifact.enabled", d.Artifact.Enabled)
	v.SetDefault("artifact.endpoint", d.Artifact.Endpoint)
	v.SetDefault("artifact.access_key", d.Artifact.AccessKey)
	v.SetDefault("artifact.secret_key", d.Artifact.SecretKey)
	v.SetDefault("artifact.bucket", d.Artifact.Bucket)
	v.SetDefault("artifact.use_ssl", d.Artifact.UseSSL)
}

// Load 读取配置。cfgFile 为空时依次查找 ./symphony.yaml 和 ~/.config/symphony/config.yaml，
// 都不存在就只用默认值和环境变量
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("SYMPHONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("symphony")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "symphony"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case "etcd":
		if len(c.Store.Etcd.Endpoints) == 0 {
			return errors.New("store.etcd.endpoints is required for the etcd backend")
		}
		if c.Store.Etcd.DialTimeout <= 0 {
			return errors.New("store.etcd.dial_timeout must be positive")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend: unknown backend %q (want etcd or memory)", c.Store.Backend)
	}
	if c.Runner.HeartbeatInterval <= 0 {
		return errors.New("runner.heartbeat_interval must be positive")
	}
	if len(c.Runner.Command) == 0 {
		return errors.New("runner.command must not be empty")
	}
	if c.Coordinator.HeartbeatTimeout <= c.Runner.HeartbeatInterval {
		return fmt.Errorf("coordinator.heartbeat_timeout (%s) must exceed runner.heartbeat_interval (%s)",
			c.Coordinator.HeartbeatTimeout, c.Runner.HeartbeatInterval)
	}
	if c.Artifact.Enabled && strings.TrimSpace(c.Artifact.Bucket) == "" {
		return errors.New("artifact.bucket is required when artifacts are enabled")
	}
	return nil
}
