package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"bandburg/internal/auth"
	"bandburg/internal/catalog"
	"bandburg/internal/observability/alerting"
	"bandburg/internal/relay"
	"bandburg/internal/storage"
	"bandburg/pkg/logger"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "BANDBURG_"

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "BANDBURG_CONFIG"

// DriverMemory 表示使用内存存储。
const DriverMemory = "memory"

// Config 描述了 bandburg 在启动阶段需要加载的核心配置。
type Config struct {
	Module   ModuleConfig    `yaml:"module" envPrefix:"MODULE_"`
	Log      logger.Config   `yaml:"log" envPrefix:"LOG_"`
	Server   ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Storage  storage.Config  `yaml:"storage" envPrefix:"STORAGE_"`
	Catalog  CatalogConfig   `yaml:"catalog" envPrefix:"CATALOG_"`
	Relay    RelayConfig     `yaml:"relay" envPrefix:"RELAY_"`
	Alerting alerting.Config `yaml:"alerting" envPrefix:"ALERTING_"`
}

// ModuleConfig 描述计算模块子进程。
type ModuleConfig struct {
	Command      string        `yaml:"command" env:"COMMAND"`
	Args         []string      `yaml:"args" env:"ARGS" envSeparator:","`
	Dir          string        `yaml:"dir" env:"DIR"`
	AssetDir     string        `yaml:"asset_dir" env:"ASSET_DIR"`
	InitTimeout  time.Duration `yaml:"init_timeout" env:"INIT_TIMEOUT"`
	CloseTimeout time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
	// Preload 为 true 时在启动阶段完成初始化，而不是等到首次调用。
	Preload bool `yaml:"preload" env:"PRELOAD"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string      `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	Auth           auth.Config `yaml:"auth" envPrefix:"AUTH_"`
}

// CatalogConfig 描述脚本市场。
type CatalogConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RelayConfig 描述事件转发。各发布器在地址非空时启用。
type RelayConfig struct {
	BufferSize int                  `yaml:"buffer_size" env:"BUFFER_SIZE"`
	Redis      relay.RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ   relay.RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	MQTT       relay.MQTTConfig     `yaml:"mqtt" envPrefix:"MQTT_"`
}

// Enabled 报告是否配置了任何发布器。
func (r RelayConfig) Enabled() bool {
	return r.Redis.Address != "" || r.RabbitMQ.URL != "" || r.MQTT.Broker != ""
}

// Load 依次应用 YAML 文件、BANDBURG_ 前缀的环境变量和默认值。
// path 为空时只读取环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir, err := os.Getwd()
	if err != nil {
		baseDir = "."
	}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path 返回 BANDBURG_CONFIG 指定的路径；未设置时若 fallback 存在则使用它。
func Path(fallback string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if fallback == "" {
		return ""
	}
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Module.InitTimeout <= 0 {
		c.Module.InitTimeout = 30 * time.Second
	}
	if c.Module.CloseTimeout <= 0 {
		c.Module.CloseTimeout = 5 * time.Second
	}
	c.Module.Dir = resolve(baseDir, c.Module.Dir, ".")
	c.Module.AssetDir = resolve(baseDir, c.Module.AssetDir, "assets")

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == storage.DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(baseDir, "data", "bandburg.db")
	}

	if c.Catalog.URL == "" {
		c.Catalog.URL = catalog.DefaultURL
	}
	if c.Catalog.Timeout <= 0 {
		c.Catalog.Timeout = catalog.DefaultHTTPTimeout
	}

	if c.Relay.BufferSize <= 0 {
		c.Relay.BufferSize = 256
	}

	if c.Alerting.Cooldown <= 0 {
		c.Alerting.Cooldown = 5 * time.Minute
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, storage.DriverSQLite:
	case storage.DriverMySQL:
		if c.Storage.DSN == "" {
			return errors.New("mysql 存储需要配置 storage.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Relay.MQTT.QoS > 2 {
		return fmt.Errorf("无效的 MQTT QoS: %d", c.Relay.MQTT.QoS)
	}
	return nil
}
