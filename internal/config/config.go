package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
)

// 环境变量覆盖项统一使用该前缀。
const EnvPrefix = "MESH_"

// Config 描述 meshd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Logging  logger.Config         `yaml:"logging"`
	Storage  StorageConfig         `yaml:"storage"`
	Cache    CacheConfig           `yaml:"cache"`
	Events   EventsConfig          `yaml:"events"`
	Mesh     MeshConfig            `yaml:"mesh"`
	Alerting AlertingConfig        `yaml:"alerting"`
	Plugins  PluginsConfig         `yaml:"plugins"`
	Loader   plugin.ResourceLimits `yaml:"loader"`
}

// ServerConfig 控制 API 服务的监听地址与鉴权。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	APITokens       []string      `yaml:"apiTokens"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig 选择元数据存储后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

// CacheConfig 描述读穿透缓存。
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig 是缓存与事件共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EventsConfig 选择生命周期事件的发布方式。
type EventsConfig struct {
	Driver     string         `yaml:"driver"`
	BufferSize int            `yaml:"bufferSize"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
	Redis      RedisConfig    `yaml:"redis"`
}

// RabbitMQConfig 描述 RabbitMQ 发布端。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// MeshConfig 控制服务调用、健康检查与熔断参数。
type MeshConfig struct {
	DefaultTimeout   time.Duration `yaml:"defaultTimeout"`
	LogCapacity      int           `yaml:"logCapacity"`
	RateWindow       time.Duration `yaml:"rateWindow"`
	DefaultRateLimit int           `yaml:"defaultRateLimit"`
	HealthPath       string        `yaml:"healthPath"`
	HealthTimeout    time.Duration `yaml:"healthTimeout"`
	HealthInterval   time.Duration `yaml:"healthInterval"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
	MaxBodyBytes     int64         `yaml:"maxBodyBytes"`
}

// AlertingConfig 配置熔断告警的附加通道。日志通道始终启用。
type AlertingConfig struct {
	WebhookURL     string            `yaml:"webhookURL"`
	WebhookHeaders map[string]string `yaml:"webhookHeaders"`
}

// PluginsConfig 指定启动时加载的插件清单，可以内联也可以引用独立文件。
type PluginsConfig struct {
	ManifestPath    string `yaml:"manifest"`
	plugin.Manifest `yaml:",inline"`
}

// LoadEnvFiles 依次加载存在的 .env 文件，已存在的环境变量不会被覆盖。
func LoadEnvFiles(paths ...string) error {
	var errs error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		errs = multierr.Append(errs, godotenv.Load(p))
	}
	return errs
}

// Load 解析 YAML 配置文件。文件内容中的 ${VAR} 会按环境变量展开，随后应用
// MESH_* 覆盖项与默认值。path 为空时只使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	if cfg.Plugins.ManifestPath != "" {
		manifest, err := plugin.LoadManifest(cfg.Plugins.ManifestPath)
		if err != nil {
			return nil, err
		}
		cfg.Plugins.Manifest = mergeManifest(cfg.Plugins.Manifest, manifest)
	}
	return &cfg, nil
}

// applyEnv 用 MESH_* 环境变量覆盖配置文件中的值。
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs error
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s 不是整数: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	str("METRICS_ADDRESS", &c.Server.MetricsAddress)
	if v, ok := os.LookupEnv(EnvPrefix + "API_TOKENS"); ok {
		c.Server.APITokens = splitList(v)
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("CACHE_DRIVER", &c.Cache.Driver)
	str("REDIS_ADDRESS", &c.Cache.Redis.Address)
	str("REDIS_PASSWORD", &c.Cache.Redis.Password)
	integer("REDIS_DB", &c.Cache.Redis.DB)
	str("EVENTS_DRIVER", &c.Events.Driver)
	str("RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	str("EVENTS_REDIS_ADDRESS", &c.Events.Redis.Address)
	str("ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	integer("DEFAULT_RATE_LIMIT", &c.Mesh.DefaultRateLimit)
	integer("BREAKER_THRESHOLD", &c.Mesh.BreakerThreshold)
	str("PLUGIN_MANIFEST", &c.Plugins.ManifestPath)
	return errs
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite3" && c.Storage.DSN != "" && c.Storage.DSN != ":memory:" &&
		!strings.HasPrefix(c.Storage.DSN, "file:") && !filepath.IsAbs(c.Storage.DSN) {
		c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "openmcp:mesh:cache:"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "openmcp.mesh.events"
	}
	if c.Events.Redis.Address == "" {
		c.Events.Redis = c.Cache.Redis
		c.Events.Redis.Prefix = ""
	}

	if c.Mesh.DefaultTimeout <= 0 {
		c.Mesh.DefaultTimeout = 30 * time.Second
	}
	if c.Mesh.LogCapacity <= 0 {
		c.Mesh.LogCapacity = 1000
	}
	if c.Mesh.RateWindow <= 0 {
		c.Mesh.RateWindow = time.Minute
	}
	if c.Mesh.DefaultRateLimit <= 0 {
		c.Mesh.DefaultRateLimit = 100
	}
	if c.Mesh.HealthPath == "" {
		c.Mesh.HealthPath = "/health"
	}
	if c.Mesh.HealthTimeout <= 0 {
		c.Mesh.HealthTimeout = 5 * time.Second
	}
	if c.Mesh.BreakerThreshold <= 0 {
		c.Mesh.BreakerThreshold = 5
	}
	if c.Mesh.BreakerCooldown <= 0 {
		c.Mesh.BreakerCooldown = 30 * time.Second
	}

	if c.Plugins.Directory != "" && !filepath.IsAbs(c.Plugins.Directory) {
		c.Plugins.Directory = filepath.Join(baseDir, c.Plugins.Directory)
	}
	if c.Plugins.ManifestPath != "" && !filepath.IsAbs(c.Plugins.ManifestPath) {
		c.Plugins.ManifestPath = filepath.Join(baseDir, c.Plugins.ManifestPath)
	}
	if c.Loader == (plugin.ResourceLimits{}) {
		c.Loader = plugin.DefaultResourceLimits()
	}
}

// Validate 检查配置的一致性，一次返回全部问题。
func (c *Config) Validate() error {
	var errs error
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite3":
		if c.Storage.DSN == "" {
			errs = multierr.Append(errs, fmt.Errorf("storage.dsn 不能为空 (driver=%s)", c.Storage.Driver))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("不支持的 storage.driver: %s", c.Storage.Driver))
	}

	switch c.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = multierr.Append(errs, errors.New("cache.redis.address 不能为空"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("不支持的 cache.driver: %s", c.Cache.Driver))
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = multierr.Append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = multierr.Append(errs, errors.New("events.redis.address 不能为空"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("不支持的 events.driver: %s", c.Events.Driver))
	}

	if c.Mesh.LogCapacity <= 0 {
		errs = multierr.Append(errs, errors.New("mesh.logCapacity 必须大于 0"))
	}
	if c.Mesh.HealthPath != "" && !strings.HasPrefix(c.Mesh.HealthPath, "/") {
		errs = multierr.Append(errs, fmt.Errorf("mesh.healthPath 必须以 / 开头: %s", c.Mesh.HealthPath))
	}
	for _, token := range c.Server.APITokens {
		if strings.TrimSpace(token) == "" {
			errs = multierr.Append(errs, errors.New("server.apiTokens 不能包含空值"))
			break
		}
	}
	errs = multierr.Append(errs, c.Plugins.Validate())
	return errs
}

func mergeManifest(inline, file plugin.Manifest) plugin.Manifest {
	out := file
	if out.Directory == "" {
		out.Directory = inline.Directory
	}
	if out.Limits == (plugin.ResourceLimits{}) {
		out.Limits = inline.Limits
	}
	out.Policy = inline.Policy.Merge(file.Policy)
	out.Entries = append(append([]plugin.Entry(nil), inline.Entries...), file.Entries...)
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
