package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"OpenMCP-Mesh/internal/api"
	"OpenMCP-Mesh/internal/breaker"
	"OpenMCP-Mesh/internal/config"
	"OpenMCP-Mesh/internal/discovery"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/events"
	"OpenMCP-Mesh/internal/mesh"
	"OpenMCP-Mesh/internal/observability/alerting"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/internal/registry"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/internal/storage/cache"
	"OpenMCP-Mesh/internal/storage/sqlstore"
	"OpenMCP-Mesh/internal/topology"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
)

// runtime 持有 serve 命令装配出的全部组件。
type runtime struct {
	cfg       *config.Config
	store     storage.Store
	publisher events.Publisher
	bus       *events.MemoryBus
	metrics   *metrics.Metrics
	plugins   *registry.Registry
	services  *discovery.Registry
	mesh      *mesh.Mesh
	topology  *topology.Engine
	opener    plugin.Opener

	closers []func() error
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("meshd")

	rt, err := build(ctx, cfg, plugin.SharedObjectOpener{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	loaded := rt.loadManifest(ctx, cfg.Plugins.Enabled())
	log.Info("插件清单加载完成", slog.Int("loaded", len(loaded)), slog.Int("declared", len(cfg.Plugins.Entries)))

	if rt.bus != nil {
		go func() {
			_ = rt.bus.Consume(ctx, 1, func(_ context.Context, e events.Event) error {
				log.Debug("生命周期事件", slog.String("type", string(e.Type)), slog.String("subject", e.Subject))
				return nil
			})
		}()
	}
	if cfg.Mesh.HealthInterval > 0 {
		go rt.healthLoop(ctx, cfg.Mesh.HealthInterval)
	}
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress, rt.metrics.Handler()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, rt.dependencies(),
		api.WithTokens(cfg.Server.APITokens...),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
	log.Info("meshd 已启动", slog.String("address", cfg.Server.Address), slog.String("storage", cfg.Storage.Driver))

	err = server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := rt.plugins.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("卸载插件失败", slog.Any("error", shutdownErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// build 按配置装配存储、事件、熔断、注册中心与调用网格。
func build(ctx context.Context, cfg *config.Config, opener plugin.Opener) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, opener: opener, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if rt.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	if rt.publisher, err = openPublisher(ctx, cfg); err != nil {
		return nil, err
	}
	if bus, ok := rt.publisher.(*events.MemoryBus); ok {
		rt.bus = bus
	}
	rt.closers = append(rt.closers, rt.publisher.Close)
	emitter := events.NewEmitter(rt.publisher)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.WebhookURL,
			Headers: cfg.Alerting.WebhookHeaders,
		})
	}

	breakers := breaker.NewTracker(
		breaker.WithThreshold(cfg.Mesh.BreakerThreshold),
		breaker.WithCooldown(cfg.Mesh.BreakerCooldown),
	)
	rt.services = discovery.NewRegistry(rt.store, breakers,
		discovery.WithProber(&discovery.HTTPProber{Path: cfg.Mesh.HealthPath, Timeout: cfg.Mesh.HealthTimeout}),
		discovery.WithEmitter(emitter),
		discovery.WithMetrics(rt.metrics),
		discovery.WithAlerts(alerting.NewFanout(notifiers...)),
		discovery.WithDefaultRateLimit(cfg.Mesh.DefaultRateLimit),
	)

	transport := mesh.NewHTTPTransport()
	if cfg.Mesh.MaxBodyBytes > 0 {
		transport.MaxBodyBytes = cfg.Mesh.MaxBodyBytes
	}
	rt.mesh = mesh.New(rt.services,
		mesh.WithTransport(transport),
		mesh.WithDefaultTimeout(cfg.Mesh.DefaultTimeout),
		mesh.WithLogCapacity(cfg.Mesh.LogCapacity),
		mesh.WithRateWindow(cfg.Mesh.RateWindow),
		mesh.WithMetrics(rt.metrics),
	)

	rt.topology = topology.NewEngine(rt.store, rt.store)
	if err = rt.metrics.Register(metrics.NewInventoryCollector(rt.inventory)); err != nil {
		return nil, fmt.Errorf("注册拓扑指标失败: %w", err)
	}

	loader := plugin.NewLoader(
		plugin.WithDefaultLimits(cfg.Loader),
		plugin.WithResource("logger", logger.Named("plugins")),
	)
	rt.plugins = registry.NewRegistry(rt.store, loader,
		registry.WithValidator(plugin.NewValidator(plugin.WithCapabilityPolicy(cfg.Plugins.Policy))),
		registry.WithEmitter(emitter),
		registry.WithMetrics(rt.metrics),
	)
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var base storage.Store
	switch cfg.Storage.Driver {
	case "memory":
		base = storage.NewMemoryStore()
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		var (
			store *sqlstore.Store
			err   error
		)
		if cfg.Storage.AutoMigrate {
			store, err = sqlstore.New(ctx, sqlConfig(cfg))
		} else {
			store, err = sqlstore.Open(ctx, sqlConfig(cfg))
		}
		if err != nil {
			return nil, err
		}
		base = store
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	var c cache.Cache
	switch cfg.Cache.Driver {
	case "none":
		return base, nil
	case "memory":
		c = cache.NewMemoryCache()
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			base.Close()
			return nil, err
		}
		c = rc
	default:
		base.Close()
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
	return storage.NewCachedStore(base, c, cfg.Cache.TTL), nil
}

func openPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "none":
		return events.Nop{}, nil
	case "memory":
		return events.NewMemoryBus(cfg.Events.BufferSize), nil
	case "rabbitmq":
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "redis":
		r := cfg.Events.Redis
		pub, err := events.DialRedisPublisher(ctx, r.Address, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func sqlConfig(cfg *config.Config) sqlstore.Config {
	return sqlstore.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	}
}

func (rt *runtime) inventory(ctx context.Context) (metrics.Inventory, error) {
	m, err := rt.topology.GetMetrics(ctx)
	if err != nil {
		return metrics.Inventory{}, err
	}
	return metrics.Inventory{
		Plugins:           m.TotalPlugins,
		Services:          m.TotalServices,
		HealthyServices:   m.HealthyServices,
		UnhealthyServices: m.UnhealthyServices,
		Edges:             m.TotalEdges,
	}, nil
}

func (rt *runtime) dependencies() api.Dependencies {
	return api.Dependencies{
		Plugins:   rt.plugins,
		Services:  rt.services,
		Mesh:      rt.mesh,
		Topology:  rt.topology,
		Metrics:   rt.metrics,
		Instances: api.InstanceProviderFunc(rt.instance),
	}
}

// instance 打开插件目录下的共享对象。source 必须位于目录之内。
func (rt *runtime) instance(_ context.Context, _ plugin.Record, source string) (plugin.Plugin, error) {
	path, err := resolvePluginPath(rt.cfg.Plugins.Directory, source)
	if err != nil {
		return nil, err
	}
	return rt.opener.Open(path)
}

func resolvePluginPath(dir, source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "插件来源不能为空")
	}
	if dir == "" {
		return filepath.Clean(source), nil
	}
	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(filepath.Clean(dir), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "插件来源 %s 不在插件目录内", source)
	}
	return path, nil
}

// loadManifest 注册清单中的插件。依赖尚未注册的条目会在后续轮次重试，
// 直到某一轮没有任何进展。已存在的记录改为挂载新实例。
func (rt *runtime) loadManifest(ctx context.Context, entries []plugin.Entry) []string {
	log := logger.Named("manifest")
	var loaded []string
	pending := entries
	for len(pending) > 0 {
		var retry []plugin.Entry
		var lastErrs []error
		for _, entry := range pending {
			id, err := rt.loadEntry(ctx, entry)
			switch {
			case err == nil:
				loaded = append(loaded, id)
			case xerrors.IsCode(err, xerrors.CodeValidation):
				retry = append(retry, entry)
				lastErrs = append(lastErrs, err)
			default:
				log.Error("加载插件失败", slog.String("path", entry.Path), slog.Any("error", err))
			}
		}
		if len(retry) == len(pending) {
			for i, entry := range retry {
				log.Error("插件校验失败", slog.String("path", entry.Path), slog.Any("reasons", xerrors.ReasonsOf(lastErrs[i])))
			}
			break
		}
		pending = retry
	}
	return loaded
}

func (rt *runtime) loadEntry(ctx context.Context, entry plugin.Entry) (string, error) {
	p, err := rt.opener.Open(entry.Path)
	if err != nil {
		return "", err
	}
	rec, err := rt.plugins.Register(ctx, entry.Record, p)
	if xerrors.IsCode(err, xerrors.CodeConflict) && entry.ID != "" {
		rec, err = rt.plugins.Attach(ctx, entry.ID, p)
	}
	if err != nil {
		return "", err
	}
	if entry.Start {
		if _, err := rt.plugins.Start(ctx, rec.ID); err != nil {
			return rec.ID, err
		}
	}
	return rec.ID, nil
}

// healthLoop 周期性探测所有已注册服务。探测结果由注册中心落库并驱动熔断器。
func (rt *runtime) healthLoop(ctx context.Context, interval time.Duration) {
	log := logger.Named("health")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		records, err := rt.services.List(ctx, storage.ServiceFilter{})
		if err != nil {
			log.Warn("列出服务失败", slog.Any("error", err))
			continue
		}
		for _, rec := range records {
			if _, err := rt.services.HealthCheck(ctx, rec.ID); err != nil && !xerrors.IsCode(err, xerrors.CodeNotFound) {
				log.Warn("健康检查失败", slog.String("service", rec.ID), slog.Any("error", err))
			}
		}
	}
}

// Close 按装配的逆序释放资源。
func (rt *runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errs
}
