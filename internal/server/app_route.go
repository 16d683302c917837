package server

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/cache"
	"github.com/hireloop/offline-gateway/internal/config"
	"github.com/hireloop/offline-gateway/internal/events"
	"github.com/hireloop/offline-gateway/internal/lifecycle"
	"github.com/hireloop/offline-gateway/internal/metrics"
	"github.com/hireloop/offline-gateway/internal/queue"
	"github.com/hireloop/offline-gateway/internal/session"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

// RuntimeDeps 是所有 App 共享的依赖。
type RuntimeDeps struct {
	Client   *http.Client
	Metrics  *metrics.Metrics
	Sessions *session.Registry
	Logger   *logrus.Logger
}

// AppRoute 将 App 配置与其离线运行时（事件总线、探活、生命周期控制器、策略执行器）
// 聚合在一起，供路由/代理层直接复用。
type AppRoute struct {
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// OriginURL 在构造时提前解析完成。
	OriginURL *url.URL

	Bus        *events.Bus
	Monitor    *lifecycle.Monitor
	Controller *lifecycle.Controller
	Executor   *strategy.Executor
	Sessions   *session.Registry

	mu     sync.RWMutex
	config config.AppConfig
}

// Config 返回 App 配置副本，热更新后反映最新值。
func (r *AppRoute) Config() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// setConfig 在热更新成功应用后提交新配置。
func (r *AppRoute) setConfig(app config.AppConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = app
}

// buildAppRoute 按 StoragePath/<app>/{caches,queue} 布局为单个 App 构建运行时。
func buildAppRoute(cfg *config.Config, app config.AppConfig, deps RuntimeDeps) (*AppRoute, error) {
	originURL, err := url.Parse(app.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for app %s: %w", app.Name, err)
	}

	client := deps.Client
	if client == nil {
		client = NewUpstreamClient(cfg)
	}

	root := filepath.Join(cfg.Global.StoragePath, app.Name)
	store, err := cache.NewStore(filepath.Join(root, "caches"))
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}
	responses := cache.NewResponseCache(store)

	logger := deps.Logger
	origin := strings.TrimRight(app.Origin, "/")
	bus := events.NewBus()
	healthPath := app.HealthPath
	if healthPath == "" {
		healthPath = "/"
	}
	monitor := lifecycle.NewMonitor(lifecycle.MonitorOptions{
		App:       app.Name,
		HealthURL: origin + healthPath,
		Fetcher:   client,
		Bus:       bus,
		Interval:  cfg.Global.HealthCheckInterval.DurationValue(),
		Metrics:   deps.Metrics,
		Logger:    logger,
	})

	controller, err := lifecycle.New(lifecycle.Options{
		App:       app.Name,
		Origin:    origin,
		Version:   app.CacheVersion,
		Assets:    app.PrecacheAssets,
		Fetcher:   client,
		Cache:     responses,
		Bus:       bus,
		QueuePath: filepath.Join(root, "queue"),
		QueueLimit: queue.Options{
			MaxEntries: cfg.Global.QueueMaxEntries,
			MaxBytes:   cfg.Global.QueueMaxBytes,
		},
		Monitor:       monitor,
		DrainInterval: cfg.Global.DrainInterval.DurationValue(),
		Metrics:       deps.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}

	executor, err := strategy.NewExecutor(strategy.Options{
		App:             app.Name,
		Domain:          app.Domain,
		Rules:           strategy.RulesFromConfig(app),
		Fetcher:         client,
		Cache:           responses,
		Namespaces:      controller,
		Queue:           controller,
		Reporter:        monitor,
		OfflinePagePath: app.OfflinePage,
		Metrics:         deps.Metrics,
		Logger:          logger,
	})
	if err != nil {
		_ = controller.Close()
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}

	return &AppRoute{
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		Bus:        bus,
		Monitor:    monitor,
		Controller: controller,
		Executor:   executor,
		Sessions:   deps.Sessions,
		config:     app,
	}, nil
}
