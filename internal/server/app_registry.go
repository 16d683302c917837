package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/config"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/session"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
	logger  *logrus.Logger

	wg sync.WaitGroup
}

// NewAppRegistry 根据配置为每个 App 构建运行时并建立域名映射。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(cfg *config.Config, deps RuntimeDeps) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewRegistry()
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
		byName: make(map[string]*AppRoute, len(cfg.Apps)),
		logger: deps.Logger,
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			registry.Close()
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			registry.Close()
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildAppRoute(cfg, app, deps)
		if err != nil {
			registry.Close()
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[app.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Find 按 App 名称查找。
func (r *AppRegistry) Find(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序），用于 /-/sw/apps 输出。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

// Start 安装并激活每个 App 的当前版本，然后启动探活与重放协程，直到 ctx 结束。
func (r *AppRegistry) Start(ctx context.Context) error {
	for _, route := range r.ordered {
		if err := route.Controller.Start(ctx); err != nil {
			return fmt.Errorf("start app %s: %w", route.Config().Name, err)
		}
		r.wg.Add(2)
		go func(route *AppRoute) {
			defer r.wg.Done()
			route.Monitor.Run(ctx)
		}(route)
		go func(route *AppRoute) {
			defer r.wg.Done()
			route.Controller.Run(ctx)
		}(route)
	}
	return nil
}

// Apply 处理配置热更新：与控制器当前目标版本比较，CacheVersion 或预缓存列表不同时
// 触发更新安装；安装失败时保留旧配置，下一次保存同一文件会再次尝试。
// 分类前缀与离线页即时生效；新增、删除 App 或修改 Domain/Origin/HealthPath 需要重启进程。
func (r *AppRegistry) Apply(ctx context.Context, cfg *config.Config) {
	if r == nil || cfg == nil {
		return
	}
	for _, app := range cfg.Apps {
		route, ok := r.byName[app.Name]
		if !ok {
			r.logger.WithFields(logging.AppFields("config_reload", app.Name, app.CacheVersion)).
				Warn("app_added_requires_restart")
			continue
		}
		r.applyApp(ctx, route, app)
	}
	for name := range r.byName {
		if _, ok := cfg.FindApp(name); !ok {
			r.logger.WithFields(logging.AppFields("config_reload", name, "")).Warn("app_removed_requires_restart")
		}
	}
}

func (r *AppRegistry) applyApp(ctx context.Context, route *AppRoute, app config.AppConfig) {
	fields := logging.AppFields("config_reload", app.Name, app.CacheVersion)
	current := route.Config()
	for field, values := range map[string][2]string{
		"domain":      {current.Domain, app.Domain},
		"origin":      {current.Origin, app.Origin},
		"health_path": {current.HealthPath, app.HealthPath},
	} {
		if values[0] != values[1] {
			r.logger.WithFields(fields).WithField("field", field).Warn("change_requires_restart")
		}
	}
	app.Domain = current.Domain
	app.Origin = current.Origin
	app.HealthPath = current.HealthPath

	target, ok := route.Controller.Target()
	if !ok || target.Version != app.CacheVersion || !slices.Equal(target.Assets, app.PrecacheAssets) {
		if err := route.Controller.Update(ctx, app.CacheVersion, app.PrecacheAssets); err != nil {
			r.logger.WithError(err).WithFields(fields).Error("update_failed")
			return
		}
		r.logger.WithFields(fields).Info("update_applied")
	}

	route.setConfig(app)
	route.Executor.Reconfigure(strategy.RulesFromConfig(app), app.OfflinePage)
}

// Close 等待后台协程退出并关闭各 App 的离线队列，需在 Start 的 ctx 取消之后调用。
func (r *AppRegistry) Close() {
	if r == nil {
		return
	}
	r.wg.Wait()
	for _, route := range r.ordered {
		if err := route.Controller.Close(); err != nil {
			r.logger.WithError(err).WithFields(logging.AppFields("shutdown", route.Config().Name, "")).
				Warn("queue_close_failed")
		}
	}
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
