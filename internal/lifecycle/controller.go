// Package lifecycle 管理单个 App 的缓存版本：安装时预缓存资源、激活版本并清理过期
// 命名空间、应答页面发来的控制消息，并在网络恢复后重放离线队列。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/cache"
	"github.com/hireloop/offline-gateway/internal/events"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/metrics"
	"github.com/hireloop/offline-gateway/internal/queue"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

var (
	// ErrInstallFailed 包裹预缓存失败的资源。
	ErrInstallFailed = errors.New("install failed")
	// ErrNoWaitingVersion 在没有等待版本时由 SkipWaiting 返回。
	ErrNoWaitingVersion = errors.New("no waiting version")
	// ErrUnknownMessage 表示控制器不处理该消息类型。
	ErrUnknownMessage = errors.New("unknown message type")
)

// State 是缓存版本所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Generation 是一个缓存版本及其命名空间。
type Generation struct {
	Version    string             `json:"version"`
	Namespaces cache.NamespaceSet `json:"-"`
	State      State              `json:"state"`
	Assets     []string           `json:"assets"`
	Precached  bool               `json:"precached"`
}

// Options 组装 Controller。
type Options struct {
	App        string
	Origin     string
	Version    string
	Assets     []string
	Fetcher    strategy.Fetcher
	Cache      *cache.ResponseCache
	Bus        *events.Bus
	QueuePath  string
	QueueLimit queue.Options
	Monitor    *Monitor
	// DrainInterval 为兜底重放周期，0 表示关闭定时器。
	DrainInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
}

// Controller 可并发使用。读取激活版本走原子指针，不会等待安装或激活。
type Controller struct {
	app     string
	origin  string
	fetcher strategy.Fetcher
	cache   *cache.ResponseCache
	bus     *events.Bus
	queue   *queue.Queue
	monitor *Monitor
	metrics *metrics.Metrics
	logger  *logrus.Logger

	drainInterval time.Duration
	initial       Generation

	mu      sync.Mutex
	active  atomic.Pointer[Generation]
	waiting *Generation
}

// New 打开 App 的离线队列并准备控制器，配置的版本在 Start 时才安装。
func New(opts Options) (*Controller, error) {
	if opts.Fetcher == nil || opts.Cache == nil || opts.Bus == nil {
		return nil, errors.New("lifecycle: fetcher, cache and bus are required")
	}
	if opts.Version == "" {
		return nil, errors.New("lifecycle: version required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Controller{
		app:           opts.App,
		origin:        strings.TrimRight(opts.Origin, "/"),
		fetcher:       opts.Fetcher,
		cache:         opts.Cache,
		bus:           opts.Bus,
		monitor:       opts.Monitor,
		metrics:       opts.Metrics,
		logger:        logger,
		drainInterval: opts.DrainInterval,
		initial: Generation{
			Version:    opts.Version,
			Namespaces: cache.NamespacesFor(opts.Version),
			State:      StateInstalling,
			Assets:     append([]string(nil), opts.Assets...),
		},
	}

	if opts.QueuePath != "" {
		qopts := opts.QueueLimit
		qopts.OnReplayed = c.onReplayed
		q, err := queue.Open(opts.QueuePath, qopts)
		if err != nil {
			return nil, err
		}
		c.queue = q
		c.metrics.SetQueueDepth(c.app, q.Len())
	}
	return c, nil
}

// ActiveNamespaces 返回执行器读写的命名空间。
func (c *Controller) ActiveNamespaces() cache.NamespaceSet {
	if gen := c.active.Load(); gen != nil {
		return gen.Namespaces
	}
	return c.initial.Namespaces
}

// Active 返回激活版本的副本。
func (c *Controller) Active() (Generation, bool) {
	gen := c.active.Load()
	if gen == nil {
		return Generation{}, false
	}
	return *gen, true
}

// Waiting 返回等待 SKIP_WAITING 的版本副本。
func (c *Controller) Waiting() (Generation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == nil {
		return Generation{}, false
	}
	return *c.waiting, true
}

// Target 返回最近一次成功安装的版本：有等待中的版本时取等待版本，否则取激活版本。
// 热更新据此判断配置是否仍需应用。
func (c *Controller) Target() (Generation, bool) {
	if gen, ok := c.Waiting(); ok {
		return gen, true
	}
	return c.Active()
}

// Queue 返回离线队列，未配置队列时为 nil。
func (c *Controller) Queue() *queue.Queue {
	return c.queue
}

// Start 安装并激活配置中的版本。上次运行留下的 static 命名空间只有在所有预缓存
// 资源都存在时才直接复用，缺失的资源会补齐。预缓存失败只记录日志，版本照常激活，
// 由实时流量继续填充缓存，源站恢复后再重试安装。
func (c *Controller) Start(ctx context.Context) error {
	gen := c.initial
	fields := logging.AppFields("install", c.app, gen.Version)
	exists, err := c.cache.Store().HasNamespace(ctx, gen.Namespaces.Static)
	if err != nil {
		return fmt.Errorf("check namespace %s: %w", gen.Namespaces.Static, err)
	}

	switch {
	case exists:
		missing, err := c.missingAssets(ctx, gen.Namespaces.Static, gen.Assets)
		if err != nil {
			return fmt.Errorf("check namespace %s: %w", gen.Namespaces.Static, err)
		}
		if len(missing) == 0 {
			gen.Precached = true
			c.logger.WithFields(fields).Info("install_reused")
			break
		}
		failed := c.fill(ctx, gen.Namespaces.Static, missing)
		gen.Precached = len(failed) == 0
		entry := c.logger.WithFields(fields).WithField("missing", len(missing))
		if len(failed) > 0 {
			entry.WithField("failed", strings.Join(failed, ", ")).Warn("install_deferred")
		} else {
			entry.Info("install_completed_reused")
		}
	default:
		installed, err := c.Install(ctx, gen.Version, gen.Assets)
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("install_deferred")
			break
		}
		gen = *installed
	}
	return c.activate(ctx, &gen)
}

// missingAssets 返回 namespace 中尚未缓存的资源。
func (c *Controller) missingAssets(ctx context.Context, namespace string, assets []string) ([]string, error) {
	var missing []string
	for _, asset := range assets {
		result, err := c.cache.Store().Get(ctx, cache.KeyForPath(namespace, asset))
		if errors.Is(err, cache.ErrNotFound) {
			missing = append(missing, asset)
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Reader.Close()
	}
	return missing, nil
}

// fill 逐个预缓存资源，返回失败的资源列表。
func (c *Controller) fill(ctx context.Context, namespace string, assets []string) []string {
	var failed []string
	for _, asset := range assets {
		if err := c.precache(ctx, namespace, asset); err != nil {
			failed = append(failed, asset)
		}
	}
	return failed
}

// Install 把 assets 预缓存到 version 的新 static 命名空间。安装要么全部成功，
// 要么删除该命名空间。
func (c *Controller) Install(ctx context.Context, version string, assets []string) (*Generation, error) {
	gen := &Generation{
		Version:    version,
		Namespaces: cache.NamespacesFor(version),
		State:      StateInstalling,
		Assets:     append([]string(nil), assets...),
	}
	fields := logging.AppFields("install", c.app, version)
	started := time.Now()

	for _, asset := range assets {
		if err := c.precache(ctx, gen.Namespaces.Static, asset); err != nil {
			if delErr := c.cache.Store().DeleteNamespace(context.WithoutCancel(ctx), gen.Namespaces.Static); delErr != nil {
				c.logger.WithError(delErr).WithFields(fields).Error("install_cleanup_failed")
			}
			c.metrics.RecordInstall(c.app, false)
			return nil, fmt.Errorf("%w: %s: %v", ErrInstallFailed, asset, err)
		}
	}

	gen.State = StateInstalled
	gen.Precached = true
	c.metrics.RecordInstall(c.app, true)
	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"assets":     len(assets),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return gen, nil
}

func (c *Controller) precache(ctx context.Context, namespace, asset string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+asset, nil)
	if err != nil {
		return err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		if c.monitor != nil && ctx.Err() == nil {
			c.monitor.ReportOffline(err)
		}
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return fmt.Errorf("origin returned status %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	return c.cache.SaveAt(ctx, cache.KeyForPath(namespace, asset), resp)
}

// Update 把 version 安装为新版本。没有打开的页面时立即激活，否则等待 SKIP_WAITING。
// 更新到当前激活版本时原地刷新资源。
func (c *Controller) Update(ctx context.Context, version string, assets []string) error {
	if current, ok := c.Active(); ok && current.Version == version {
		c.mu.Lock()
		stale := c.waiting
		c.waiting = nil
		c.mu.Unlock()
		if stale != nil {
			c.discard(ctx, stale)
		}
		return c.refresh(ctx, current, assets)
	}

	gen, err := c.Install(ctx, version, assets)
	if err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if previous != nil && previous.Version != version {
		c.discard(ctx, previous)
	}

	if c.bus.Subscribers(events.ChannelClients) == 0 {
		return c.activate(ctx, gen)
	}

	c.mu.Lock()
	c.waiting = gen
	c.mu.Unlock()
	c.logger.WithFields(logging.AppFields("update", c.app, version)).Info("update_waiting")
	return nil
}

func (c *Controller) refresh(ctx context.Context, current Generation, assets []string) error {
	failed := c.fill(ctx, current.Namespaces.Static, assets)
	updated := current
	updated.Assets = append([]string(nil), assets...)
	updated.Precached = len(failed) == 0
	c.active.Store(&updated)
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrInstallFailed, strings.Join(failed, ", "))
	}
	return nil
}

// SkipWaiting 激活等待中的版本。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	gen := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if gen == nil {
		return ErrNoWaitingVersion
	}
	return c.activate(ctx, gen)
}

// activate 切换到 gen，清理其余命名空间并通知页面刷新。
func (c *Controller) activate(ctx context.Context, gen *Generation) error {
	fields := logging.AppFields("activate", c.app, gen.Version)

	next := *gen
	next.State = StateActivating
	previous := c.active.Swap(&next)

	allowed := next.Namespaces.Allowed()
	names, err := c.cache.Store().Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	for _, name := range names {
		if _, keep := allowed[name]; keep {
			continue
		}
		if err := c.cache.Store().DeleteNamespace(ctx, name); err != nil {
			c.logger.WithError(err).WithFields(fields).WithField("namespace", name).Warn("namespace_purge_failed")
			continue
		}
		c.logger.WithFields(fields).WithField("namespace", name).Info("namespace_purged")
	}

	done := next
	done.State = StateActivated
	c.active.Store(&done)
	entry := c.logger.WithFields(fields)
	if previous != nil && previous.Version != done.Version {
		entry = entry.WithField("redundant", previous.Version)
	}
	entry.Info("activate_complete")
	if previous != nil {
		c.bus.Publish(events.ChannelClients, events.ControllerChange(done.Version))
	}
	return nil
}

func (c *Controller) discard(ctx context.Context, gen *Generation) {
	gen.State = StateRedundant
	for name := range gen.Namespaces.Allowed() {
		if err := c.cache.Store().DeleteNamespace(ctx, name); err != nil {
			c.logger.WithError(err).WithFields(logging.AppFields("update", c.app, gen.Version)).
				Warn("namespace_purge_failed")
		}
	}
}

// ClearCache 删除 App 的全部命名空间。
func (c *Controller) ClearCache(ctx context.Context) error {
	names, err := c.cache.Store().Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	for _, name := range names {
		if err := c.cache.Store().DeleteNamespace(ctx, name); err != nil {
			return fmt.Errorf("delete namespace %s: %w", name, err)
		}
	}
	c.logger.WithFields(logging.AppFields("clear_cache", c.app, "")).WithField("namespaces", len(names)).Info("cache_cleared")
	return nil
}

// HandleMessage 应答页面发给控制器的消息。
func (c *Controller) HandleMessage(ctx context.Context, msg events.Message) (events.Message, error) {
	switch msg.Type {
	case events.TypeGetVersion:
		return events.VersionReply(c.ActiveNamespaces().Version), nil
	case events.TypeSkipWaiting:
		err := c.SkipWaiting(ctx)
		if err != nil && !errors.Is(err, ErrNoWaitingVersion) {
			return events.SuccessReply(false), err
		}
		return events.SuccessReply(true), nil
	case events.TypeClearCache:
		if err := c.ClearCache(ctx); err != nil {
			return events.SuccessReply(false), err
		}
		return events.SuccessReply(true), nil
	default:
		return events.Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Enqueue 保存失败的写请求并更新队列深度指标。
func (c *Controller) Enqueue(ctx context.Context, req queue.Request) (queue.Request, error) {
	if c.queue == nil {
		return queue.Request{}, errors.New("lifecycle: offline queue disabled")
	}
	stored, err := c.queue.Enqueue(ctx, req)
	if err == nil {
		c.metrics.SetQueueDepth(c.app, c.queue.Len())
	}
	return stored, err
}

// Discard 丢弃排队请求，不再重放。
func (c *Controller) Discard(ctx context.Context, id uint64) error {
	if c.queue == nil {
		return queue.ErrNotFound
	}
	if err := c.queue.Discard(ctx, id); err != nil {
		return err
	}
	c.metrics.SetQueueDepth(c.app, c.queue.Len())
	c.logger.WithFields(logging.AppFields("discard", c.app, "")).WithField("id", id).Info("queued_request_discarded")
	return nil
}

// Drain 重放一次离线队列。
func (c *Controller) Drain(ctx context.Context) (queue.DrainResult, error) {
	if c.queue == nil {
		return queue.DrainResult{}, nil
	}
	result, err := c.queue.DrainAll(ctx, strategy.Replayer(c.fetcher, c.origin))
	c.metrics.SetQueueDepth(c.app, c.queue.Len())
	for i := 0; i < result.Failed; i++ {
		c.metrics.RecordReplay(c.app, false)
	}

	fields := logging.AppFields("drain", c.app, "")
	fields["replayed"] = result.Replayed
	fields["failed"] = result.Failed
	fields["remaining"] = result.Remaining
	switch {
	case err != nil:
		c.logger.WithError(err).WithFields(fields).Error("drain_failed")
	case result.Skipped:
		c.logger.WithFields(fields).Debug("drain_skipped")
	case result.Replayed > 0 || result.Failed > 0:
		c.logger.WithFields(fields).Info("drain_complete")
	}
	return result, err
}

func (c *Controller) onReplayed(req queue.Request) {
	c.metrics.RecordReplay(c.app, true)
	c.bus.Publish(events.ChannelClients, events.RetrySuccess(req.URL))
}

// Run 响应连通性切换与重放定时器，直到 ctx 结束：NETWORK_STATUS 转发给页面，
// 恢复在线时重放队列并重试推迟的安装。
func (c *Controller) Run(ctx context.Context) {
	sub := c.bus.Subscribe(events.ChannelConnectivity, 0)
	defer sub.Close()

	var tick <-chan time.Time
	if c.drainInterval > 0 && c.queue != nil {
		ticker := time.NewTicker(c.drainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Type != events.TypeNetworkStatus || msg.Online == nil {
				continue
			}
			c.bus.Publish(events.ChannelClients, msg)
			if *msg.Online {
				c.retryInstall(ctx)
				_, _ = c.Drain(ctx)
			}
		case <-tick:
			if c.queue.Len() == 0 {
				continue
			}
			if c.monitor != nil && !c.monitor.Online() {
				continue
			}
			_, _ = c.Drain(ctx)
		}
	}
}

func (c *Controller) retryInstall(ctx context.Context) {
	current, ok := c.Active()
	if !ok || current.Precached {
		return
	}
	if err := c.refresh(ctx, current, current.Assets); err != nil {
		c.logger.WithError(err).WithFields(logging.AppFields("install", c.app, current.Version)).Warn("install_retry_failed")
		return
	}
	c.logger.WithFields(logging.AppFields("install", c.app, current.Version)).Info("install_complete")
}

// Status 是诊断接口使用的即时快照。
type Status struct {
	App            string     `json:"app"`
	Version        string     `json:"version"`
	State          State      `json:"state"`
	Precached      bool       `json:"precached"`
	WaitingVersion string     `json:"waiting_version,omitempty"`
	Online         bool       `json:"online"`
	QueueLength    int        `json:"queue_length"`
	QueueBytes     int64      `json:"queue_bytes"`
	Draining       bool       `json:"draining"`
	OldestQueued   *time.Time `json:"oldest_queued,omitempty"`
	Views          int        `json:"views"`
	DroppedEvents  uint64     `json:"dropped_events"`
}

// Status 返回控制器状态。
func (c *Controller) Status() Status {
	st := Status{
		App:     c.app,
		Version: c.initial.Version,
		State:   c.initial.State,
		Online:  true,
		Views:   c.bus.Subscribers(events.ChannelClients),
	}
	st.DroppedEvents = c.bus.Dropped(events.ChannelClients)
	if gen, ok := c.Active(); ok {
		st.Version = gen.Version
		st.State = gen.State
		st.Precached = gen.Precached
	}
	if gen, ok := c.Waiting(); ok {
		st.WaitingVersion = gen.Version
	}
	if c.monitor != nil {
		st.Online = c.monitor.Online()
	}
	if c.queue != nil {
		st.QueueLength = c.queue.Len()
		st.QueueBytes = c.queue.Bytes()
		st.Draining = c.queue.Draining()
		if oldest, ok := c.queue.OldestEnqueuedAt(); ok {
			st.OldestQueued = &oldest
		}
	}
	return st
}

// Close 释放离线队列。
func (c *Controller) Close() error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Close()
}
