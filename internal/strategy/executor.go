package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/cache"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/metrics"
	"github.com/hireloop/offline-gateway/internal/queue"
)

// Fetcher 发起源站请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NamespaceSource 提供当前激活版本的命名空间。
type NamespaceSource interface {
	ActiveNamespaces() cache.NamespaceSet
}

// Enqueuer 保存无法送达源站的请求。
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Request, error)
}

// ConnectivityReporter 接收被动观察到的连通性结果。
type ConnectivityReporter interface {
	ReportOnline()
	ReportOffline(err error)
}

// Options 组装 Executor，Queue、Reporter、Metrics、Logger 可选。
type Options struct {
	App             string
	Domain          string
	Rules           Rules
	Fetcher         Fetcher
	Cache           *cache.ResponseCache
	Namespaces      NamespaceSource
	Queue           Enqueuer
	Reporter        ConnectivityReporter
	OfflinePagePath string
	Metrics         *metrics.Metrics
	Logger          *logrus.Logger
}

// Executor 按 Classify 选出的策略处理每个请求。规则与离线页可在热更新时替换。
type Executor struct {
	opts    Options
	logger  *logrus.Logger
	routing atomic.Pointer[routing]
}

type routing struct {
	rules       Rules
	offlinePage string
}

// Result 是要写回的响应及其获取方式，Response 永不为 nil。
type Result struct {
	Response *http.Response
	Strategy Strategy
	Source   Source
	Queued   bool
}

// NewExecutor 校验 opts 并返回 Executor。
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: fetcher required")
	}
	if opts.Cache == nil {
		return nil, errors.New("strategy: response cache required")
	}
	if opts.Namespaces == nil {
		return nil, errors.New("strategy: namespace source required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Executor{opts: opts, logger: logger}
	e.Reconfigure(opts.Rules, opts.OfflinePagePath)
	return e, nil
}

// Rules 返回当前生效的分类规则。
func (e *Executor) Rules() Rules {
	return e.current().rules
}

// OfflinePagePath 返回当前生效的离线页路径。
func (e *Executor) OfflinePagePath() string {
	return e.current().offlinePage
}

// Reconfigure 原子替换分类规则与离线页，进行中的请求继续使用旧值。
func (e *Executor) Reconfigure(rules Rules, offlinePage string) {
	e.routing.Store(&routing{rules: rules, offlinePage: offlinePage})
}

func (e *Executor) current() *routing {
	if r := e.routing.Load(); r != nil {
		return r
	}
	return &routing{}
}

// Execute 处理已指向源站的 req。错误不会外泄，所有失败路径都落到缓存副本或合成响应。
func (e *Executor) Execute(ctx context.Context, req *http.Request) *Result {
	started := time.Now()
	current := e.current()
	strategy := Classify(current.rules, req.Method, req.URL.Path)

	var result *Result
	switch strategy {
	case CacheFirst:
		result = e.cacheFirst(ctx, req)
	case NetworkFirstAPI:
		result = e.networkFirst(ctx, req, false, "")
	case NetworkFirstFallback:
		result = e.networkFirst(ctx, req, true, current.offlinePage)
	default:
		result = e.passThrough(ctx, req)
	}
	result.Strategy = strategy

	if result.Response.Header == nil {
		result.Response.Header = make(http.Header)
	}
	result.Response.Header.Set(HeaderStrategy, string(strategy))
	result.Response.Header.Set(HeaderSource, string(result.Source))

	e.opts.Metrics.RecordRequest(e.opts.App, string(strategy), string(result.Source), time.Since(started).Seconds())
	e.logResult(req, result, started)
	return result
}

func (e *Executor) cacheFirst(ctx context.Context, req *http.Request) *Result {
	ns := e.opts.Namespaces.ActiveNamespaces()
	if resp := e.lookup(ctx, req, ns.Static, ns.Dynamic); resp != nil {
		return &Result{Response: resp, Source: SourceCache}
	}

	resp, err := e.fetch(req)
	if err != nil {
		return &Result{Response: offlineUnavailable(req), Source: SourceFallback}
	}
	if isCacheable(resp) {
		e.store(ctx, ns.Static, req, resp)
	}
	return &Result{Response: resp, Source: SourceNetwork}
}

// networkFirst 在 document 为 true 时以离线页兜底，否则返回离线 JSON。
func (e *Executor) networkFirst(ctx context.Context, req *http.Request, document bool, pagePath string) *Result {
	ns := e.opts.Namespaces.ActiveNamespaces()

	resp, err := e.fetch(req)
	if err == nil {
		if isCacheable(resp) {
			e.store(ctx, ns.Dynamic, req, resp)
		}
		return &Result{Response: resp, Source: SourceNetwork}
	}

	if cached := e.lookup(ctx, req, ns.Dynamic, ns.Static); cached != nil {
		return &Result{Response: cached, Source: SourceCache}
	}
	if !document {
		return &Result{Response: offlineJSON(req), Source: SourceFallback}
	}
	return &Result{Response: e.offlinePage(ctx, req, ns, pagePath), Source: SourceFallback}
}

func (e *Executor) passThrough(ctx context.Context, req *http.Request) *Result {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{"action": "proxy", "app": e.opts.App}).
				Warn("request_body_read_failed")
		}
		body = data
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := e.fetch(req)
	if err == nil {
		return &Result{Response: resp, Source: SourceNetwork}
	}

	queued := e.enqueue(ctx, req, body)
	return &Result{Response: offlineQueued(req, queued), Source: SourceQueued, Queued: queued}
}

// fetch 把 req 发往源站。只有传输层错误算作离线，客户端主动取消不上报为源站故障。
func (e *Executor) fetch(req *http.Request) (*http.Response, error) {
	resp, err := e.opts.Fetcher.Do(req)
	if err != nil {
		if req.Context().Err() == nil && e.opts.Reporter != nil {
			e.opts.Reporter.ReportOffline(err)
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "proxy",
			"app":    e.opts.App,
			"method": req.Method,
			"path":   req.URL.Path,
		}).Warn("origin_unreachable")
		return nil, err
	}
	if e.opts.Reporter != nil {
		e.opts.Reporter.ReportOnline()
	}
	return resp, nil
}

func (e *Executor) lookup(ctx context.Context, req *http.Request, namespaces ...string) *http.Response {
	resp, _, err := e.opts.Cache.LookupAny(ctx, req, namespaces...)
	if err == nil {
		return resp
	}
	if !errors.Is(err, cache.ErrNotFound) {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_lookup",
			"app":    e.opts.App,
			"path":   req.URL.Path,
		}).Warn("cache_get_failed")
	}
	return nil
}

func (e *Executor) store(ctx context.Context, namespace string, req *http.Request, resp *http.Response) {
	if err := e.opts.Cache.Save(ctx, namespace, req, resp); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":    "cache_store",
			"app":       e.opts.App,
			"namespace": namespace,
			"path":      req.URL.Path,
		}).Warn("cache_write_failed")
	}
}

func (e *Executor) enqueue(ctx context.Context, req *http.Request, body []byte) bool {
	if e.opts.Queue == nil {
		return false
	}
	headers := make(map[string]string, len(req.Header))
	for key := range req.Header {
		if cache.IsHopByHopHeader(key) {
			continue
		}
		headers[key] = req.Header.Get(key)
	}
	// 只记录 path+query：重放时按当前源站解析，RETRY_SUCCESS 也能与页面自己的请求对上
	record, err := e.opts.Queue.Enqueue(ctx, queue.Request{
		URL:     req.URL.RequestURI(),
		Method:  req.Method,
		Headers: headers,
		Body:    body,
	})
	fields := logrus.Fields{"action": "queue_enqueue", "app": e.opts.App, "method": req.Method, "url": req.URL.RequestURI()}
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("queue_enqueue_failed")
		return false
	}
	fields["queue_id"] = record.ID
	e.logger.WithFields(fields).Info("request_queued")
	return true
}

func (e *Executor) offlinePage(ctx context.Context, req *http.Request, ns cache.NamespaceSet, pagePath string) *http.Response {
	if pagePath == "" {
		return offlinePage(req, nil)
	}
	pageReq := req.Clone(ctx)
	pageReq.Method = http.MethodGet
	pageReq.URL.Path = pagePath
	pageReq.URL.RawPath = ""
	pageReq.URL.RawQuery = ""

	cached := e.lookup(ctx, pageReq, ns.Static, ns.Dynamic)
	if cached == nil {
		return offlinePage(req, nil)
	}
	defer cached.Body.Close()
	page, err := io.ReadAll(cached.Body)
	if err != nil {
		return offlinePage(req, nil)
	}
	return offlinePage(req, page)
}

func (e *Executor) logResult(req *http.Request, result *Result, started time.Time) {
	fields := logging.RequestFields(e.opts.App, e.opts.Domain, string(result.Strategy), string(result.Source), result.Source == SourceCache)
	fields["method"] = req.Method
	fields["path"] = req.URL.Path
	fields["status"] = result.Response.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := e.logger.WithFields(fields)
	if result.Source == SourceNetwork {
		entry.Debug("proxy_complete")
		return
	}
	entry.Info("proxy_offline")
}

func isCacheable(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Replayer 把 Fetcher 适配为 queue.Replayer，重放与实时流量走同一个 transport。
// 以 / 开头的记录 URL 相对 origin 解析。
func Replayer(fetcher Fetcher, origin string) queue.Replayer {
	origin = strings.TrimRight(origin, "/")
	return queue.ReplayFunc(func(ctx context.Context, item queue.Request) (int, error) {
		target := item.URL
		if strings.HasPrefix(target, "/") {
			target = origin + target
		}
		req, err := http.NewRequestWithContext(ctx, item.Method, target, bytes.NewReader(item.Body))
		if err != nil {
			return 0, fmt.Errorf("build replay request: %w", err)
		}
		for key, value := range item.Headers {
			req.Header.Set(key, value)
		}
		resp, err := fetcher.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	})
}
