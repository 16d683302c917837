package lifecycle

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/events"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/metrics"
	"github.com/hireloop/offline-gateway/internal/strategy"
)

// Monitor 结合周期探活与代理流量的被动上报跟踪源站可达性，
// 每次状态切换都发布到 connectivity 频道。
type Monitor struct {
	app       string
	healthURL string
	fetcher   strategy.Fetcher
	bus       *events.Bus
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	online atomic.Bool
}

// MonitorOptions 配置 NewMonitor。
type MonitorOptions struct {
	App       string
	HealthURL string
	Fetcher   strategy.Fetcher
	Bus       *events.Bus
	Interval  time.Duration
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// NewMonitor 返回初始状态为在线的 Monitor。
func NewMonitor(opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Monitor{
		app:       opts.App,
		healthURL: opts.HealthURL,
		fetcher:   opts.Fetcher,
		bus:       opts.Bus,
		interval:  opts.Interval,
		metrics:   opts.Metrics,
		logger:    logger,
	}
	m.online.Store(true)
	m.metrics.SetOnline(opts.App, true)
	return m
}

// Online 返回最近一次观察到的状态。
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// ReportOnline 记录一次成功的源站往返。
func (m *Monitor) ReportOnline() {
	m.set(true, nil)
}

// ReportOffline 记录一次传输层失败。
func (m *Monitor) ReportOffline(err error) {
	m.set(false, err)
}

// Check 向探活地址发送一次 HEAD 请求。任何 HTTP 应答都算可达，只有传输层错误才标记离线。
func (m *Monitor) Check(ctx context.Context) bool {
	timeout := m.interval
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, m.healthURL, nil)
	if err != nil {
		m.logger.WithError(err).WithFields(logging.AppFields("health_check", m.app, "")).Error("health_request_invalid")
		return m.Online()
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.set(false, err)
		return false
	}
	resp.Body.Close()
	m.set(true, nil)
	return true
}

// Run 按间隔探活，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) set(online bool, cause error) {
	if m.online.Swap(online) == online {
		return
	}
	m.metrics.SetOnline(m.app, online)
	entry := m.logger.WithFields(logging.AppFields("connectivity", m.app, ""))
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.WithField("online", online).Warn("connectivity_changed")
	if m.bus != nil {
		m.bus.Publish(events.ChannelConnectivity, events.NetworkStatus(online))
	}
}
