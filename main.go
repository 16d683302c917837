package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/offline-gateway/internal/config"
	"github.com/hireloop/offline-gateway/internal/logging"
	"github.com/hireloop/offline-gateway/internal/metrics"
	"github.com/hireloop/offline-gateway/internal/proxy"
	"github.com/hireloop/offline-gateway/internal/server"
	"github.com/hireloop/offline-gateway/internal/server/routes"
	"github.com/hireloop/offline-gateway/internal/session"
)

const (
	configEnv       = "OFFLINE_GATEWAY_CONFIG"
	shutdownTimeout = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。ctx 结束即触发优雅退出。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	if opts.checkOnly {
		return checkConfig(opts)
	}

	initial, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	logger, err := logging.InitLogger(initial.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	// 热更新回调运行在 fsnotify 协程中，注册表构建完成前收到的事件直接忽略
	var current atomic.Pointer[server.AppRegistry]
	cfg, err := config.Watch(opts.configPath, func(next *config.Config) {
		if registry := current.Load(); registry != nil {
			registry.Apply(ctx, next)
		}
	}, func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("config_reload", opts.configPath)).
			Warn("配置热更新被拒绝，继续使用旧配置")
	})
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	var (
		gatherer  prometheus.Gatherer
		collector *metrics.Metrics
	)
	if cfg.Global.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewMetrics(reg)
		gatherer = reg
	}

	// 启动顺序：配置 → AppRegistry（缓存/队列/控制器）→ 安装激活 → Fiber server，
	// 保证第一个请求到达时每个 App 都已有可用的缓存版本。
	sessions := session.NewRegistry()
	registry, err := server.NewAppRegistry(cfg, server.RuntimeDeps{
		Client:   server.NewUpstreamClient(cfg),
		Metrics:  collector,
		Sessions: sessions,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 App 注册表失败: %v\n", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		registry.Close()
	}()
	if err := registry.Start(runCtx); err != nil {
		fmt.Fprintf(stdErr, "启动 App 失败: %v\n", err)
		return 1
	}
	current.Store(registry)
	go sessions.Run(runCtx, cfg.Global.SessionIdleTimeout.DurationValue(), logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = config.AppNames(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["metrics"] = cfg.Global.MetricsEnabled
	fields["version"] = versionString()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(runCtx, cfg, registry, handler, gatherer, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func checkConfig(opts cliOptions) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("check_config", opts.configPath)
	fields["apps"] = config.AppNames(cfg.Apps)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.AppRegistry,
	proxyHandler server.ProxyHandler,
	gatherer prometheus.Gatherer,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(ctx, app, registry, logger)
	routes.RegisterSessionRoutes(app)
	routes.RegisterMetricsRoute(app, gatherer)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		serveErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("收到退出信号，开始优雅关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-serveErr
}
