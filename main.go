package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/cache"
	"github.com/barbell-app/barbell-agent/internal/config"
	"github.com/barbell-app/barbell-agent/internal/logging"
	"github.com/barbell-app/barbell-agent/internal/metrics"
	"github.com/barbell-app/barbell-agent/internal/proxy"
	"github.com/barbell-app/barbell-agent/internal/server"
	"github.com/barbell-app/barbell-agent/internal/server/routes"
	"github.com/barbell-app/barbell-agent/internal/version"
)

// maintainInterval 控制空闲客户端清理与 waiting worker 激活检查的频率。
const maintainInterval = 15 * time.Second

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
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

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

	route, err := server.NewRoute(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理路由失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = route.OriginURL.String()
		fields["scope"] = route.ScopeURL.String()
		fields["cache_version"] = route.Agent.Version
		fields["storage"] = cfg.Global.StorageSummary()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → Host → Fiber server；注册在后台进行，
	// 注册完成前页面请求直接透传网络。
	storage, err := cache.NewStorage(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	collectors := metrics.New()
	fetcher := server.NewOriginFetcher(server.NewUpstreamClient(cfg), collectors)
	host := agent.NewHost(agent.HostOptions{
		Storage:           storage,
		Network:           fetcher,
		Logger:            logger,
		Observer:          collectors,
		ClientIdleTimeout: cfg.Agent.ClientIdleTimeout.DurationValue(),
	})

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = route.OriginURL.String()
	fields["cache_version"] = route.Agent.Version
	fields["storage"] = cfg.Global.StorageSummary()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go registerAgent(ctx, host, route, logger)
	go maintainLoop(ctx, host, logger)

	if err := startHTTPServer(ctx, cfg, route, host, collectors, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// registerAgent 在后台安装并激活当前配置对应的 worker。
func registerAgent(ctx context.Context, host *agent.Host, route *server.Route, logger *logrus.Logger) {
	fields := logging.LifecycleFields("register", route.Agent.Version)
	if err := host.Register(ctx, route.Agent); err != nil {
		logger.WithFields(fields).WithError(err).Error("agent_register_failed")
		return
	}
	logger.WithFields(fields).Info("agent_registered")
}

func maintainLoop(ctx context.Context, host *agent.Host, logger *logrus.Logger) {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := host.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("action", "maintain").WithError(err).Warn("agent_maintain_failed")
			}
		}
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("barbell-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 BARBELL_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("BARBELL_AGENT_CONFIG")
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
	route *server.Route,
	host *agent.Host,
	collectors *metrics.Metrics,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewHandler(host, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAgentRoutes(app, host, collectors.Handler(), logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
