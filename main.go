package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["versions"] = config.SiteVersions(cfg.Sites)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存后端 → 各站点安装/激活 → SiteRegistry → Fiber server。
	factory, err := cache.NewFactory(ctx, storeOptions(cfg.Global))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer factory.Close()

	fetcher := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg))
	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := forwarder.Bootstrap(ctx, cfg, factory, fetcher); err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}
	defer forwarder.Close()

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["versions"] = config.SiteVersions(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = factory.Backend()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if cfg.Global.WatchConfig {
		watchConfig(ctx, opts.configPath, forwarder, logger)
	}

	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func storeOptions(global config.GlobalConfig) cache.Options {
	return cache.Options{
		Backend:        global.StoreBackend,
		StoragePath:    global.StoragePath,
		SQLitePath:     global.SQLitePath,
		RedisAddr:      global.RedisAddr,
		RedisPassword:  global.RedisPassword,
		RedisDB:        global.RedisDB,
		RedisKeyPrefix: global.RedisKeyPrefix,
		MaxMemoryBytes: global.MaxMemoryCache,
		EntryLifetime:  global.EntryLifetime.DurationValue(),
	}
}

// watchConfig 在配置文件变化时重新注册版本有变化的站点。
func watchConfig(ctx context.Context, path string, forwarder *proxy.Forwarder, logger *logrus.Logger) {
	onChange := func(next *config.Config) {
		fields := logging.BaseFields("config_reload", path)
		fields["versions"] = config.SiteVersions(next.Sites)
		logger.WithFields(fields).Info("配置已变更")
		forwarder.Reload(ctx, next)
	}
	onError := func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Warn("配置重载失败")
	}
	if err := config.Watch(ctx, path, onChange, onError); err != nil {
		onError(err)
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, forwarder *proxy.Forwarder, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, forwarder, logger, cfg.Global.ControlToken)
	routes.RegisterMetricsRoute(app)

	go func() {
		<-ctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
