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

	"github.com/any-hub/trackcache/internal/cache"
	"github.com/any-hub/trackcache/internal/config"
	"github.com/any-hub/trackcache/internal/logging"
	"github.com/any-hub/trackcache/internal/server"
	"github.com/any-hub/trackcache/internal/upstream"
	"github.com/any-hub/trackcache/internal/version"
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

	logger, closeLog, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer closeLog()

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage"] = cfg.Global.StoragePath
		fields["upstream"] = cfg.Upstream.URL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 上游 Producer → 磁盘缓存 → Fiber server，
	// 所有请求共享同一个 Cache 实例，保证同一 key 只生产一次。
	store, err := openCache(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer store.Close()

	if cfg.Global.VerifyOnStart {
		drifts, err := store.Verify(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "缓存校验失败: %v\n", err)
			return 1
		}
		fields := logging.CacheFields("verify", "")
		fields["drifts"] = len(drifts)
		logger.WithFields(fields).Info("缓存校验完成")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = store.Root()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// openCache 根据配置构建上游 Producer 并打开缓存目录。
func openCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*cache.Cache, error) {
	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	producer, err := upstream.NewProducer(client, cfg.Upstream, logger)
	if err != nil {
		return nil, err
	}
	return cache.Open(ctx, cache.Options{
		Root:              cfg.Global.StoragePath,
		Producer:          producer,
		Logger:            logger,
		SpoolHighWater:    cfg.Global.SpoolBufferSize,
		KeyMemoSize:       cfg.Global.KeyMemoSize,
		ProductionTimeout: cfg.Global.ProductionTimeout.DurationValue(),
		LockTimeout:       cfg.Global.LockTimeout.DurationValue(),
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("trackcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TRACKCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TRACKCACHE_CONFIG")
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

// startHTTPServer 阻塞直到监听失败或收到退出信号；退出时等待进行中的请求结束。
func startHTTPServer(ctx context.Context, cfg *config.Config, store *cache.Cache, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Cache:  store,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
