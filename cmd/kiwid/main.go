// Command kiwid is the kernel host process (spec.md §6): it loads a
// Config, wires a kernel.Kernel and a harness.Harness to it, and serves
// both over whichever front-ends are enabled — a loopback HTTP
// endpoint, a stdio NDJSON endpoint, or both at once.
//
// Usage:
//
//	kiwid --config kiwi.yaml
//	kiwid --config kiwi.yaml --stdio
//	kiwid --config kiwi.yaml --http-addr 127.0.0.1:8765
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kiwi-run/kiwi/internal/klog"
	"github.com/kiwi-run/kiwi/pkg/environ"
	"github.com/kiwi-run/kiwi/pkg/harness"
	"github.com/kiwi-run/kiwi/pkg/kconfig"
	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/llms"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/transport/httpfront"
	"github.com/kiwi-run/kiwi/pkg/transport/localipc"
)

// CLI is kiwid's flag surface: configuration loading, logging, and the
// two front-ends. There is deliberately no "zero-config" mode here the
// way cmd/hector's ServeCmd has one — a kernel host process always
// needs a project directory and a manifest tree to resolve against, so
// a config file is not optional.
type CLI struct {
	Config string `short:"c" help:"Path to config file." type:"path" required:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`

	Backend   string   `help:"Config backend: file, consul, etcd, zookeeper." default:"file"`
	Endpoints []string `help:"Backend endpoints (consul/etcd/zookeeper addresses)."`
	Watch     bool     `help:"Watch the config backend and hot-reload on change."`

	HTTPAddr       string   `name:"http-addr" help:"Loopback HTTP front-end address (empty disables it)." default:"127.0.0.1:8765"`
	AllowedOrigins []string `name:"allowed-origins" help:"CORS allowed origins for the HTTP front-end."`
	Stdio          bool     `help:"Serve the stdio NDJSON front-end on stdin/stdout."`

	Trace         bool    `help:"Emit one JSON span per line to the log output."`
	TraceSampling float64 `name:"trace-sampling" help:"Trace sampling rate, 0 to 1." default:"1"`
	Metrics       bool    `help:"Expose Prometheus metrics on the HTTP front-end."`
	MetricsPath   string  `name:"metrics-path" help:"Path the metrics endpoint is mounted on." default:"/metrics"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("kiwid"),
		kong.Description("Kernel host process for data-driven tool execution"),
		kong.UsageOnError(),
	)

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "kiwid:", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	level, err := klog.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	logOutput := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := klog.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer cleanup()
		logOutput = f
	}
	log := klog.Init(level, logOutput, cli.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	tp, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cli.Trace,
		SamplingRate: cli.TraceSampling,
		ServiceName:  observability.DefaultServiceName,
		Output:       logOutput,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if sh, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		defer sh.Shutdown(context.Background())
	}

	metrics, err := observability.NewMetrics(&observability.MetricsConfig{Enabled: cli.Metrics})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	backend, err := kconfig.ParseBackendType(cli.Backend)
	if err != nil {
		return err
	}

	k, h, err := wire(cli, backend, metrics, log)
	if err != nil {
		return err
	}

	return serve(ctx, cli, k, h, metrics, log)
}

// wire loads the Config, builds a kernel.Kernel from its ToKernelConfig
// projection, and builds a harness.Harness from its Providers map,
// converting each kconfig.LLMProviderConfig to a concrete llms.LLMProvider
// through the shared registry (spec.md §6 "LLM providers are data,
// resolved at call time, not baked into the kernel").
func wire(cli CLI, backend kconfig.BackendType, metrics *observability.Metrics, log *slog.Logger) (*kernel.Kernel, *harness.Harness, error) {
	cfg, err := kconfig.LoadConfig(kconfig.LoaderOptions{
		Type:      backend,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
		Watch:     cli.Watch,
		Log:       log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	kernelCfg, err := cfg.ToKernelConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel config: %w", err)
	}
	kernelCfg.Metrics = metrics

	auth, err := environ.LoadDotenvStore(".env.local", ".env")
	if err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	k, err := kernel.New(kernelCfg, auth)
	if err != nil {
		return nil, nil, fmt.Errorf("new kernel: %w", err)
	}

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, nil, fmt.Errorf("llm providers: %w", err)
	}

	h := harness.New(k, harness.Config{
		Providers:     providers,
		LogsDir:       cfg.LogsDir,
		MaxDepth:      cfg.MaxDepth,
		CostPerKToken: cfg.CostPerKToken,
		Metrics:       metrics,
	}, log)

	return k, h, nil
}

// buildProviders resolves every configured provider entry to a live
// llms.LLMProvider through llms.LLMRegistry's factory, so a config
// document's <provider type="..."> is the only place a provider kind
// is ever named — the harness itself only ever sees the LLMProvider
// interface.
func buildProviders(configured map[string]kconfig.LLMProviderConfig) (map[string]llms.LLMProvider, error) {
	registry := llms.NewLLMRegistry()
	providers := make(map[string]llms.LLMProvider, len(configured))
	for tier, providerCfg := range configured {
		providerCfg := providerCfg
		provider, err := registry.CreateLLMFromConfig(tier, &providerCfg)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier, err)
		}
		providers[tier] = provider
	}
	return providers, nil
}

// serve starts every enabled front-end and blocks until ctx is
// cancelled or a front-end exits with an error.
func serve(ctx context.Context, cli CLI, k *kernel.Kernel, h *harness.Harness, metrics *observability.Metrics, log *slog.Logger) error {
	if cli.HTTPAddr == "" && !cli.Stdio {
		return fmt.Errorf("no front-end enabled: set --http-addr or --stdio")
	}

	errCh := make(chan error, 2)
	running := 0

	if cli.HTTPAddr != "" {
		httpSrv := httpfront.New(k, h, httpfront.Config{
			Addr:           cli.HTTPAddr,
			AllowedOrigins: cli.AllowedOrigins,
			Metrics:        metrics,
			MetricsPath:    cli.MetricsPath,
		}, log)
		running++
		go func() { errCh <- httpSrv.Start(ctx) }()
	}

	if cli.Stdio {
		stdioSrv := localipc.New(k, h, os.Stdin, os.Stdout, log)
		running++
		go func() { errCh <- stdioSrv.Run(ctx) }()
	}

	log.Info("kiwid ready", "http_addr", cli.HTTPAddr, "stdio", cli.Stdio)

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && err != context.Canceled && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
