package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/routeclient/client"
	"github.com/BaSui01/routeclient/config"
	"github.com/BaSui01/routeclient/duplex"
	"github.com/BaSui01/routeclient/internal/metrics"
	"github.com/BaSui01/routeclient/internal/resume"
	"github.com/BaSui01/routeclient/internal/retry"
	"github.com/BaSui01/routeclient/internal/server"
	"github.com/BaSui01/routeclient/internal/telemetry"
	"github.com/BaSui01/routeclient/internal/tlsutil"
	"github.com/BaSui01/routeclient/sse"
)

// =============================================================================
// 🧭 根命令与全局参数
// =============================================================================

type rootFlags struct {
	configPath  string
	envFiles    []string
	host        string
	hosts       []string
	params      []string
	query       []string
	headers     []string
	token       string
	jwtSecret   string
	logLevel    string
	metricsAddr string
	presets     []string
	domain      string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "routeclient",
		Short: "Client for server-push stream routes and duplex RPC routes",
		Long: `routeclient opens stream routes (reconnecting server-sent events carrying
JSON envelopes) and duplex routes (WebSocket RPC with a header handshake).

Configuration is read from --config, then .env files, then ROUTECLIENT_*
environment variables; flags override all of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringSliceVar(&f.envFiles, "env-file", []string{".env", ".env.local"}, "env files loaded before ROUTECLIENT_* variables")
	pf.StringVar(&f.host, "host", "", "default host, e.g. https://api.example.com")
	pf.StringArrayVar(&f.hosts, "map-host", nil, "domain=host mapping, repeatable")
	pf.StringArrayVarP(&f.params, "param", "p", nil, "path parameter name=value, repeatable")
	pf.StringArrayVarP(&f.query, "query", "q", nil, "query parameter name=value, repeatable")
	pf.StringArrayVarP(&f.headers, "header", "H", nil, "request header name=value, repeatable")
	pf.StringVar(&f.token, "token", "", "bearer token for jwt-bearer routes")
	pf.StringVar(&f.jwtSecret, "jwt-secret", "", "sign HS256 bearer tokens locally with this secret")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringSliceVar(&f.presets, "preset", nil, "route presets, e.g. jwt-bearer")
	pf.StringVar(&f.domain, "domain", "", "route domain used for host mapping")

	cmd.AddCommand(newTailCmd(f), newCallCmd(f), newVersionCmd())
	return cmd
}

// apply 将命令行参数覆盖到配置上
func (f *rootFlags) apply(cfg *config.Config) error {
	if f.host != "" {
		cfg.Client.DefaultHost = f.host
	}
	if len(f.hosts) > 0 {
		hosts, err := parsePairs(f.hosts)
		if err != nil {
			return fmt.Errorf("--map-host: %w", err)
		}
		if cfg.Client.Hosts == nil {
			cfg.Client.Hosts = make(map[string]string, len(hosts))
		}
		for k, v := range hosts {
			cfg.Client.Hosts[k] = v
		}
	}
	if f.token != "" {
		cfg.Client.Token = f.token
	}
	if f.jwtSecret != "" {
		cfg.Client.JWT.Secret = f.jwtSecret
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metricsAddr
	}
	return nil
}

// args 组装单次调用的路径参数、查询参数与请求头
func (f *rootFlags) args() (client.Args, error) {
	params, err := parsePairs(f.params)
	if err != nil {
		return client.Args{}, fmt.Errorf("--param: %w", err)
	}
	header, err := parsePairs(f.headers)
	if err != nil {
		return client.Args{}, fmt.Errorf("--header: %w", err)
	}
	query := url.Values{}
	for _, pair := range f.query {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return client.Args{}, fmt.Errorf("--query: expected name=value, got %q", pair)
		}
		query.Add(k, v)
	}
	return client.Args{Params: params, Query: query, Header: header}, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

// =============================================================================
// 🔧 运行环境
// =============================================================================

// app 持有一次命令执行所需的全部组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	server    *server.Manager
	telemetry *telemetry.Providers
	store     resume.Store
	requester *client.Requester
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, f *rootFlags) (*app, error) {
	loader := config.NewLoader().WithEnvFile(f.envFiles...)
	if f.configPath != "" {
		loader = loader.WithConfigPath(f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: initLogger(cfg.Log)}
	a.closers = append(a.closers, func(context.Context) error {
		_ = a.logger.Sync()
		return nil
	})

	if err := a.init(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.logger)
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Metrics.Addr
		a.server = server.NewManager(server.Handler(nil), srvCfg, a.logger)
		if err := a.server.Start(); err != nil {
			return err
		}
		a.closers = append(a.closers, a.server.Shutdown)
	}

	providers, err := telemetry.Init(cfg.Telemetry, Version, a.logger)
	if err != nil {
		return err
	}
	a.telemetry = providers
	a.closers = append(a.closers, providers.Shutdown)

	switch cfg.Resume.Backend {
	case "memory":
		a.store = resume.NewMemoryStore()
	case "redis":
		rc := cfg.Resume.Redis
		store, err := resume.NewRedisStore(ctx, resume.RedisConfig{
			Addr:       rc.Addr,
			Password:   rc.Password,
			DB:         rc.DB,
			KeyPrefix:  rc.KeyPrefix,
			TTL:        rc.TTL,
			MaxRetries: rc.MaxRetries,
		}, a.metrics, a.logger)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}

	creds, err := credentials(cfg.Client)
	if err != nil {
		return err
	}

	a.requester, err = client.New(cfg.Client.DefaultHost, client.Options{
		Hosts:       cfg.Client.Hosts,
		Credentials: creds,
		TLS:         tlsOptions(cfg.Client.TLS),
		Stream:      streamOptions(cfg.Stream, a.store),
		WebSocket:   wsConfig(cfg.Duplex),
		DialRetry:   dialRetry(cfg.Duplex),
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	return err
}

// run 执行 fn，同时监听指标服务器的异步错误
func (a *app) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			select {
			case err := <-a.server.Errors():
				return fmt.Errorf("metrics server: %w", err)
			case <-gctx.Done():
				return nil
			}
		})
	}
	return g.Wait()
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func credentials(cfg config.ClientConfig) (client.CredentialSupplier, error) {
	if cfg.JWT.Secret != "" {
		return client.SignedCredentials(client.JWTConfig{
			Secret:   cfg.JWT.Secret,
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			Subject:  cfg.JWT.Subject,
			TTL:      cfg.JWT.TTL,
		})
	}
	if cfg.Token != "" {
		return client.StaticCredentials(cfg.Token), nil
	}
	return nil, nil
}

func tlsOptions(cfg config.TLSConfig) tlsutil.Options {
	return tlsutil.Options{
		CAFile:                cfg.CAFile,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
}

func streamOptions(cfg config.StreamConfig, store resume.Store) client.StreamOptions {
	so := client.StreamOptions{
		MaxRetry:    cfg.MaxRetry,
		OpenTimeout: cfg.OpenTimeout,
		RetryDelay:  cfg.RetryDelay,
		MaxBuffer:   cfg.MaxBuffer,
		ResumeStore: store,
		// 5xx 与 429 视为暂时性故障
		OnOpenFail: func(resp *sse.Response) bool {
			return resp.StatusCode >= http.StatusInternalServerError ||
				resp.StatusCode == http.StatusTooManyRequests
		},
	}
	if cfg.ReconnectRate > 0 {
		burst := max(cfg.ReconnectBurst, 1)
		so.ReconnectLimiter = rate.NewLimiter(rate.Limit(cfg.ReconnectRate), burst)
	}
	return so
}

func wsConfig(cfg config.DuplexConfig) duplex.WSTransportConfig {
	ws := duplex.DefaultWSTransportConfig()
	if cfg.HeartbeatInterval > 0 {
		ws.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout > 0 {
		ws.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	return ws
}

func dialRetry(cfg config.DuplexConfig) *retry.RetryPolicy {
	policy := client.DefaultDialRetry()
	policy.MaxRetries = cfg.DialRetries
	if cfg.DialInitialDelay > 0 {
		policy.InitialDelay = cfg.DialInitialDelay
	}
	return policy
}

func duplexOptions(cfg config.DuplexConfig) duplex.Options {
	return duplex.Options{
		HandshakeTimeout:      cfg.HandshakeTimeout,
		MaxConcurrentHandlers: cfg.MaxConcurrentHandlers,
		InboxSize:             cfg.InboxSize,
	}
}
