package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/BaSui01/routeclient/duplex"
	"github.com/BaSui01/routeclient/internal/metrics"
	"github.com/BaSui01/routeclient/internal/resume"
	"github.com/BaSui01/routeclient/internal/retry"
	"github.com/BaSui01/routeclient/internal/tlsutil"
	"github.com/BaSui01/routeclient/route"
	"github.com/BaSui01/routeclient/sse"
	"github.com/BaSui01/routeclient/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxBuffer bounds the envelope items a Stream keeps unread.
const DefaultMaxBuffer = 100

// StreamOptions configures every stream a Requester opens. Zero values fall
// back to the sse session defaults.
type StreamOptions struct {
	MaxRetry         int
	OpenTimeout      time.Duration
	RetryDelay       time.Duration
	MaxBuffer        int
	OpenFailBackoff  *retry.RetryPolicy
	OnOpenFail       func(resp *sse.Response) bool
	ReconnectLimiter *rate.Limiter
	ResumeStore      resume.Store
}

// Options configures a Requester.
type Options struct {
	// Hosts maps domains and "pattern:" path regexps to base urls.
	Hosts map[string]string
	// Credentials supplies the token for jwt-bearer routes when the call
	// args carry none.
	Credentials CredentialSupplier
	TLS         tlsutil.Options

	Stream StreamOptions
	// Connector overrides the HTTP connector used by streams.
	Connector sse.Connector

	WebSocket duplex.WSTransportConfig
	// DialRetry spaces out failed WebSocket dials. Nil uses DefaultDialRetry.
	DialRetry *retry.RetryPolicy

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// DefaultDialRetry is the WebSocket dial policy.
func DefaultDialRetry() *retry.RetryPolicy {
	return &retry.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Args are the per-call inputs of a route.
type Args struct {
	Params map[string]string
	Query  url.Values
	// Auth is the bearer token for jwt-bearer routes.
	Auth   string
	Header map[string]string
}

// Requester opens streams and duplex connections against routes.
type Requester struct {
	hosts     *route.HostResolver
	opts      Options
	connector sse.Connector
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// New creates a Requester with defaultHost as the fallback host.
func New(defaultHost string, opts Options) (*Requester, error) {
	hosts, err := route.NewHostResolver(defaultHost, opts.Hosts)
	if err != nil {
		return nil, err
	}
	httpClient, err := tlsutil.StreamingHTTPClient(opts.TLS)
	if err != nil {
		return nil, err
	}
	if opts.Stream.MaxBuffer <= 0 {
		opts.Stream.MaxBuffer = DefaultMaxBuffer
	}
	if opts.DialRetry == nil {
		opts.DialRetry = DefaultDialRetry()
	}
	if opts.WebSocket.HeartbeatInterval == 0 && opts.WebSocket.ReadLimit == 0 {
		opts.WebSocket = duplex.DefaultWSTransportConfig()
	}
	if opts.WebSocket.HTTPClient == nil {
		opts.WebSocket.HTTPClient = httpClient
	}
	connector := opts.Connector
	if connector == nil {
		connector = &sse.HTTPConnector{Client: httpClient}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Requester{
		hosts:     hosts,
		opts:      opts,
		connector: connector,
		logger:    logger.With(zap.String("component", "requester")),
		metrics:   opts.Metrics,
	}, nil
}

// Target resolves the url and request header of a route call.
func (r *Requester) Target(ctx context.Context, rt route.Route, args Args) (*url.URL, map[string]string, error) {
	if err := rt.Validate(); err != nil {
		return nil, nil, err
	}
	path, err := route.ResolvePath(rt.Path, args.Params)
	if err != nil {
		return nil, nil, err
	}
	u, err := route.BuildURL(r.hosts.Resolve(rt), path, args.Query)
	if err != nil {
		return nil, nil, err
	}

	header := make(map[string]string, len(args.Header)+1)
	maps.Copy(header, args.Header)
	if rt.HasPreset(route.PresetJWTBearer) {
		token := args.Auth
		if token == "" && r.opts.Credentials != nil {
			if token, err = r.opts.Credentials(ctx); err != nil {
				return nil, nil, fmt.Errorf("credentials: %w", err)
			}
		}
		if token == "" {
			return nil, nil, types.NewError(types.ErrInvalidRoute, "jwt-bearer route requires an auth token")
		}
		header["authorization"] = "bearer " + token
	}
	return u, header, nil
}

// Connect dials a duplex route over WebSocket and completes the handshake.
// Failed dials are retried with the DialRetry policy; the handshake is not.
func (r *Requester) Connect(ctx context.Context, rt route.Route, args Args, opts duplex.Options) (*duplex.Conn, error) {
	if rt.Kind != route.KindDuplex {
		return nil, types.NewError(types.ErrInvalidRoute, fmt.Sprintf("route %s is not a duplex route", rt.Path))
	}
	u, header, err := r.Target(ctx, rt, args)
	if err != nil {
		return nil, err
	}
	wsURL, err := route.ToWebSocket(u)
	if err != nil {
		return nil, err
	}

	retryer := retry.NewBackoffRetryer(r.opts.DialRetry, r.logger)
	tr, err := retry.DoWithResultTyped(retryer, ctx, func() (*duplex.WebSocketTransport, error) {
		tr, err := duplex.DialWebSocket(ctx, wsURL.String(), r.opts.WebSocket, r.logger)
		if rejected(err) {
			return nil, retry.Permanent(err)
		}
		return tr, err
	})
	if err != nil {
		return nil, types.NewError(types.ErrConnectFailed, "websocket dial failed").WithCause(err)
	}

	merged := make(map[string]string, len(header)+len(opts.Header))
	maps.Copy(merged, opts.Header)
	maps.Copy(merged, header)
	opts.Header = merged
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	r.logger.Debug("duplex connecting", zap.String("url", wsURL.Redacted()))
	return duplex.Dial(ctx, tr, opts)
}

// rejected reports an upgrade the server refused for good: any 4xx but 429.
func rejected(err error) bool {
	var de *duplex.DialError
	if !errors.As(err, &de) {
		return false
	}
	return de.StatusCode >= http.StatusBadRequest &&
		de.StatusCode < http.StatusInternalServerError &&
		de.StatusCode != http.StatusTooManyRequests
}
