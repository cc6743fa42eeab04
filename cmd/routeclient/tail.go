package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/routeclient/client"
	"github.com/BaSui01/routeclient/route"
	"github.com/BaSui01/routeclient/sse"
)

// =============================================================================
// 📡 tail：订阅推送流路由
// =============================================================================

func newTailCmd(f *rootFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "tail [path]",
		Short: "Follow a stream route and print every packet",
		Long: `Follow a stream route, reconnecting on drops, and print one JSON value per
line. Packets go to stdout, fail causes to stderr. With --raw every record is
printed as {"event","data","id"} without envelope decoding.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, f)
			if err != nil {
				return err
			}
			defer a.close()

			args, err := f.args()
			if err != nil {
				return err
			}
			rt := route.NewStream(f.domain, argv[0], f.presets...)

			err = a.run(ctx, func(ctx context.Context) error {
				if raw {
					return tailRaw(ctx, a, rt, args, cmd.OutOrStdout())
				}
				return tailEnvelopes(ctx, a, rt, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw records instead of decoded envelopes")
	return cmd
}

func tailEnvelopes(ctx context.Context, a *app, rt route.Route, args client.Args, out, errOut io.Writer) error {
	stream, err := a.requester.Stream(ctx, rt, args)
	if err != nil {
		return err
	}
	defer stream.Close()

	err = stream.ForEach(ctx,
		func(payload json.RawMessage) error {
			_, err := fmt.Fprintln(out, string(payload))
			return err
		},
		func(cause json.RawMessage) {
			fmt.Fprintln(errOut, "fail:", string(cause))
		},
	)

	stats := stream.Stats()
	a.logger.Debug("stream finished",
		zap.String("last_event_id", stream.LastEventID()),
		zap.Int64("dropped", stats.Dropped),
	)
	return err
}

func tailRaw(ctx context.Context, a *app, rt route.Route, args client.Args, out io.Writer) error {
	u, header, err := a.requester.Target(ctx, rt, args)
	if err != nil {
		return err
	}
	connector, err := sse.NewHTTPConnector(tlsOptions(a.cfg.Client.TLS))
	if err != nil {
		return err
	}
	h := make(http.Header, len(header))
	for k, v := range header {
		h.Set(k, v)
	}

	so := streamOptions(a.cfg.Stream, a.store)
	session, err := sse.NewSession(sse.Options{
		URL:              u.String(),
		Header:           h,
		Connector:        connector,
		MaxRetry:         so.MaxRetry,
		OpenTimeout:      so.OpenTimeout,
		RetryDelay:       so.RetryDelay,
		OnOpenFail:       so.OnOpenFail,
		ReconnectLimiter: so.ReconnectLimiter,
		ResumeStore:      so.ResumeStore,
		ResumeKey:        u.Host + u.Path,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	return session.Run(ctx, func(ev sse.Event) {
		switch ev.Kind {
		case sse.EventMessage:
			if err := enc.Encode(ev.Message); err != nil {
				a.logger.Warn("write record failed", zap.Error(err))
				session.Close()
			}
		case sse.EventRetry:
			a.logger.Info("reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
		case sse.EventClose:
			a.logger.Debug("connection closed", zap.String("reason", string(ev.Reason)))
		}
	})
}
