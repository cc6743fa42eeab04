package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/routeclient/client"
	"github.com/BaSui01/routeclient/duplex"
	"github.com/BaSui01/routeclient/route"
)

// =============================================================================
// 🔌 call：在双工路由上发起一次请求
// =============================================================================

func newCallCmd(f *rootFlags) *cobra.Command {
	var listen bool
	cmd := &cobra.Command{
		Use:   "call [path] [method] [args...]",
		Short: "Connect to a duplex route and invoke one remote method",
		Long: `Connect to a duplex route, complete the handshake and invoke method with the
given arguments. Each argument is parsed as JSON; anything that is not valid
JSON is sent as a string. The result is printed as JSON. With --listen the
connection stays open afterwards and every pushed payload is printed until
the peer closes or the command is interrupted.`,
		Args: cobra.MinimumNArgs(2),
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
			rt := route.NewDuplex(f.domain, argv[0], f.presets...)

			err = a.run(ctx, func(ctx context.Context) error {
				return callOnce(ctx, a, rt, args, argv[1], parseCallArgs(argv[2:]), listen, cmd.OutOrStdout())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&listen, "listen", false, "keep the connection open and print pushed payloads")
	return cmd
}

func callOnce(ctx context.Context, a *app, rt route.Route, args client.Args, method string, callArgs []any, listen bool, out io.Writer) error {
	opts := duplexOptions(a.cfg.Duplex)
	if listen {
		// 推送与结果由不同 goroutine 输出
		out = &lockedWriter{w: out}
		opts.OnReceive = func(_ context.Context, payload json.RawMessage) {
			fmt.Fprintln(out, string(payload))
		}
	}

	conn, err := a.requester.Connect(ctx, rt, args, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := conn.Request(ctx, method, callArgs...)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, string(result)); err != nil {
		return err
	}

	if !listen {
		return nil
	}
	a.logger.Info("listening for pushed payloads", zap.String("path", rt.Path))
	if err := conn.Wait(ctx); err != nil && !errors.Is(err, duplex.ErrTransportClosed) {
		return err
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// parseCallArgs 将每个参数解析为 JSON，解析失败时按字符串发送
func parseCallArgs(argv []string) []any {
	out := make([]any, 0, len(argv))
	for _, s := range argv {
		if json.Valid([]byte(s)) {
			out = append(out, json.RawMessage(s))
			continue
		}
		out = append(out, s)
	}
	return out
}
