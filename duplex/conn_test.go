package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/routeclient/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// fakePeer drives the server side of a Pipe. Its helpers must only be called
// from the test goroutine.
type fakePeer struct {
	t  *testing.T
	tr Transport
}

func (p *fakePeer) send(f *Frame) {
	p.t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(p.t, err)
	require.NoError(p.t, p.tr.Send(context.Background(), data))
}

func (p *fakePeer) recv() *Frame {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.tr.Receive(ctx)
	require.NoError(p.t, err)
	f, err := DecodeFrame(data)
	require.NoError(p.t, err)
	return f
}

type dialResult struct {
	conn *Conn
	err  error
}

func startDial(ctx context.Context, tr Transport, opts Options) <-chan dialResult {
	ch := make(chan dialResult, 1)
	go func() {
		c, err := Dial(ctx, tr, opts)
		ch <- dialResult{conn: c, err: err}
	}()
	return ch
}

// connect completes the full handshake and returns a ready Conn.
func connect(t *testing.T, opts Options) (*Conn, *fakePeer) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client, server := Pipe()
	peer := &fakePeer{t: t, tr: server}
	ch := startDial(context.Background(), client, opts)

	peer.send(&Frame{Type: FrameNeedHeader})
	require.Equal(t, FrameHeader, peer.recv().Type)
	peer.send(&Frame{Type: FrameServerReady})
	require.Equal(t, FrameClientReady, peer.recv().Type)
	peer.send(&Frame{Type: FrameComplete})

	res := <-ch
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.conn.Close() })
	return res.conn, peer
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

// =============================================================================
// 🤝 握手
// =============================================================================

func TestDial_Handshake(t *testing.T) {
	client, server := Pipe()
	peer := &fakePeer{t: t, tr: server}
	ch := startDial(context.Background(), client, Options{
		Header: map[string]string{"authorization": "bearer abc"},
	})

	peer.send(&Frame{Type: FrameNeedHeader})
	hdr := peer.recv()
	require.Equal(t, FrameHeader, hdr.Type)
	var got map[string]string
	require.NoError(t, json.Unmarshal(hdr.Header, &got))
	assert.Equal(t, map[string]string{"authorization": "bearer abc"}, got)

	peer.send(&Frame{Type: FrameServerReady})
	assert.Equal(t, FrameClientReady, peer.recv().Type)
	peer.send(&Frame{Type: FrameComplete})

	res := <-ch
	require.NoError(t, res.err)
	defer res.conn.Close()
	assert.Equal(t, StageReady, res.conn.Stage())
}

func TestDial_EmptyHeaderIsObject(t *testing.T) {
	client, server := Pipe()
	peer := &fakePeer{t: t, tr: server}
	ch := startDial(context.Background(), client, Options{})

	peer.send(&Frame{Type: FrameNeedHeader})
	hdr := peer.recv()
	assert.JSONEq(t, `{}`, string(hdr.Header))
	peer.send(&Frame{Type: FrameComplete})

	res := <-ch
	require.NoError(t, res.err)
	res.conn.Close()
}

func TestDial_LegacyComplete(t *testing.T) {
	client, server := Pipe()
	peer := &fakePeer{t: t, tr: server}
	ch := startDial(context.Background(), client, Options{})

	peer.send(&Frame{Type: FrameNeedHeader})
	require.Equal(t, FrameHeader, peer.recv().Type)
	peer.send(&Frame{Type: FrameComplete})

	res := <-ch
	require.NoError(t, res.err)
	defer res.conn.Close()
	assert.Equal(t, StageReady, res.conn.Stage())
}

func TestDial_UnexpectedFrame(t *testing.T) {
	tests := []struct {
		name   string
		frames []FrameType
	}{
		{name: "ready before header", frames: []FrameType{FrameServerReady}},
		{name: "complete before header", frames: []FrameType{FrameComplete}},
		{name: "steady frame in handshake", frames: []FrameType{FrameSend}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := Pipe()
			peer := &fakePeer{t: t, tr: server}
			ch := startDial(context.Background(), client, Options{})
			for _, ft := range tt.frames {
				peer.send(&Frame{Type: ft})
			}

			res := <-ch
			require.Error(t, res.err)
			assert.True(t, errors.Is(res.err, types.ErrProtocol))
			assert.Nil(t, res.conn)

			_, err := server.Receive(context.Background())
			assert.ErrorIs(t, err, ErrTransportClosed)
		})
	}
}

func TestDial_HandshakeTimeout(t *testing.T) {
	client, _ := Pipe()
	start := time.Now()
	_, err := Dial(context.Background(), client, Options{HandshakeTimeout: 30 * time.Millisecond})
	require.Error(t, err)

	var te *types.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 30*time.Millisecond, te.ExpireDuration)
	assert.True(t, errors.Is(err, types.ErrDeadline))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDial_ContextCanceled(t *testing.T) {
	client, _ := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, client, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// 📨 请求 / 响应
// =============================================================================

func TestConn_ConcurrentRequests(t *testing.T) {
	c, peer := connect(t, Options{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Call[int](context.Background(), c, "double", i)
		}(i)
	}

	reqs := make([]*Frame, 0, n)
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		f := peer.recv()
		require.Equal(t, FrameReq, f.Type)
		require.Equal(t, "double", f.Method)
		require.False(t, ids[f.ID], "ids must be unique")
		ids[f.ID] = true
		reqs = append(reqs, f)
	}

	// 逆序回复
	for i := len(reqs) - 1; i >= 0; i-- {
		args, err := DecodeArgs(reqs[i].Args)
		require.NoError(t, err)
		require.Len(t, args, 1)
		var v int
		require.NoError(t, json.Unmarshal(args[0], &v))
		peer.send(&Frame{Type: FrameRes, ID: reqs[i].ID, Result: json.RawMessage(fmt.Sprint(v * 2))})
	}

	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i*2, results[i])
	}
	assert.Equal(t, 0, c.Pending())
}

func TestConn_RequestWithoutArgsSendsEmptyArray(t *testing.T) {
	c, peer := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "ping")
		done <- err
	}()

	f := peer.recv()
	assert.JSONEq(t, `[]`, string(f.Args))
	peer.send(&Frame{Type: FrameRes, ID: f.ID})
	require.NoError(t, <-done)
}

func TestConn_RemoteError(t *testing.T) {
	c, peer := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "fail")
		done <- err
	}()

	f := peer.recv()
	peer.send(&Frame{Type: FrameRes, ID: f.ID, Error: "boom"})

	err := <-done
	require.Error(t, err)
	assert.Equal(t, types.ErrRemote, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "boom")

	select {
	case <-c.Done():
		t.Fatal("remote error must not close the connection")
	default:
	}
}

func TestConn_CloseRejectsPending(t *testing.T) {
	c, peer := connect(t, Options{})

	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	const k = 5
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := c.Request(context.Background(), "slow")
			errs <- err
		}()
	}
	for i := 0; i < k; i++ {
		require.Equal(t, FrameReq, peer.recv().Type)
	}
	require.Equal(t, k, c.Pending())

	require.NoError(t, c.Close())
	for i := 0; i < k; i++ {
		err := <-errs
		assert.True(t, errors.Is(err, types.ErrAbort), "got %v", err)
	}
	assert.Equal(t, 0, c.Pending())
	assert.Nil(t, c.Err())
	assert.Nil(t, <-closed)
	assert.Equal(t, StageClosed, c.Stage())

	// idempotent
	require.NoError(t, c.Close())
}

func TestConn_RequestAfterClose(t *testing.T) {
	c, _ := connect(t, Options{})
	require.NoError(t, c.Close())

	_, err := c.Request(context.Background(), "x")
	assert.True(t, errors.Is(err, types.ErrAbort))
	assert.True(t, errors.Is(c.Send(context.Background(), "x"), types.ErrAbort))
}

func TestConn_OnCloseAfterClose(t *testing.T) {
	c, _ := connect(t, Options{})
	require.NoError(t, c.Close())

	called := false
	c.OnClose(func(err error) {
		called = true
		assert.NoError(t, err)
	})
	assert.True(t, called)
}

func TestConn_RequestContextCanceled(t *testing.T) {
	c, peer := connect(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "slow")
		done <- err
	}()

	f := peer.recv()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.Pending(), "a cancelled call is no longer pending")

	// 迟到的回复被丢弃，连接保持打开
	peer.send(&Frame{Type: FrameRes, ID: f.ID, Result: json.RawMessage(`1`)})
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-c.Done():
		t.Fatalf("late reply closed the connection: %v", c.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_UnknownResponseID(t *testing.T) {
	c, peer := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "pending")
		done <- err
	}()
	peer.recv()

	peer.send(&Frame{Type: FrameRes, ID: "never-issued", Result: json.RawMessage(`1`)})
	waitDone(t, c)

	assert.True(t, errors.Is(c.Err(), types.ErrProtocol))
	assert.True(t, errors.Is(<-done, types.ErrAbort))
	assert.Equal(t, 0, c.Pending())
}

func TestConn_MalformedFrameCloses(t *testing.T) {
	c, peer := connect(t, Options{})

	require.NoError(t, peer.tr.Send(context.Background(), []byte("{not json")))
	waitDone(t, c)
	assert.True(t, errors.Is(c.Err(), types.ErrProtocol))
}

func TestConn_TransportLoss(t *testing.T) {
	c, peer := connect(t, Options{})

	require.NoError(t, peer.tr.Close())
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrTransportClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), ErrTransportClosed)
}

// =============================================================================
// 🛎️ 对端请求与推送
// =============================================================================

func TestConn_ServesRequests(t *testing.T) {
	c, peer := connect(t, Options{
		Handlers: map[string]RequestHandler{
			"add": func(ctx context.Context, args []json.RawMessage) (any, error) {
				var a, b int
				if err := json.Unmarshal(args[0], &a); err != nil {
					return nil, err
				}
				if err := json.Unmarshal(args[1], &b); err != nil {
					return nil, err
				}
				return a + b, nil
			},
		},
	})
	c.OnRequest("fail", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, errors.New("nope")
	})
	c.OnRequest("panic", func(ctx context.Context, args []json.RawMessage) (any, error) {
		panic("kaboom")
	})

	peer.send(&Frame{Type: FrameReq, ID: "r1", Method: "add", Args: json.RawMessage(`[1,2]`)})
	res := peer.recv()
	assert.Equal(t, FrameRes, res.Type)
	assert.Equal(t, "r1", res.ID)
	assert.JSONEq(t, `3`, string(res.Result))
	assert.Empty(t, res.Error)

	peer.send(&Frame{Type: FrameReq, ID: "r2", Method: "fail", Args: json.RawMessage(`[]`)})
	res = peer.recv()
	assert.Equal(t, "r2", res.ID)
	assert.Equal(t, "nope", res.Error)

	peer.send(&Frame{Type: FrameReq, ID: "r3", Method: "panic"})
	res = peer.recv()
	assert.Equal(t, "r3", res.ID)
	assert.Contains(t, res.Error, "kaboom")
}

func TestConn_MissingHandlerCloses(t *testing.T) {
	c, peer := connect(t, Options{})

	peer.send(&Frame{Type: FrameReq, ID: "r1", Method: "unknown"})
	waitDone(t, c)
	assert.True(t, errors.Is(c.Err(), types.ErrProtocol))
}

func TestConn_SendReceiveOrder(t *testing.T) {
	got := make(chan int, 32)
	c, peer := connect(t, Options{
		OnReceive: func(ctx context.Context, payload json.RawMessage) {
			var v int
			if err := json.Unmarshal(payload, &v); err == nil {
				got <- v
			}
		},
	})

	const n = 20
	for i := 0; i < n; i++ {
		peer.send(&Frame{Type: FrameSend, Payload: json.RawMessage(fmt.Sprint(i))})
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("payload %d not delivered", i)
		}
	}

	require.NoError(t, c.Send(context.Background(), map[string]string{"hello": "world"}))
	f := peer.recv()
	assert.Equal(t, FrameSend, f.Type)
	assert.JSONEq(t, `{"hello":"world"}`, string(f.Payload))
}

func TestConn_ReceiveWithoutHandlerDrops(t *testing.T) {
	c, peer := connect(t, Options{})

	peer.send(&Frame{Type: FrameSend, Payload: json.RawMessage(`1`)})

	got := make(chan struct{}, 2)
	c.OnReceive(func(ctx context.Context, payload json.RawMessage) { got <- struct{}{} })
	peer.send(&Frame{Type: FrameSend, Payload: json.RawMessage(`2`)})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered after handler was set")
	}
}

func TestConn_FullInboxDoesNotStallReplies(t *testing.T) {
	c, peer := connect(t, Options{InboxSize: 1})

	type echo struct {
		value json.RawMessage
		err   error
	}
	results := make(chan echo, 1)
	seen := make(chan string, 8)
	c.OnReceive(func(ctx context.Context, payload json.RawMessage) {
		seen <- string(payload)
		if string(payload) != "0" {
			return
		}
		// 处理器内发起请求，期间对端继续推送
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		v, err := c.Request(reqCtx, "echo")
		results <- echo{value: v, err: err}
	})

	peer.send(&Frame{Type: FrameSend, Payload: json.RawMessage(`0`)})
	req := peer.recv()
	require.Equal(t, FrameReq, req.Type)
	for i := 1; i <= 3; i++ {
		peer.send(&Frame{Type: FrameSend, Payload: json.RawMessage(fmt.Sprint(i))})
	}
	peer.send(&Frame{Type: FrameRes, ID: req.ID, Result: json.RawMessage(`"pong"`)})

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.JSONEq(t, `"pong"`, string(res.value))
	case <-time.After(3 * time.Second):
		t.Fatal("reply was not dispatched while the receive handler was busy")
	}

	assert.Equal(t, "0", <-seen)
	select {
	case v := <-seen:
		assert.Equal(t, "3", v, "the newest payload survives")
	case <-time.After(2 * time.Second):
		t.Fatal("queued payload not delivered")
	}
	assert.Equal(t, int64(2), c.Dropped())
	assert.Equal(t, 0, c.Pending())
}
