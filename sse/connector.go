package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/routeclient/internal/tlsutil"
)

// ResumeHeader carries the resume token on reconnect.
const ResumeHeader = "last-send-id"

// Request describes one connect attempt.
type Request struct {
	URL    string
	Header http.Header
}

// Response is the outcome of a connect attempt. Body is only read when
// StatusCode is 200 and must always be closed by the session.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Connector opens the byte stream behind a session. The body must stop
// producing data once ctx is cancelled. A Connect call that outlives the
// open deadline or the session is abandoned and its late body closed.
type Connector interface {
	Connect(ctx context.Context, req *Request) (*Response, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, req *Request) (*Response, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPConnector issues GET requests with an http.Client.
type HTTPConnector struct {
	Client *http.Client
}

// NewHTTPConnector creates a connector on a hardened streaming client.
func NewHTTPConnector(opts tlsutil.Options) (*HTTPConnector, error) {
	client, err := tlsutil.StreamingHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPConnector{Client: client}, nil
}

// Connect implements Connector.
func (c *HTTPConnector) Connect(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
