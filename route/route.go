package route

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/BaSui01/routeclient/types"
)

// Kind selects the transport a route is served over.
type Kind string

const (
	KindStream Kind = "stream"
	KindDuplex Kind = "duplex"
)

// PresetJWTBearer makes the requester send "authorization: bearer <token>".
const PresetJWTBearer = "jwt-bearer"

// Route describes one remote endpoint.
type Route struct {
	Kind    Kind     `json:"kind" yaml:"kind"`
	Domain  string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path    string   `json:"path" yaml:"path"`
	Presets []string `json:"presets,omitempty" yaml:"presets,omitempty"`
}

// NewStream creates a stream route.
func NewStream(domain, path string, presets ...string) Route {
	return Route{Kind: KindStream, Domain: domain, Path: path, Presets: presets}
}

// NewDuplex creates a duplex route.
func NewDuplex(domain, path string, presets ...string) Route {
	return Route{Kind: KindDuplex, Domain: domain, Path: path, Presets: presets}
}

// HasPreset reports whether preset is enabled on the route.
func (r Route) HasPreset(preset string) bool {
	return slices.Contains(r.Presets, preset)
}

// Validate checks the route kind.
func (r Route) Validate() error {
	switch r.Kind {
	case KindStream, KindDuplex:
		return nil
	default:
		return types.NewError(types.ErrInvalidRoute, fmt.Sprintf("unknown route kind %q", r.Kind))
	}
}

// BuildURL joins host and an already resolved path and attaches query.
func BuildURL(host, path string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(host, "/") + path)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRoute, "invalid url").WithCause(err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, types.NewError(types.ErrInvalidRoute, fmt.Sprintf("host %q is not an absolute url", host))
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u, nil
}

// ToWebSocket maps http to ws and https to wss. ws and wss pass through.
func ToWebSocket(u *url.URL) (*url.URL, error) {
	out := *u
	switch u.Scheme {
	case "http":
		out.Scheme = "ws"
	case "https":
		out.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, types.NewError(types.ErrInvalidRoute, fmt.Sprintf("unexpected url scheme %q", u.Scheme))
	}
	return &out, nil
}
