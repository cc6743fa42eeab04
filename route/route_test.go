package route

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/BaSui01/routeclient/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHostResolver(t *testing.T) {
	noOption, err := NewHostResolver("http://fallback.com", nil)
	require.NoError(t, err)

	h, err := NewHostResolver("http://fallback.com", map[string]string{
		"base":               "http://base.com",
		"rebase":             "#base",
		"pattern:^/hello":    "http://hello.com",
		"redirect":           "#rebase",
		"pattern:^/redirect": "#redirect",
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		resolver *HostResolver
		route    Route
		want     string
	}{
		{name: "no mapping", resolver: noOption, route: NewStream("base", "/hello"), want: "http://fallback.com"},
		{name: "no domain", resolver: h, route: NewStream("", "/"), want: "http://fallback.com"},
		{name: "domain", resolver: h, route: NewStream("base", "/"), want: "http://base.com"},
		{name: "domain redirect", resolver: h, route: NewStream("rebase", "/"), want: "http://base.com"},
		{name: "unknown domain", resolver: h, route: NewStream("unknown", "/"), want: "http://fallback.com"},
		{name: "pattern wins over domain", resolver: h, route: NewStream("base", "/hello"), want: "http://hello.com"},
		{name: "pattern redirect", resolver: h, route: NewDuplex("base", "/redirect"), want: "http://base.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resolver.Resolve(tt.route))
		})
	}
}

func TestHostResolver_Errors(t *testing.T) {
	chain := map[string]string{"r0": "http://r0.com"}
	for i := 1; i <= 11; i++ {
		chain[fmt.Sprintf("r%d", i)] = fmt.Sprintf("#r%d", i-1)
	}

	tests := []struct {
		name    string
		mapping map[string]string
	}{
		{name: "redirect chain too deep", mapping: chain},
		{name: "self redirect", mapping: map[string]string{"r0": "#r0"}},
		{name: "unknown target", mapping: map[string]string{"r0": "#unknown"}},
		{name: "pattern to unknown target", mapping: map[string]string{"pattern:^/": "#unknown"}},
		{name: "bad pattern", mapping: map[string]string{"pattern:(": "http://x.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHostResolver("", tt.mapping)
			assert.Error(t, err)
		})
	}
}

func TestHostResolver_MaxDepthAllowed(t *testing.T) {
	chain := map[string]string{"r0": "http://r0.com"}
	for i := 1; i <= 10; i++ {
		chain[fmt.Sprintf("r%d", i)] = fmt.Sprintf("#r%d", i-1)
	}
	h, err := NewHostResolver("", chain)
	require.NoError(t, err)
	assert.Equal(t, "http://r0.com", h.Resolve(NewStream("r10", "/")))
}

func TestResolvePath(t *testing.T) {
	got, err := ResolvePath("/:p0/:p1", map[string]string{"p0": "1", "p1": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "/1/hello", got)

	got, err = ResolvePath("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	got, err = ResolvePath("users/:id", map[string]string{"id": "a b/c"})
	require.NoError(t, err)
	assert.Equal(t, "/users/a%20b%2Fc", got)

	_, err = ResolvePath("/:p0", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRoute, types.GetErrorCode(err))

	_, err = ResolvePath("/rooms/:room/:msg", map[string]string{"room": "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"msg" not found`)
	assert.Contains(t, err.Error(), "needs room, msg")

	assert.Equal(t, []string{"p0", "p1"}, Params("/:p0/x/:p1"))
}

func TestResolvePath_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.String().Draw(t, "value")
		got, err := ResolvePath("/items/:id/detail", map[string]string{"id": value})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		u, err := url.Parse("http://h" + got)
		if err != nil {
			t.Fatalf("parse %q: %v", got, err)
		}
		want := "/items/" + value + "/detail"
		if u.Path != want {
			t.Fatalf("path %q decoded to %q, want %q", got, u.Path, want)
		}
	})
}

func TestBuildURL(t *testing.T) {
	u, err := BuildURL("http://example.com/", "/a/b", url.Values{"q": {"1 2"}})
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a/b?q=1+2", u.String())

	_, err = BuildURL("example.com", "/a", nil)
	assert.Error(t, err)
}

func TestToWebSocket(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://h/x?a=1", want: "ws://h/x?a=1"},
		{in: "https://h/x", want: "wss://h/x"},
		{in: "wss://h/x", want: "wss://h/x"},
		{in: "ftp://h/x", wantErr: true},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		require.NoError(t, err)
		got, err := ToWebSocket(u)
		if tt.wantErr {
			assert.True(t, errors.Is(err, types.NewError(types.ErrInvalidRoute, "")))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String())
	}
}

func TestRoute_Validate(t *testing.T) {
	assert.NoError(t, NewStream("", "/").Validate())
	assert.NoError(t, NewDuplex("", "/", PresetJWTBearer).Validate())
	assert.Error(t, Route{Kind: "rest"}.Validate())
	assert.True(t, NewDuplex("", "/", PresetJWTBearer).HasPreset(PresetJWTBearer))
}
