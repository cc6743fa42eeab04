package route

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/routeclient/types"
)

const (
	patternPrefix  = "pattern:"
	redirectPrefix = "#"
	// maxRedirects bounds a chain of "#name" redirects.
	maxRedirects = 10
)

type hostPattern struct {
	re   *regexp.Regexp
	host string
}

// HostResolver picks the base url of a route. Mapping keys are domain names,
// or "pattern:<regexp>" matched against the route path. A value "#name"
// redirects to the mapping entry name. Everything is resolved up front, so
// a bad mapping fails at construction.
type HostResolver struct {
	fallback string
	domains  map[string]string
	patterns []hostPattern
}

// NewHostResolver builds a resolver. Patterns are tried in key order.
func NewHostResolver(fallback string, mapping map[string]string) (*HostResolver, error) {
	known := make(map[string]string, len(mapping))
	var patternKeys []string
	for k, v := range mapping {
		if strings.HasPrefix(k, patternPrefix) {
			patternKeys = append(patternKeys, k)
			continue
		}
		known[k] = v
	}
	sort.Strings(patternKeys)

	h := &HostResolver{
		fallback: fallback,
		domains:  make(map[string]string, len(known)),
	}
	for name := range known {
		host, err := follow(known, name, 0)
		if err != nil {
			return nil, err
		}
		h.domains[name] = host
	}

	for _, k := range patternKeys {
		re, err := regexp.Compile(strings.TrimPrefix(k, patternPrefix))
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRoute, fmt.Sprintf("invalid host pattern %q", k)).WithCause(err)
		}
		host := mapping[k]
		if target, ok := strings.CutPrefix(host, redirectPrefix); ok {
			if host, err = follow(known, target, 0); err != nil {
				return nil, err
			}
		}
		h.patterns = append(h.patterns, hostPattern{re: re, host: host})
	}
	return h, nil
}

func follow(known map[string]string, name string, depth int) (string, error) {
	if depth > maxRedirects {
		return "", types.NewError(types.ErrInvalidRoute, "maximum host redirect depth reached")
	}
	host, ok := known[name]
	if !ok {
		return "", types.NewError(types.ErrRouteNotFound, fmt.Sprintf("unknown host name %q", name))
	}
	next, ok := strings.CutPrefix(host, redirectPrefix)
	if !ok {
		return host, nil
	}
	if next == name {
		return "", types.NewError(types.ErrInvalidRoute, fmt.Sprintf("host %q redirects to itself", name))
	}
	return follow(known, next, depth+1)
}

// Resolve returns the first matching pattern host, then the route domain's
// host, then the fallback.
func (h *HostResolver) Resolve(r Route) string {
	for _, p := range h.patterns {
		if p.re.MatchString(r.Path) {
			return p.host
		}
	}
	if host, ok := h.domains[r.Domain]; ok {
		return host
	}
	return h.fallback
}
