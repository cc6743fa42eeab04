package route

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/BaSui01/routeclient/types"
)

var paramPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// ResolvePath substitutes every ":name" segment of path with the escaped
// params[name]. The result always starts with "/".
func ResolvePath(path string, params map[string]string) (string, error) {
	names := Params(path)
	for _, name := range names {
		if _, ok := params[name]; !ok {
			return "", types.NewError(types.ErrInvalidRoute, fmt.Sprintf(
				"url parameter %q not found, route %s needs %s", name, path, strings.Join(names, ", ")))
		}
	}
	out := paramPattern.ReplaceAllStringFunc(path, func(m string) string {
		return url.PathEscape(params[m[1:]])
	})
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out, nil
}

// Params lists the parameter names in path, in order of appearance.
func Params(path string) []string {
	matches := paramPattern.FindAllStringSubmatch(path, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}
