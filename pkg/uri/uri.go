// Package uri parses request paths and query strings into an immutable Uri value.
package uri

import (
	"fmt"
	"net/url"
	"strings"
)

const logPrefix = "uri:uri"

// Param is a single name/value query parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Uri is a parsed request target. Path always carries a leading "/".
// Params keeps the order of the query string; duplicate names are allowed.
type Uri struct {
	Path   string  `json:"path"`
	Query  string  `json:"query,omitempty"`
	Params []Param `json:"queryParameters,omitempty"`
}

// Parse splits raw into path and query parameters.
// Query names and values are unescaped; the path is kept as given and decoded per
// segment by Segments.
func Parse(raw string) (Uri, error) {
	path, query, hasQuery := strings.Cut(raw, "?")
	if i := strings.IndexByte(path, '#'); i >= 0 {
		path = path[:i]
	}
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := Uri{Path: path}
	if !hasQuery || query == "" {
		return u, nil
	}
	u.Query = query

	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		n, err := url.QueryUnescape(name)
		if err != nil {
			return Uri{}, fmt.Errorf("%s - invalid query parameter name %q: %w", logPrefix, name, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return Uri{}, fmt.Errorf("%s - invalid query parameter value for %q: %w", logPrefix, n, err)
		}
		if n == "" {
			continue
		}
		u.Params = append(u.Params, Param{Name: n, Value: v})
	}
	return u, nil
}

// MustParse is Parse for literals known to be valid; it panics on error.
func MustParse(raw string) Uri {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Get returns the first parameter with exactly the given name.
func (u Uri) Get(name string) (string, bool) {
	for _, p := range u.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// GetFold returns the first parameter whose name matches case-insensitively.
func (u Uri) GetFold(name string) (string, bool) {
	for _, p := range u.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Names returns the lower-cased set of supplied parameter names.
func (u Uri) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(u.Params))
	for _, p := range u.Params {
		names[strings.ToLower(p.Name)] = struct{}{}
	}
	return names
}

// Segments splits the path into its non-empty tokens. A trailing slash is ignored.
// Each token is percent-decoded, so "/u/j%C3%B6hn" and "/u/jöhn" give the same
// segments; a token that is not valid escaping is kept as given.
func (u Uri) Segments() []string {
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return nil
	}
	segs := strings.Split(trimmed, "/")
	for i, s := range segs {
		if !strings.ContainsRune(s, '%') {
			continue
		}
		if dec, err := url.PathUnescape(s); err == nil {
			segs[i] = dec
		}
	}
	return segs
}

// String renders the uri back to path[?query].
func (u Uri) String() string {
	if u.Query == "" && len(u.Params) == 0 {
		return u.Path
	}
	if u.Query != "" {
		return u.Path + "?" + u.Query
	}
	parts := make([]string, 0, len(u.Params))
	for _, p := range u.Params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return u.Path + "?" + strings.Join(parts, "&")
}

// With returns a copy of u with an extra parameter appended.
func (u Uri) With(name, value string) Uri {
	params := make([]Param, len(u.Params), len(u.Params)+1)
	copy(params, u.Params)
	params = append(params, Param{Name: name, Value: value})
	return Uri{Path: u.Path, Params: params}
}
