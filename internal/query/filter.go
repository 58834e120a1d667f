package query

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nmos-node/core/internal/model"
)

// MatchType captures the query.match_type flags that modify basic-query
// string comparisons.
type MatchType struct {
	Substr bool // JSON-string substring match rather than equality
	ICase  bool // case-insensitive comparison
}

// Filter is a compiled predicate built from one request's flat query
// parameters: the basic equality parameters, any RQL expression tree,
// and the version/downgrade bounds a resource must satisfy.
type Filter struct {
	ResourcePath string
	Basic        map[string][]string
	MatchType    MatchType
	RQL          Expr

	Requested model.APIVersion
	Downgrade *model.APIVersion
}

// Parse splits a flat, URL-decoded query parameter set into a Filter.
// resourcePath is the request's own path (e.g. "/senders"), requested
// is the API version the client asked for (from the request's URL
// version segment, e.g. v1.3).
func Parse(values url.Values, resourcePath string, requested model.APIVersion) (*Filter, error) {
	f := &Filter{
		ResourcePath: resourcePath,
		Basic:        map[string][]string{},
		Requested:    requested,
	}

	for key, vals := range values {
		switch {
		case key == "query.rql":
			if len(vals) == 0 || vals[0] == "" {
				continue
			}
			expr, err := ParseRQL(vals[0])
			if err != nil {
				return nil, fmt.Errorf("query.rql: %w", err)
			}
			f.RQL = expr
		case key == "query.match_type":
			for _, part := range strings.Split(strings.Join(vals, ","), ",") {
				switch strings.TrimSpace(part) {
				case "substr":
					f.MatchType.Substr = true
				case "icase":
					f.MatchType.ICase = true
				}
			}
		case key == "paging.downgrade":
			if len(vals) == 0 || vals[0] == "" {
				continue
			}
			v, err := model.ParseAPIVersion(vals[0])
			if err != nil {
				return nil, fmt.Errorf("paging.downgrade: %w", err)
			}
			f.Downgrade = &v
		case strings.HasPrefix(key, "paging."):
			// Consumed separately by ParsePaging.
		default:
			var flat []string
			for _, v := range vals {
				flat = append(flat, strings.Split(v, ",")...)
			}
			f.Basic[key] = flat
		}
	}

	return f, nil
}

// Match reports whether a resource satisfies the filter: its resource
// path and API version are in range, every basic-query parameter
// matches at least one of its comma-separated alternatives, and any
// RQL expression evaluates true.
func (f *Filter) Match(r *model.Resource) bool {
	if !f.matchResourcePath(r.Type) {
		return false
	}
	if !VersionVisible(r.Version, f.Requested, f.Downgrade) {
		return false
	}

	data := decode(r.Data)
	for path, allowed := range f.Basic {
		actual, ok := getPath(data, path)
		if !ok {
			return false
		}
		if !f.matchesAny(actual, allowed) {
			return false
		}
	}
	if f.RQL != nil && !f.RQL.Eval(data) {
		return false
	}
	return true
}

func (f *Filter) matchResourcePath(t model.ResourceType) bool {
	if f.ResourcePath == "" {
		return true
	}
	return strings.TrimPrefix(f.ResourcePath, "/") == t.PathSegment()
}

func (f *Filter) matchesAny(actual any, allowed []string) bool {
	for _, want := range allowed {
		if f.matchesOne(actual, want) {
			return true
		}
	}
	return false
}

func (f *Filter) matchesOne(actual any, want string) bool {
	a, w := stringify(actual), want
	if f.MatchType.ICase {
		a, w = strings.ToLower(a), strings.ToLower(w)
	}
	if f.MatchType.Substr {
		return strings.Contains(a, w)
	}
	return a == w
}

// VersionVisible reports whether a resource registered at version
// actual is visible to a query requesting requested, optionally
// relaxed by a paging.downgrade floor. Resources in a different major
// version are never visible. A resource at or below the requested
// minor version is always visible (normal backward compatibility); one
// above it is visible only when downgrade is set to a version at or
// below the requested one, i.e. the client has explicitly opted in to
// seeing higher-minor resources downgraded to its own shape.
func VersionVisible(actual, requested model.APIVersion, downgrade *model.APIVersion) bool {
	if actual.Major != requested.Major {
		return false
	}
	if actual.Minor <= requested.Minor {
		return true
	}
	if downgrade == nil {
		return false
	}
	return downgrade.Major == requested.Major && downgrade.Minor <= requested.Minor
}
