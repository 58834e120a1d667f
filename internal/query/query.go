package query

import (
	"net/url"
	"sort"

	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

// Settings carries the deployment-wide paging limits, named after the
// NMOS Query API's own query_paging_default/query_paging_limit
// settings.
type Settings struct {
	DefaultLimit int
	MaxLimit     int
}

// Result is the outcome of running one request against the store: the
// matching resources for the requested page, in descending display
// order, and the Page bounds for header construction.
type Result struct {
	Resources []*model.Resource
	Page      Page
}

// Run parses values as a Query API request against resourceType (or
// every resource in the store, of any type, if resourceType is empty — the root listing
// endpoints never apply, since the index only lists resource types),
// applies the Filter, and pages the matches.
func Run(s *store.Store, values url.Values, resourcePath string, resourceType model.ResourceType, requested model.APIVersion, settings Settings) (Result, error) {
	filter, err := Parse(values, resourcePath, requested)
	if err != nil {
		return Result{}, err
	}
	paging, err := ParsePaging(values, settings.DefaultLimit, settings.MaxLimit)
	if err != nil {
		return Result{}, err
	}

	var candidates []*model.Resource
	if resourceType != "" {
		candidates = s.FindByType(resourceType)
	} else {
		candidates = s.FindIf(func(r *model.Resource) bool { return true })
	}

	matched := candidates[:0:0]
	for _, r := range candidates {
		if filter.Match(r) {
			matched = append(matched, r)
		}
	}

	page := Select(matched, paging, s.MostRecentUpdate())

	byID := make(map[string]*model.Resource, len(matched))
	for _, r := range matched {
		byID[r.ID] = r
	}
	resources := make([]*model.Resource, 0, len(page.IDs))
	for _, id := range page.IDs {
		resources = append(resources, byID[id])
	}

	return Result{Resources: resources, Page: page}, nil
}

// SortByID is a small helper for tests and handlers that want a stable
// secondary order when timestamps tie.
func SortByID(rs []*model.Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
