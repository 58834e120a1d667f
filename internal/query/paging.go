package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/nmos-node/core/internal/model"
)

// Order selects which Resource Store index a page is cursored against.
type Order string

const (
	OrderUpdate Order = "update"
	OrderCreate Order = "create"
)

// PagingParams is one request's parsed paging.* parameters.
type PagingParams struct {
	Since *model.Timestamp
	Until *model.Timestamp
	Limit int
	Order Order
}

// ParsePaging extracts paging.* from a flat query parameter set.
// defaultLimit and maxLimit correspond to the deployment's
// query_paging_default and query_paging_limit settings; Limit is
// clamped to [1, maxLimit].
func ParsePaging(values url.Values, defaultLimit, maxLimit int) (PagingParams, error) {
	p := PagingParams{Limit: defaultLimit, Order: OrderUpdate}

	if v := values.Get("paging.order"); v != "" {
		switch Order(v) {
		case OrderUpdate, OrderCreate:
			p.Order = Order(v)
		default:
			return p, fmt.Errorf("paging.order: invalid value %q", v)
		}
	}

	if v := values.Get("paging.since"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return p, fmt.Errorf("paging.since: %w", err)
		}
		p.Since = &ts
	}

	if v := values.Get("paging.until"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return p, fmt.Errorf("paging.until: %w", err)
		}
		p.Until = &ts
	}

	if v := values.Get("paging.limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("paging.limit: %w", err)
		}
		p.Limit = n
	}

	if p.Limit < 1 {
		p.Limit = 1
	}
	if maxLimit > 0 && p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	return p, nil
}

func parseTimestamp(s string) (model.Timestamp, error) {
	var ts model.Timestamp
	if _, err := fmt.Sscanf(s, "%d:%d", &ts.Sec, &ts.Nsec); err != nil {
		return ts, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}

// Page is the result of cursor-based pagination: the matching resource
// ids in descending display order, plus the bounds to embed in
// X-Paging-* response headers and the prev/next Link headers the
// caller builds from them (no first or last link is built).
//
// HighestUpdated and LowestUpdated are the timestamps (by the chosen
// order field) of the first and last entries actually returned — the
// api package's Link builder uses LowestUpdated as the next page's
// paging.since (continue catching up from here) and HighestUpdated as
// the prev page's paging.until.
type Page struct {
	IDs   []string
	Since model.Timestamp
	Until model.Timestamp
	Limit int

	HighestUpdated model.Timestamp
	LowestUpdated  model.Timestamp
	Empty          bool
}

// Select applies a PagingParams to a set of candidate resources
// (already filtered by the basic/RQL predicate), returning the page in
// descending order by the chosen timestamp field.
//
// paging.until is capped at mostRecentUpdate per the API contract.
// When only one bound is given, the page is anchored at that bound:
// a since-only request returns the oldest limit resources newer than
// since (so that repeated polling with since set to the bottom of the
// last page catches up on changes without missing or repeating any);
// a until-only or unbounded request returns the newest limit resources
// at or before until, matching a client's first view of the live set.
func Select(candidates []*model.Resource, p PagingParams, mostRecentUpdate model.Timestamp) Page {
	field := func(r *model.Resource) model.Timestamp { return r.Updated }
	if p.Order == OrderCreate {
		field = func(r *model.Resource) model.Timestamp { return r.Created }
	}

	until := p.Until
	if until == nil || until.After(mostRecentUpdate) {
		capped := mostRecentUpdate
		until = &capped
	}

	var inRange []*model.Resource
	for _, r := range candidates {
		ts := field(r)
		if p.Since != nil && !ts.After(*p.Since) {
			continue
		}
		if ts.After(*until) {
			continue
		}
		inRange = append(inRange, r)
	}

	ascending := p.Since != nil && p.Until == nil
	if ascending {
		sort.Slice(inRange, func(i, j int) bool { return field(inRange[i]).Before(field(inRange[j])) })
	} else {
		sort.Slice(inRange, func(i, j int) bool { return field(inRange[j]).Before(field(inRange[i])) })
	}

	if len(inRange) > p.Limit {
		inRange = inRange[:p.Limit]
	}
	if ascending {
		// Display is always newest-first regardless of which side the
		// page was anchored from.
		reverse(inRange)
	}

	page := Page{Limit: p.Limit, Empty: len(inRange) == 0}
	if p.Since != nil {
		page.Since = *p.Since
	}
	page.Until = *until
	if len(inRange) > 0 {
		page.HighestUpdated = field(inRange[0])
		page.LowestUpdated = field(inRange[len(inRange)-1])
	}
	for _, r := range inRange {
		page.IDs = append(page.IDs, r.ID)
	}
	return page
}

func reverse(rs []*model.Resource) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}
