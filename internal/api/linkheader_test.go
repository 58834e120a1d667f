package api

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/query"
)

type fakeHeaderWriter struct {
	headers map[string]string
}

func (f *fakeHeaderWriter) Header(key, value string) {
	if f.headers == nil {
		f.headers = map[string]string{}
	}
	f.headers[key] = value
}

func TestSetPagingHeaders_EmptyPageSkipsLink(t *testing.T) {
	w := &fakeHeaderWriter{}
	page := query.Page{Empty: true, Limit: 10}

	setPagingHeaders(w, "/x-nmos/query/v1.3/nodes", url.Values{}, page)

	assert.Equal(t, "10", w.headers["X-Paging-Limit"])
	_, hasLink := w.headers["Link"]
	assert.False(t, hasLink)
}

func TestSetPagingHeaders_NonEmptyPageSetsLinkWithSinceAndUntil(t *testing.T) {
	w := &fakeHeaderWriter{}
	page := query.Page{
		Limit:          10,
		HighestUpdated: model.Timestamp{Sec: 100, Nsec: 0},
		LowestUpdated:  model.Timestamp{Sec: 50, Nsec: 0},
	}

	setPagingHeaders(w, "/x-nmos/query/v1.3/nodes", url.Values{"query.rql": {"eq(x,1)"}}, page)

	link := w.headers["Link"]
	assert.Contains(t, link, `rel="prev"`)
	assert.Contains(t, link, `rel="next"`)
	assert.Contains(t, link, "paging.until=100%3A0")
	assert.Contains(t, link, "paging.since=50%3A0")
	assert.Contains(t, link, "query.rql=eq")
}

func TestLinkRel_DropsExistingPagingParams(t *testing.T) {
	q := url.Values{"paging.since": {"1:0"}, "paging.until": {"2:0"}, "paging.limit": {"5"}}
	rel := linkRel("/x-nmos/query/v1.3/nodes", q, "since", "9:0", "next")

	assert.Contains(t, rel, "paging.since=9%3A0")
	assert.Contains(t, rel, "paging.limit=5")
	assert.NotContains(t, rel, "paging.until")
}

func TestCloneValues_IsIndependentOfSource(t *testing.T) {
	src := url.Values{"a": {"1"}}
	clone := cloneValues(src)
	clone.Set("a", "2")

	assert.Equal(t, "1", src.Get("a"))
	assert.Equal(t, "2", clone.Get("a"))
}
