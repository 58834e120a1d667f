package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nmos-node/core/internal/query"
)

// setPagingHeaders writes the X-Paging-* headers and the RFC 5988 Link
// header (rel=next/prev) that let a client page forward through a
// collection without re-deriving cursor arithmetic itself. requestPath
// and requestQuery are the request's own path and parsed query values;
// only the paging.* parameters are rewritten per relation.
func setPagingHeaders(c headerWriter, requestPath string, requestQuery url.Values, page query.Page) {
	c.Header("X-Paging-Limit", strconv.Itoa(page.Limit))
	c.Header("X-Paging-Since", page.Since.String())
	c.Header("X-Paging-Until", page.Until.String())

	if page.Empty {
		return
	}

	links := []string{
		linkRel(requestPath, requestQuery, "until", page.HighestUpdated.String(), "prev"),
		linkRel(requestPath, requestQuery, "since", page.LowestUpdated.String(), "next"),
	}
	c.Header("Link", strings.Join(links, ", "))
}

// headerWriter is the subset of gin.Context this file needs, kept
// narrow so linkheader_test.go can exercise it without a real request.
type headerWriter interface {
	Header(key, value string)
}

func linkRel(path string, query url.Values, pagingKey, pagingValue, rel string) string {
	q := cloneValues(query)
	q.Del("paging.since")
	q.Del("paging.until")
	q.Set("paging."+pagingKey, pagingValue)
	return fmt.Sprintf(`<%s?%s>; rel="%s"`, path, q.Encode(), rel)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
