// Package registration implements the Node Registration Controller: the
// state machine that discovers a registry, registers this node's
// resource tree with it, keeps it alive with heartbeats, and falls back
// to peer-to-peer operation when no registry can be found.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nmos-node/core/internal/model"
)

// registryClient issues the registration API calls against one
// registry URI, carrying the caller-supplied timeout on every request.
type registryClient struct {
	baseURL string
	http    *http.Client
}

func newRegistryClient(baseURL string) *registryClient {
	return &registryClient{baseURL: baseURL, http: &http.Client{}}
}

// postOutcome distinguishes the three dispositions a registration POST
// can have, matching the per-state contract in full.
type postOutcome int

const (
	postCreated postOutcome = iota // 201
	postStale                      // 200, registry already had a (stale) copy
	postClientError                // 4xx
	postServerError                // 5xx or transport failure
)

// postResource sends the resource as a registration POST.
func (c *registryClient) postResource(ctx context.Context, timeout time.Duration, r *model.Resource) (postOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: string(r.Type), Data: r.Data})
	if err != nil {
		return postServerError, fmt.Errorf("marshal resource: %w", err)
	}

	url := fmt.Sprintf("%s/resource", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return postServerError, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return postServerError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		return postCreated, nil
	case resp.StatusCode == http.StatusOK:
		return postStale, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return postClientError, fmt.Errorf("registry rejected resource %s: %d", r.ID, resp.StatusCode)
	default:
		return postServerError, fmt.Errorf("registry error for resource %s: %d", r.ID, resp.StatusCode)
	}
}

// deleteResource issues the DELETE used both for stale-state recovery
// and for the event pump's "removed" events.
func (c *registryClient) deleteResource(ctx context.Context, timeout time.Duration, typ model.ResourceType, id string) (postOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/resource/%s/%s", c.baseURL, typ.PathSegment(), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return postServerError, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return postServerError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return postCreated, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return postClientError, fmt.Errorf("registry rejected delete of %s: %d", id, resp.StatusCode)
	default:
		return postServerError, fmt.Errorf("registry error deleting %s: %d", id, resp.StatusCode)
	}
}

// heartbeatOutcome distinguishes the dispositions the spec assigns
// distinct transitions to.
type heartbeatOutcome int

const (
	heartbeatOK heartbeatOutcome = iota
	heartbeatGone                // 404: node garbage-collected by the registry
	heartbeatFailed              // 5xx or transport failure
)

func (c *registryClient) heartbeat(ctx context.Context, timeout time.Duration, nodeID string) heartbeatOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/health/nodes/%s", c.baseURL, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return heartbeatFailed
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return heartbeatFailed
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return heartbeatOK
	case resp.StatusCode == http.StatusNotFound:
		return heartbeatGone
	default:
		return heartbeatFailed
	}
}
