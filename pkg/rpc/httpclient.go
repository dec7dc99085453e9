package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/twbx/pkg/utils"
	"golang.org/x/time/rate"
)

// ErrNoEndpoint is returned when every endpoint's breaker is open.
var ErrNoEndpoint = errors.New("no endpoint available")

// HTTPClient is a wrapper around an http.Client that implements a circuit-breaker and token-bucket.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	limiter   *rate.Limiter

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
}

// isOpen returns true if the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the breaker once the threshold is reached.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// doJSON posts payload to path on the first healthy endpoint and decodes the response into out.
// Network errors and 5xx fail over to the next endpoint; other non-2xx statuses are returned as is.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}

	lastErr := ErrNoEndpoint
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, ep+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}
		if err := utils.CheckResponse(resp); err != nil {
			var se *utils.StatusError
			if errors.As(err, &se) && se.Status >= 500 {
				lastErr = err
				c.noteFailure(ep)
				continue
			}
			return err
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				return fmt.Errorf("decode %s: %w", path, err)
			}
		}
		c.noteSuccess(ep)
		return utils.DrainAndClose(resp.Body)
	}
	return lastErr
}

// pageResp is the response for a paged query.
type pageResp[T any] struct {
	PageNumber int `json:"pageNumber"`
	PerPage    int `json:"perPage"`
	Results    []T `json:"results"`
	TotalPages int `json:"totalPages"`
	TotalCount int `json:"totalCount"`
}

// ListPaged walks every page of path, requesting pages in order.
func ListPaged[T any](ctx context.Context, c *HTTPClient, path string, args map[string]any) ([]T, error) {
	payload := make(map[string]any, len(args)+1)
	for k, v := range args {
		payload[k] = v
	}

	var all []T
	for page := 1; ; page++ {
		payload["pageNumber"] = page
		var pr pageResp[T]
		if err := c.doJSON(ctx, http.MethodPost, path, payload, &pr); err != nil {
			return nil, err
		}
		if all == nil {
			all = make([]T, 0, pr.TotalCount)
		}
		all = append(all, pr.Results...)
		if page >= pr.TotalPages {
			return all, nil
		}
	}
}
