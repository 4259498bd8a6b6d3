// Package pool routes job invocations to named execution pools. A pool is a
// downstream base address plus the limits that protect it: request timeout,
// max in-flight invocations, and an optional request rate.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"dispatchd/pkg/logx"
)

// InvokeError is a failed invocation. StatusCode is 0 for transport errors
// and timeouts.
type InvokeError struct {
	Pool       string
	URL        string
	StatusCode int
	Err        error
}

func (e *InvokeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pool %s: %s: http %d", e.Pool, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("pool %s: %s: %v", e.Pool, e.URL, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Config is one pool's settings (already validated by the config package).
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxInFlight    int
	RatePerSec     float64
}

type Pool struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter // nil when unlimited
}

// Set is the collection of configured pools.
type Set struct {
	pools map[string]*Pool
	log   logx.Logger
}

func NewSet(cfgs map[string]Config, log logx.Logger) *Set {
	s := &Set{pools: make(map[string]*Pool, len(cfgs)), log: log}
	for name, c := range cfgs {
		maxInFlight := c.MaxInFlight
		if maxInFlight <= 0 {
			maxInFlight = 8
		}
		timeout := c.RequestTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		p := &Pool{
			name:    name,
			baseURL: strings.TrimRight(c.BaseURL, "/"),
			timeout: timeout,
			// Timeout is enforced per-invocation via context so per-job
			// overrides work; the client itself has none.
			client: &http.Client{},
			sem:    semaphore.NewWeighted(int64(maxInFlight)),
		}
		if c.RatePerSec > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(c.RatePerSec), 1)
		}
		s.pools[name] = p
	}
	return s
}

// Names returns the configured pool names.
func (s *Set) Names() map[string]bool {
	out := make(map[string]bool, len(s.pools))
	for name := range s.pools {
		out[name] = true
	}
	return out
}

// Invoke issues the HTTP call for one job occurrence: GET baseURL+path, 2xx
// is success, everything else (non-2xx, timeout, transport error) is an
// *InvokeError. timeout overrides the pool default when > 0.
//
// The semaphore wait and rate wait respect ctx, so a cancelled dispatcher
// never leaves invocations queued.
func (s *Set) Invoke(ctx context.Context, poolName, path string, timeout time.Duration) (int, error) {
	p, ok := s.pools[poolName]
	if !ok {
		return 0, &InvokeError{Pool: poolName, URL: path, Err: errors.New("pool not configured")}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, &InvokeError{Pool: poolName, URL: path, Err: err}
	}
	defer p.sem.Release(1)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, &InvokeError{Pool: poolName, URL: path, Err: err}
		}
	}

	if timeout <= 0 {
		timeout = p.timeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := p.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &InvokeError{Pool: poolName, URL: path, Err: err}
	}
	req.Header.Set("X-Appengine-Cron", "true")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &InvokeError{Pool: poolName, URL: path, Err: err}
	}
	// Drain before closing so the connection goes back to the keep-alive
	// pool; these calls recur every few minutes against the same hosts.
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &InvokeError{Pool: poolName, URL: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return resp.StatusCode, nil
}
