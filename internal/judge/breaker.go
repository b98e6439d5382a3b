package judge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// breakerState mirrors the Closed/Open/HalfOpen machine grounded on
// GVCUTV-NRG-CHAMP/circuit_breaker: consecutive failures trip the breaker
// open; once ResetTimeout has elapsed, a single probe request decides
// whether to let the next real call through.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

var errBreakerOpen = errors.New("judge: circuit breaker open")

type breakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

type breaker struct {
	name string
	cfg  breakerConfig
	probe func(ctx context.Context) error

	mu          sync.Mutex
	state       breakerState
	recentFails int
	openedAt    time.Time
}

func newBreaker(name string, cfg breakerConfig, probe func(ctx context.Context) error) *breaker {
	return &breaker{name: name, cfg: cfg, probe: probe, state: breakerClosed}
}

func (b *breaker) execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == breakerOpen {
		if time.Since(openedAt) < b.cfg.ResetTimeout {
			return errBreakerOpen
		}
		return b.probeThenExecute(ctx, op)
	}

	if err := op(ctx); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *breaker) probeThenExecute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.state = breakerHalfOpen
	b.mu.Unlock()

	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.trip()
			return errBreakerOpen
		}
	}

	if err := op(ctx); err != nil {
		b.trip()
		return err
	}

	b.mu.Lock()
	b.state = breakerClosed
	b.recentFails = 0
	b.mu.Unlock()
	return nil
}

func (b *breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.recentFails = 0
}

func (b *breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	if b.recentFails >= b.cfg.MaxFailures {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *breaker) trip() {
	b.mu.Lock()
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.recentFails = b.cfg.MaxFailures
	b.mu.Unlock()
}

// breakerClient wraps an *http.Client with a breaker, probing probeURL when
// open. Satisfies breakerDoer.
type breakerClient struct {
	http     *http.Client
	brk      *breaker
	probeURL string
}

func newBreakerClient(name string, cfg breakerConfig, probeURL string, httpClient *http.Client) *breakerClient {
	c := &breakerClient{http: httpClient, probeURL: probeURL}
	c.brk = newBreaker(name, cfg, c.probe)
	return c
}

func (c *breakerClient) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, 64)
	if resp.StatusCode >= 200 && resp.StatusCode < 500 {
		return nil
	}
	return fmt.Errorf("probe bad status: %d", resp.StatusCode)
}

func (c *breakerClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.brk.execute(req.Context(), func(ctx context.Context) error {
		req = req.WithContext(ctx)
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("judge server error: %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	return resp, err
}
