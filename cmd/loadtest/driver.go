package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/api"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
)

// target is one attribution endpoint and the request bodies sent to it.
type target struct {
	url    string
	bodies [][]byte
}

func newTarget(base, index string, v2 bool, responses []string) (*target, error) {
	u := strings.TrimSuffix(base, "/") + "/" + url.PathEscape(index) + "/attribution"
	if v2 {
		u += "/v2"
	}
	t := &target{url: u, bodies: make([][]byte, 0, len(responses))}
	for _, r := range responses {
		b, err := json.Marshal(attribution.Request{Response: r})
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		t.bodies = append(t.bodies, b)
	}
	return t, nil
}

// send posts body and reports the status and whether the response was served
// from cache.
func (t *target) send(ctx context.Context, client *http.Client, body []byte) (int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return resp.StatusCode, false, err
	}
	return resp.StatusCode, resp.Header.Get(api.CacheHeader) == "HIT", nil
}

// drive runs workers against t until d elapses or ctx ends. Each worker keeps
// its own recorder; they are merged once all workers stop.
func drive(ctx context.Context, t *target, workers int, d, timeout time.Duration) *report {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        workers * 2,
			MaxIdleConnsPerHost: workers * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	var sent atomic.Int64
	parts := make([]*report, workers)
	start := time.Now()
	g := new(errgroup.Group)
	for w := range workers {
		parts[w] = newReport()
		g.Go(func() error {
			for i := w; ctx.Err() == nil; i++ {
				began := time.Now()
				status, hit, err := t.send(ctx, client, t.bodies[i%len(t.bodies)])
				if err != nil && ctx.Err() != nil {
					return nil
				}
				parts[w].record(time.Since(began), status, hit, err)
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := newReport()
	for _, p := range parts {
		rep.merge(p)
	}
	rep.elapsed = time.Since(start)
	return rep
}
