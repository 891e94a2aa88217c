package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agentsched/internal/task/engine"
)

type HTTPParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default GET
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type HTTPResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, tail(e.Body, 200))
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// HTTP calls a URL. 429 and 5xx responses are retryable errors; other
// non-2xx responses are wrapped with engine.NoRetry.
func HTTP(client *http.Client) Kind {
	if client == nil {
		client = http.DefaultClient
	}
	return Kind{
		Name: "http",
		Handler: func(ctx context.Context, params any) (any, error) {
			return doHTTP(ctx, client, params)
		},
		Decode: func(raw json.RawMessage) (any, error) {
			p, err := decodeStrict[HTTPParams](raw)
			if err != nil {
				return nil, err
			}
			u, err := url.Parse(strings.TrimSpace(p.URL))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("params.url: want an absolute http(s) URL, got %q", p.URL)
			}
			p.URL = u.String()
			p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
			if p.Method == "" {
				p.Method = http.MethodGet
			}
			return p, nil
		},
	}
}

func doHTTP(ctx context.Context, client *http.Client, params any) (any, error) {
	p, ok := params.(HTTPParams)
	if !ok {
		return nil, engine.NoRetry(fmt.Errorf("http: unexpected params %T", params))
	}
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	res := HTTPResult{Status: resp.StatusCode, Body: string(b)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, nil
	}
	serr := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(res.Body)}
	if serr.Retryable() {
		return res, serr
	}
	return res, engine.NoRetry(serr)
}
