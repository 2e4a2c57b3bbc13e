package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type client struct {
	opts *options
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{opts: opts, http: &http.Client{Timeout: opts.timeout}}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

// do sends the request and returns the response body on 2xx. The caller
// closes it.
func (c *client) do(ctx context.Context, method, path string, body interface{}) (io.ReadCloser, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.url, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.apiKey != "" {
		req.Header.Set(c.opts.header, c.opts.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	return resp.Body, nil
}

func (c *client) getJSON(ctx context.Context, method, path string, body, out interface{}) error {
	rc, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer rc.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(rc).Decode(out)
}
