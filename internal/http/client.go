// Package http provides the HTTP client used to execute outbound requests on
// behalf of MQTT directives.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.sr.ht/~spc/go-log"
)

// Response is the outcome of a completed HTTP request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is an HTTP client that identifies itself with a user-agent string and
// bounds every request with a timeout.
type Client struct {
	client    *http.Client
	userAgent string
}

// NewHTTPClient creates a client with the given TLS configuration and
// user-agent string. Each request is cancelled after timeout; a zero timeout
// disables the limit.
func NewHTTPClient(config *tls.Config, ua string, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config != nil {
		transport.TLSClientConfig = config.Clone()
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	return &Client{
		client:    client,
		userAgent: ua,
	}
}

// Get sends a GET request to rawURL, merging query into its query string.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	return c.Request(ctx, http.MethodGet, rawURL, query, nil)
}

// Delete sends a DELETE request to rawURL, merging query into its query string.
func (c *Client) Delete(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, rawURL, query, nil)
}

// Post sends a POST request to rawURL with body encoded as JSON.
func (c *Client) Post(ctx context.Context, rawURL string, body interface{}) (*Response, error) {
	return c.Request(ctx, http.MethodPost, rawURL, nil, body)
}

// Put sends a PUT request to rawURL with body encoded as JSON.
func (c *Client) Put(ctx context.Context, rawURL string, body interface{}) (*Response, error) {
	return c.Request(ctx, http.MethodPut, rawURL, nil, body)
}

// Patch sends a PATCH request to rawURL with body encoded as JSON.
func (c *Client) Patch(ctx context.Context, rawURL string, body interface{}) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, rawURL, nil, body)
}

// Request sends an HTTP request. Values in query are added to the URL query
// string. A non-nil body is encoded as JSON. A response with a status code
// outside the 2xx range is returned together with an *APIResponseError.
func (c *Client) Request(ctx context.Context, method string, rawURL string, query url.Values, body interface{}) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse URL: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("cannot create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("User-Agent", c.userAgent)

	return c.Do(req)
}

// Do sends req and reads the complete response body.
func (c *Client) Do(req *http.Request) (*Response, error) {
	log.Debugf("sending HTTP request: %v %v", req.Method, req.URL)
	log.Tracef("request: %v", req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot do HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body: %w", err)
	}
	log.Debugf("received HTTP %v: %v", resp.Status, strings.TrimSpace(string(data)))

	response := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return response, &APIResponseError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return response, nil
}
