package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type echo struct {
	Method      string              `json:"method"`
	Query       map[string][]string `json:"query"`
	Body        string              `json:"body"`
	ContentType string              `json:"content_type"`
	UserAgent   string              `json:"user_agent"`
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(echo{
			Method:      r.Method,
			Query:       r.URL.Query(),
			Body:        string(data),
			ContentType: r.Header.Get("Content-Type"),
			UserAgent:   r.UserAgent(),
		})
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom\n")
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestRequest(t *testing.T) {
	srv := newEchoServer(t)
	client := NewHTTPClient(nil, "agencyd/test", time.Second)

	tests := []struct {
		description string
		input       struct {
			method string
			path   string
			query  url.Values
			body   interface{}
		}
		want echo
	}{
		{
			description: "get with query",
			input: struct {
				method string
				path   string
				query  url.Values
				body   interface{}
			}{
				method: http.MethodGet,
				path:   "/echo",
				query:  url.Values{"a": []string{"1"}},
			},
			want: echo{
				Method:    http.MethodGet,
				Query:     map[string][]string{"a": {"1"}},
				UserAgent: "agencyd/test",
			},
		},
		{
			description: "get merges existing query",
			input: struct {
				method string
				path   string
				query  url.Values
				body   interface{}
			}{
				method: http.MethodGet,
				path:   "/echo?b=2",
				query:  url.Values{"a": []string{"1"}},
			},
			want: echo{
				Method:    http.MethodGet,
				Query:     map[string][]string{"a": {"1"}, "b": {"2"}},
				UserAgent: "agencyd/test",
			},
		},
		{
			description: "post with body",
			input: struct {
				method string
				path   string
				query  url.Values
				body   interface{}
			}{
				method: http.MethodPost,
				path:   "/echo",
				body:   map[string]int{"k": 1},
			},
			want: echo{
				Method:      http.MethodPost,
				Query:       map[string][]string{},
				Body:        `{"k":1}`,
				ContentType: "application/json",
				UserAgent:   "agencyd/test",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			resp, err := client.Request(context.Background(), test.input.method, srv.URL+test.input.path, test.input.query, test.input.body)
			if err != nil {
				t.Fatal(err)
			}

			var got echo
			if err := json.Unmarshal(resp.Body, &got); err != nil {
				t.Fatal(err)
			}

			if !cmp.Equal(got, test.want) {
				t.Errorf("%v", cmp.Diff(got, test.want))
			}
		})
	}
}

func TestRequestErrors(t *testing.T) {
	srv := newEchoServer(t)

	t.Run("non-2xx response", func(t *testing.T) {
		client := NewHTTPClient(nil, "agencyd/test", time.Second)
		resp, err := client.Get(context.Background(), srv.URL+"/fail", nil)

		var apiErr *APIResponseError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIResponseError, got %v", err)
		}
		want := &APIResponseError{Code: http.StatusInternalServerError, Body: "boom"}
		if !cmp.Equal(apiErr, want) {
			t.Errorf("%v", cmp.Diff(apiErr, want))
		}
		if resp == nil || resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected response with status 500, got %v", resp)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		client := NewHTTPClient(nil, "agencyd/test", 50*time.Millisecond)
		if _, err := client.Get(context.Background(), srv.URL+"/slow", nil); err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		client := NewHTTPClient(nil, "agencyd/test", time.Second)
		if _, err := client.Get(context.Background(), "http://[::1", nil); err == nil {
			t.Error("expected parse error")
		}
	})
}
