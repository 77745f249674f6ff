// Package api implements the HTTP surface of agencyd: a small JSON API to
// manage subscriptions, echo test payloads and push messages onto relay
// endpoints, plus the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency/internal/metrics"
	"github.com/deepsight/agency/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxBodySize is the largest request body accepted by the API.
const MaxBodySize = 1024 * 1024

// Subscriber is the part of the MQTT transport used by the API.
type Subscriber interface {
	Subscribe(subs ...transport.Subscription) error
	State() transport.State
}

// Sender queues a message on a relay endpoint.
type Sender interface {
	Send(msg interface{}) error
}

// Message is the response body of most API calls.
type Message struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Status is the response body of the status endpoint.
type Status struct {
	MQTT      string   `json:"mqtt"`
	Endpoints []string `json:"endpoints"`
}

// Server serves the HTTP surface.
type Server struct {
	subscriber   Subscriber
	defaultTopic string
	endpoints    map[string]Sender

	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server listening on addr. GET requests to the
// subscription route subscribe to defaultTopic unless a topic is given.
// endpoints maps relay endpoint names to their senders.
func NewServer(addr string, subscriber Subscriber, defaultTopic string, endpoints map[string]Sender) *Server {
	s := &Server{
		subscriber:   subscriber,
		defaultTopic: defaultTopic,
		endpoints:    endpoints,
		done:         make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Routes returns the HTTP routes of the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Message{Message: "The interface does not exist."})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Message{Message: "Method not allowed."})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/http/", s.handleSubscribe)
		r.Post("/http/", s.handleEcho)
		r.Post("/relay/{name}", s.handleRelaySend)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Start listens on the configured address and serves requests in the
// background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %v: %w", s.server.Addr, err)
	}
	s.listener = l
	log.Infof("HTTP surface listening on %v", l.Addr())

	go func() {
		defer close(s.done)
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("cannot serve HTTP: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or an empty string before
// Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits, until ctx is done, for active
// requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("cannot shut down HTTP server: %w", err)
	}
	<-s.done
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = s.defaultTopic
	}
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, Message{Message: "missing topic"})
		return
	}

	if err := s.subscriber.Subscribe(transport.Subscription{Topic: topic}); err != nil {
		log.Errorf("cannot subscribe to topic %v: %v", topic, err)
		writeJSON(w, http.StatusBadGateway, Message{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, Message{Message: "subscribed to topic " + topic})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	data, err := readJSON(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{Message: err.Error()})
		return
	}
	log.Infof("received test payload on %v: %s", r.URL, data)

	var v interface{}
	if data != nil {
		v = data
	}
	writeJSON(w, http.StatusOK, Message{Message: "received", Data: v})
}

func (s *Server) handleRelaySend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	endpoint, has := s.endpoints[name]
	if !has {
		writeJSON(w, http.StatusNotFound, Message{Message: fmt.Sprintf("relay endpoint %v does not exist", name)})
		return
	}

	data, err := readJSON(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{Message: err.Error()})
		return
	}
	if data == nil {
		writeJSON(w, http.StatusBadRequest, Message{Message: "missing body"})
		return
	}

	if err := endpoint.Send(data); err != nil {
		log.Errorf("cannot queue message on relay endpoint %v: %v", name, err)
		writeJSON(w, http.StatusServiceUnavailable, Message{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, Message{Message: "queued on relay endpoint " + name})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	writeJSON(w, http.StatusOK, Status{
		MQTT:      s.subscriber.State().String(),
		Endpoints: names,
	})
}

// readJSON reads the request body, at most MaxBodySize bytes, and validates
// it as JSON. An empty body returns nil.
func readJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body too large")
		}
		return nil, fmt.Errorf("cannot read body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return json.RawMessage(data), nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("cannot marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		log.Errorf("cannot write response: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("%v %v %v %v", r.Method, r.URL, ww.Status(), time.Since(start))
	})
}

// cors allows the API to be called from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
