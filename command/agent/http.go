// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	log "github.com/hashicorp/go-hclog"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"

	// ErrRateLimited is returned when a tenant exceeds the submission
	// budget configured in the limits block.
	ErrRateLimited = "Submission rate limit exceeded"
)

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     log.Logger
	Addr       string

	// submitLimiter throttles POST /v1/jobs per tenant. Nil when the
	// limit is not configured.
	submitLimiter limiter.Store
}

// NewHTTPServer starts a new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.normalizedAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.httpLogger,
		Addr:       ln.Addr().String(),
	}

	if l := config.Limits; l != nil && l.JobSubmitRate != nil && *l.JobSubmitRate > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   uint64(*l.JobSubmitRate),
			Interval: time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build submission limiter: %v", err)
		}
		srv.submitLimiter = store
	}

	srv.registerHandlers(config.EnableDebug)

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, srv.mux)
	}()

	return srv, nil
}

// Shutdown is used to shutdown the HTTP server
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned.
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/jobs", s.wrap(s.JobsRequest))
	s.mux.HandleFunc("/v1/job/", s.wrap(s.JobSpecificRequest))

	// the original wire contract of the submission surface
	s.mux.HandleFunc("/submit", s.wrap(s.JobsRequest))

	s.mux.HandleFunc("/v1/quota/", s.wrap(s.QuotaSpecificRequest))

	s.mux.HandleFunc("/v1/leases", s.wrap(s.LeasesRequest))

	s.mux.HandleFunc("/v1/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// wrap is used to wrap functions to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		setHeaders(resp, s.agent.config.HTTPAPIResponseHeaders)
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()
		obj, err := handler(resp, req)

		if err != nil {
			code := 500
			errMsg := err.Error()
			if http, ok := err.(HTTPCodedError); ok {
				code = http.Code()
			}

			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			if code >= 500 {
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			} else {
				s.logger.Debug("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			}
			return
		}

		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				resp.WriteHeader(500)
				resp.Write([]byte(err.Error()))
				s.logger.Error("failed to encode response", "error", err)
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
	return f
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// setHeaders is used to set canonical response header fields
func setHeaders(resp http.ResponseWriter, headers map[string]string) {
	for field, value := range headers {
		resp.Header().Set(http.CanonicalHeaderKey(field), value)
	}
}
