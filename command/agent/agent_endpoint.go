// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the store ping behind the health endpoint.
const healthCheckTimeout = 5 * time.Second

type healthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// HealthRequest handles GET /v1/agent/health. The agent is healthy when its
// redis is reachable; an unhealthy agent answers 500 with the same JSON
// shape so probes can log the reason.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	health := healthResponse{OK: true, Message: "ok"}
	if err := s.agent.store.Ping(ctx); err != nil {
		health.OK = false
		health.Message = err.Error()
	}

	if health.OK {
		return &health, nil
	}

	jsonResp, err := json.Marshal(&health)
	if err != nil {
		return nil, err
	}
	return nil, CodedError(500, string(jsonResp))
}

type agentSelf struct {
	Config map[string]interface{}       `json:"config"`
	Stats  map[string]map[string]string `json:"stats"`
}

// AgentSelfRequest handles GET /v1/agent/self: the node's configuration and
// runtime stats.
func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	self := agentSelf{
		Config: s.agent.GetConfig().Sanitized(),
		Stats:  s.agent.Stats(),
	}
	return self, nil
}
