// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"net/http"
)

// Agent encapsulates an API client which talks to the agent endpoints of a
// specific control plane node.
type Agent struct {
	client *Client
}

// Agent returns a new agent which can be used to query the agent-specific
// endpoints.
func (c *Client) Agent() *Agent {
	return &Agent{client: c}
}

// AgentSelf is the response from the self endpoint: the node's sanitized
// configuration and its runtime stats.
type AgentSelf struct {
	Config map[string]interface{}       `json:"config"`
	Stats  map[string]map[string]string `json:"stats"`
}

// Self is used to query the /v1/agent/self endpoint and returns information
// specific to the running agent.
func (a *Agent) Self() (*AgentSelf, error) {
	var out AgentSelf
	if _, err := a.client.query("/v1/agent/self", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentHealthResponse is the response from the agent health endpoint.
type AgentHealthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Health queries the agent's health. An unhealthy agent still decodes, so
// callers get the failure message along with OK set to false.
func (a *Agent) Health() (*AgentHealthResponse, error) {
	r, err := a.client.newRequest(http.MethodGet, "/v1/agent/health")
	if err != nil {
		return nil, err
	}

	check := requireStatusIn(http.StatusOK, http.StatusInternalServerError)
	_, resp, err := check(a.client.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health AgentHealthResponse
	if err := decodeBody(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}
