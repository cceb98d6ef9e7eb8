// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/stint/ci"
	"github.com/stretchr/testify/require"
)

func TestHTTP_AgentHealth(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/agent/health", nil)
	obj, err := a.Server.HealthRequest(httptest.NewRecorder(), req)
	require.NoError(t, err)

	health := obj.(*healthResponse)
	require.True(t, health.OK)
	require.Equal(t, "ok", health.Message)
}

func TestHTTP_AgentHealth_storeDown(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	// kill the embedded redis out from under the agent
	a.Agent.embedded.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/agent/health", nil)
	_, err := a.Server.HealthRequest(httptest.NewRecorder(), req)
	require.Error(t, err)

	coded, ok := err.(HTTPCodedError)
	require.True(t, ok)
	require.Equal(t, 500, coded.Code())
	require.Contains(t, coded.Error(), `"ok":false`)
}

func TestHTTP_AgentSelf(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, func(c *Config) {
		c.NodeName = "node-under-test"
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/agent/self", nil)
	obj, err := a.Server.AgentSelfRequest(httptest.NewRecorder(), req)
	require.NoError(t, err)

	self := obj.(agentSelf)
	require.Equal(t, "node-under-test", self.Config["NodeName"])
	require.Equal(t, "node-under-test", self.Stats["agent"]["node_name"])
}
