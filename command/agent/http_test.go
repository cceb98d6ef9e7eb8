// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/stint/structs"
	"github.com/stretchr/testify/require"
)

// TestHTTP_Roundtrip drives the real listener end to end: submit over the
// wire, read the job back, check the health probe.
func TestHTTP_Roundtrip(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	body := strings.NewReader(`{"tenant_id":"acme","agent_id":"bot","prompt":"hi","cost_gpu_seconds":2}`)
	resp, err := http.Post(a.HTTPAddr()+"/v1/jobs", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out structs.JobSubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)

	resp, err = http.Get(fmt.Sprintf("%s/v1/job/acme/%s", a.HTTPAddr(), out.JobID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var job structs.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.Equal(t, out.JobID, job.ID)
	require.Equal(t, 2.0, job.CostGPUSeconds)

	resp, err = http.Get(a.HTTPAddr() + "/v1/agent/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestHTTP_wrap_codedErrors(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"bad method on jobs", http.MethodDelete, "/v1/jobs", 405},
		{"missing job", http.MethodGet, "/v1/job/acme/nope", 404},
		{"bad job path", http.MethodGet, "/v1/job/acme", 400},
		{"missing quota", http.MethodGet, "/v1/quota/acme", 404},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, a.HTTPAddr()+tc.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestHTTP_responseHeaders(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, func(c *Config) {
		c.HTTPAPIResponseHeaders = map[string]string{"X-Stint-Test": "yes"}
	})

	resp, err := http.Get(a.HTTPAddr() + "/v1/agent/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "yes", resp.Header.Get("X-Stint-Test"))
}

func TestHTTP_Metrics(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	resp, err := http.Get(a.HTTPAddr() + "/v1/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var summary struct {
		Timestamp string
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.NotEmpty(t, summary.Timestamp)
}

func TestHTTP_Metrics_prometheus(t *testing.T) {
	ci.Parallel(t)

	// disabled by default
	a := NewTestAgent(t, nil)
	resp, err := http.Get(a.HTTPAddr() + "/v1/metrics?format=prometheus")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 415, resp.StatusCode)

	b := NewTestAgent(t, func(c *Config) {
		c.Telemetry.PrometheusMetrics = true
	})
	resp, err = http.Get(b.HTTPAddr() + "/v1/metrics?format=prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "stint_leases_outstanding")
}
