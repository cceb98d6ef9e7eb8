// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"
)

func TestJobs_Submit(t *testing.T) {
	t.Parallel()

	var gotPath, gotToken string
	var gotBody JobSubmission
	c := makeClient(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotToken = req.Header.Get(IdempotencyKeyHeader)
		must.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"job_id":"job-123","status":"QUEUED"}`)
	}))

	resp, wm, err := c.Jobs().Submit(&JobSubmission{
		TenantID:       "acme",
		AgentID:        "support-bot",
		Prompt:         "summarize the incident",
		CostGPUSeconds: 2.5,
	}, &WriteOptions{IdempotencyToken: "submit-1"})
	must.NoError(t, err)
	must.NotNil(t, wm)

	must.Eq(t, "/v1/jobs", gotPath)
	must.Eq(t, "submit-1", gotToken)
	must.Eq(t, "acme", gotBody.TenantID)
	must.Eq(t, "support-bot", gotBody.AgentID)
	must.Eq(t, 2.5, gotBody.CostGPUSeconds)

	must.Eq(t, "job-123", resp.JobID)
	must.Eq(t, JobStateQueued, resp.Status)
}

func TestJobs_Submit_missing(t *testing.T) {
	t.Parallel()

	c, err := NewClient(&Config{})
	must.NoError(t, err)

	_, _, err = c.Jobs().Submit(nil, nil)
	must.Error(t, err)
}

func TestJobs_Info(t *testing.T) {
	t.Parallel()

	var gotPath string
	c := makeClient(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		fmt.Fprint(w, `{
			"tenant_id": "acme",
			"job_id": "job-123",
			"agent_id": "support-bot",
			"state": "COMPLETED",
			"cost_gpu_seconds": 2.5,
			"payload": "{\"ok\":true}"
		}`)
	}))

	job, _, err := c.Jobs().Info("acme", "job-123", nil)
	must.NoError(t, err)

	must.Eq(t, "/v1/job/acme/job-123", gotPath)
	must.Eq(t, "job-123", job.ID)
	must.Eq(t, JobStateCompleted, job.State)
	must.True(t, job.Terminal())
}

func TestJobs_Info_missingArgs(t *testing.T) {
	t.Parallel()

	c, err := NewClient(&Config{})
	must.NoError(t, err)

	_, _, err = c.Jobs().Info("", "job-123", nil)
	must.Error(t, err)

	_, _, err = c.Jobs().Info("acme", "", nil)
	must.Error(t, err)
}
