// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"errors"
	"fmt"
	"net/url"
)

// Job lifecycle states. States only ever move forward:
// QUEUED -> RUNNING -> COMPLETED|FAILED.
const (
	JobStateQueued    = "QUEUED"
	JobStateRunning   = "RUNNING"
	JobStateCompleted = "COMPLETED"
	JobStateFailed    = "FAILED"
)

// Jobs is used to access the job endpoints.
type Jobs struct {
	client *Client
}

// Jobs returns a handle on the job endpoints.
func (c *Client) Jobs() *Jobs {
	return &Jobs{client: c}
}

// Job is the durable record of a single execution request.
type Job struct {
	TenantID       string  `json:"tenant_id"`
	ID             string  `json:"job_id"`
	AgentID        string  `json:"agent_id"`
	State          string  `json:"state"`
	Prompt         string  `json:"prompt"`
	CostGPUSeconds float64 `json:"cost_gpu_seconds"`

	// WorkerID is set while the job is RUNNING.
	WorkerID string `json:"worker_id,omitempty"`

	StartMS   int64 `json:"start_ms,omitempty"`
	CreatedMS int64 `json:"created_ms"`
	UpdatedMS int64 `json:"updated_ms"`

	// Payload is the opaque terminal result: a summary on COMPLETED, an
	// error message on FAILED.
	Payload string `json:"payload,omitempty"`
}

// Terminal returns true if the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

// JobSubmission is the payload for submitting a new job.
type JobSubmission struct {
	TenantID       string  `json:"tenant_id"`
	AgentID        string  `json:"agent_id"`
	Prompt         string  `json:"prompt"`
	CostGPUSeconds float64 `json:"cost_gpu_seconds"`
}

// JobSubmitResponse is returned for both fresh and replayed submissions.
type JobSubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit enqueues a job. Set WriteOptions.IdempotencyToken to make retries
// of the same submission safe; within the replay window the original job id
// comes back without a second enqueue.
func (j *Jobs) Submit(sub *JobSubmission, w *WriteOptions) (*JobSubmitResponse, *WriteMeta, error) {
	if sub == nil {
		return nil, nil, errors.New("missing job submission")
	}
	var resp JobSubmitResponse
	wm, err := j.client.put("/v1/jobs", sub, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Info is used to fetch details of a specific job.
func (j *Jobs) Info(tenantID, jobID string, q *QueryOptions) (*Job, *QueryMeta, error) {
	if tenantID == "" {
		return nil, nil, errors.New("missing tenant id")
	}
	if jobID == "" {
		return nil, nil, errors.New("missing job id")
	}

	var resp Job
	qm, err := j.client.query(
		fmt.Sprintf("/v1/job/%s/%s", url.PathEscape(tenantID), url.PathEscape(jobID)),
		&resp, q)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}
