// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// JobState describes where a job is in its lifecycle. States only ever move
// forward: QUEUED -> RUNNING -> COMPLETED|FAILED.
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

// Terminal returns true if the state is a final one.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ValidFinalState returns true if the state is allowed as the target of a
// finalize operation.
func ValidFinalState(s JobState) bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Result codes returned by the atomic claim/renew/finalize operations. These
// are control flow, not errors: every worker decision branches on them.
const (
	CodeOK                  = "OK"
	CodeJobNotQueued        = "JOB_NOT_QUEUED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeNotRunning          = "NOT_RUNNING"
	CodeNotOwner            = "NOT_OWNER"
)

// Lease recovery policies. A RUNNING job whose lease has expired is demoted
// back to QUEUED by the next claim attempt; the policy decides what happens
// to the credits the dead attempt already debited.
const (
	// RecoveryRefund returns the debit (capped at burst) so the job's net
	// charge stays equal to its cost across retries.
	RecoveryRefund = "refund"

	// RecoveryForfeit keeps the debit; every successful claim charges again.
	RecoveryForfeit = "forfeit"
)

// Job is the durable record of a single execution request. It is stored as a
// tenant-scoped hash; all numeric fields are decimal strings on the wire.
type Job struct {
	TenantID       string   `json:"tenant_id"`
	ID             string   `json:"job_id"`
	AgentID        string   `json:"agent_id"`
	State          JobState `json:"state"`
	Prompt         string   `json:"prompt"`
	CostGPUSeconds float64  `json:"cost_gpu_seconds"`

	// WorkerID is set iff State is RUNNING.
	WorkerID string `json:"worker_id,omitempty"`

	StartMS   int64 `json:"start_ms,omitempty"`
	CreatedMS int64 `json:"created_ms"`
	UpdatedMS int64 `json:"updated_ms"`

	// Payload is the opaque terminal result: a summary on COMPLETED, an
	// error message on FAILED. The control plane never interprets it.
	Payload string `json:"payload,omitempty"`
}

// Copy returns a deep copy of the job.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := *j
	return &nj
}

// Quota is a tenant's token bucket for GPU seconds. Credits refill lazily at
// RatePerSec up to Burst whenever a claim observes the bucket.
type Quota struct {
	Credits    float64 `json:"credits"`
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      float64 `json:"burst"`

	// LastMS is the unix-millisecond timestamp of the last operation that
	// observed the bucket; refill is computed against it.
	LastMS int64 `json:"last_ms"`
}

// Copy returns a copy of the quota.
func (q *Quota) Copy() *Quota {
	if q == nil {
		return nil
	}
	nq := *q
	return &nq
}

// Validate checks a quota for provisioning.
func (q *Quota) Validate() error {
	var mErr multierror.Error
	if q.Credits < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("credits must be >= 0, got %v", q.Credits))
	}
	if q.RatePerSec < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("rate_per_sec must be >= 0, got %v", q.RatePerSec))
	}
	if q.Burst < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("burst must be >= 0, got %v", q.Burst))
	}
	if q.Credits > q.Burst {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("credits (%v) must not exceed burst (%v)", q.Credits, q.Burst))
	}
	return mErr.ErrorOrNil()
}

// Lease is one entry of the reservations index: an outstanding GPU
// reservation for a RUNNING job.
type Lease struct {
	JobID    string `json:"job_id"`
	ExpiryMS int64  `json:"expiry_ms"`
}

// Expired returns true if the lease expired before the given timestamp.
func (l *Lease) Expired(nowMS int64) bool {
	return l.ExpiryMS < nowMS
}

// JobSubmitRequest is the ingress payload for a new job.
type JobSubmitRequest struct {
	TenantID       string  `json:"tenant_id"`
	AgentID        string  `json:"agent_id"`
	Prompt         string  `json:"prompt"`
	CostGPUSeconds float64 `json:"cost_gpu_seconds"`

	// IdempotencyKey makes client retries safe; within its TTL duplicate
	// submissions return the original job id without side effects.
	IdempotencyKey string `json:"-"`
}

// Validate checks the submission for obvious garbage before any state is
// written.
func (r *JobSubmitRequest) Validate() error {
	var mErr multierror.Error
	if err := ValidateName("tenant_id", r.TenantID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := ValidateName("agent_id", r.AgentID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if r.CostGPUSeconds <= 0 {
		mErr.Errors = append(mErr.Errors, ErrInvalidCost)
	}
	return mErr.ErrorOrNil()
}

// JobSubmitResponse is returned for both fresh and idempotent submissions.
type JobSubmitResponse struct {
	JobID  string   `json:"job_id"`
	Status JobState `json:"status"`
}

// ClaimRequest carries the inputs of the atomic claim operation.
type ClaimRequest struct {
	TenantID   string
	JobID      string
	Cost       float64
	NowMS      int64
	LeaseTTLMS int64
	WorkerID   string

	// Recovery selects the credit policy applied when the claim demotes a
	// RUNNING job with an expired lease. One of RecoveryRefund or
	// RecoveryForfeit.
	Recovery string
}

// ClaimResult is the decoded outcome of a claim.
type ClaimResult struct {
	OK   bool
	Code string

	// State is the job's state when the claim was rejected with
	// JOB_NOT_QUEUED. Empty if the job record is missing.
	State JobState

	// Credits is the remaining balance after a successful debit, or the
	// refilled balance when the claim failed with INSUFFICIENT_CREDITS.
	Credits float64

	// ExpiryMS is the granted lease expiry on success.
	ExpiryMS int64

	// Recovered is true when the claim first demoted a stale RUNNING job
	// whose lease had expired.
	Recovered bool
}

// RenewRequest extends the lease of a running job.
type RenewRequest struct {
	TenantID string
	JobID    string
	NowMS    int64
	ExtendMS int64
	WorkerID string
}

// RenewResult is the decoded outcome of a renewal.
type RenewResult struct {
	OK   bool
	Code string

	// State is set on NOT_RUNNING, OwnerID on NOT_OWNER.
	State   JobState
	OwnerID string

	// ExpiryMS is the new lease expiry on success.
	ExpiryMS int64
}

// FinalizeRequest closes out a running job and its lease in one step.
type FinalizeRequest struct {
	TenantID   string
	JobID      string
	NowMS      int64
	WorkerID   string
	FinalState JobState
	Payload    string
}

// Validate rejects finalize requests before they reach the store.
func (r *FinalizeRequest) Validate() error {
	if !ValidFinalState(r.FinalState) {
		return fmt.Errorf("invalid final state %q", r.FinalState)
	}
	return nil
}

// FinalizeResult is the decoded outcome of a finalize.
type FinalizeResult struct {
	OK   bool
	Code string

	State   JobState
	OwnerID string
}

// ValidateName checks an identifier that becomes part of the key namespace.
// The colon is the namespace separator and cannot appear in identifiers.
func ValidateName(field, name string) error {
	if name == "" {
		return fmt.Errorf("missing %s", field)
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("%s %q must not contain ':'", field, name)
	}
	if len(name) > 128 {
		return fmt.Errorf("%s longer than 128 characters", field)
	}
	return nil
}
