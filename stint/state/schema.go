// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import "fmt"

// All durable state lives in redis under two namespaces: "t:" for
// tenant-scoped records and "sys:" for shared system structures. The colon is
// the separator, which is why identifiers may not contain one.
const (
	// JobStream is the shared work queue. Entries carry tenant_id and
	// job_id; the job body stays in the tenant hash.
	JobStream = "sys:queue:jobs"

	// DelayStream holds jobs parked after a credit shortfall, tagged with
	// the earliest time they may re-enter JobStream.
	DelayStream = "sys:queue:jobs:delayed"

	// ReservationsKey is a sorted set of job ids scored by lease expiry in
	// unix milliseconds.
	ReservationsKey = "sys:gpu:reservations"

	// WorkerGroup is the consumer group workers read JobStream through.
	WorkerGroup = "gpu-workers"

	// DelayGroup is the consumer group the delay scheduler reads
	// DelayStream through.
	DelayGroup = "delay-scheduler"
)

// Stream entry field names.
const (
	fieldTenantID = "tenant_id"
	fieldJobID    = "job_id"
	fieldRunAtMS  = "run_at_ms"
)

// JobKey returns the hash key for a tenant's job record.
func JobKey(tenantID, jobID string) string {
	return fmt.Sprintf("t:%s:job:%s", tenantID, jobID)
}

// QuotaKey returns the hash key for a tenant's GPU token bucket.
func QuotaKey(tenantID string) string {
	return fmt.Sprintf("t:%s:quota:gpu", tenantID)
}

// AgentPointerKey returns the key of a tenant agent's current blob pointer.
func AgentPointerKey(tenantID, agentID string) string {
	return fmt.Sprintf("t:%s:agent:%s:pointer", tenantID, agentID)
}

// IdempotencyKey returns the key holding the job id minted for a client
// supplied idempotency key.
func IdempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("t:%s:idem:%s", tenantID, key)
}
