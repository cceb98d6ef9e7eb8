// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state gives the control plane its durable view of the world. Every
// record is a redis structure: jobs and quotas are hashes, the work and delay
// queues are streams with consumer groups, and outstanding GPU reservations
// are a sorted set scored by lease expiry. Anything that must be atomic
// across those structures goes through the scripts in atomic.go.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/helper/uuid"
	"github.com/hashicorp/stint/stint/structs"
	redis "github.com/redis/go-redis/v9"
	"oss.indeed.com/go/libtime"

	log "github.com/hashicorp/go-hclog"
)

// StateStore wraps the redis client with the control plane's schema. It is
// safe for concurrent use and holds no state of its own beyond the
// connection; restarting a process with a fresh StateStore loses nothing.
type StateStore struct {
	client redis.UniversalClient
	logger log.Logger
	clock  libtime.Clock
}

// NewStateStore returns a state store backed by the given redis client.
func NewStateStore(client redis.UniversalClient, logger log.Logger) *StateStore {
	return &StateStore{
		client: client,
		logger: logger.Named("state_store"),
		clock:  libtime.SystemClock(),
	}
}

// Ping verifies the backing connection.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// EnsureStreams creates the work and delay streams along with their consumer
// groups. Calling it again after they exist is a no-op, so every role runs it
// on startup.
func (s *StateStore) EnsureStreams(ctx context.Context) error {
	groups := []struct {
		stream string
		group  string
	}{
		{JobStream, WorkerGroup},
		{DelayStream, DelayGroup},
	}
	for _, g := range groups {
		err := s.client.XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", g.group, g.stream, err)
		}
	}
	return nil
}

// SubmitJob validates and persists a new job, enqueues it, and records the
// idempotency mapping. The mapping is written last: a crash mid-submit can
// only leave a job the client will safely re-submit, never a dangling id
// that points at nothing. The second return is true when the submission was
// answered from an existing idempotency mapping.
func (s *StateStore) SubmitJob(ctx context.Context, req *structs.JobSubmitRequest, idemTTL time.Duration) (*structs.JobSubmitResponse, bool, error) {
	defer metrics.MeasureSince([]string{"stint", "state", "submit_job"}, time.Now())

	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.IdempotentJobID(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != "" {
			metrics.IncrCounter([]string{"stint", "state", "submit_replayed"}, 1)
			return &structs.JobSubmitResponse{
				JobID:  existing,
				Status: structs.JobStateQueued,
			}, true, nil
		}
	}

	now := s.clock.Now().UnixMilli()
	job := &structs.Job{
		TenantID:       req.TenantID,
		ID:             uuid.Generate(),
		AgentID:        req.AgentID,
		State:          structs.JobStateQueued,
		Prompt:         req.Prompt,
		CostGPUSeconds: req.CostGPUSeconds,
		CreatedMS:      now,
		UpdatedMS:      now,
	}

	if err := s.UpsertJob(ctx, job); err != nil {
		return nil, false, err
	}
	if _, err := s.EnqueueJob(ctx, job.TenantID, job.ID); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey != "" {
		if err := s.SetIdempotency(ctx, req.TenantID, req.IdempotencyKey, job.ID, idemTTL); err != nil {
			return nil, false, err
		}
	}

	metrics.IncrCounter([]string{"stint", "state", "submit_accepted"}, 1)
	return &structs.JobSubmitResponse{
		JobID:  job.ID,
		Status: structs.JobStateQueued,
	}, false, nil
}

// UpsertJob writes the full job record.
func (s *StateStore) UpsertJob(ctx context.Context, job *structs.Job) error {
	fields := map[string]interface{}{
		"tenant_id":        job.TenantID,
		"agent_id":         job.AgentID,
		"state":            string(job.State),
		"prompt":           job.Prompt,
		"cost_gpu_seconds": strconv.FormatFloat(job.CostGPUSeconds, 'f', -1, 64),
		"created_ms":       job.CreatedMS,
		"updated_ms":       job.UpdatedMS,
	}
	if job.WorkerID != "" {
		fields["worker_id"] = job.WorkerID
	}
	if job.StartMS != 0 {
		fields["start_ms"] = job.StartMS
	}
	if job.Payload != "" {
		fields["payload"] = job.Payload
	}

	if err := s.client.HSet(ctx, JobKey(job.TenantID, job.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}

// JobByID returns the job record, or nil if no such job exists.
func (s *StateStore) JobByID(ctx context.Context, tenantID, jobID string) (*structs.Job, error) {
	vals, err := s.client.HGetAll(ctx, JobKey(tenantID, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return jobFromFields(tenantID, jobID, vals)
}

func jobFromFields(tenantID, jobID string, vals map[string]string) (*structs.Job, error) {
	job := &structs.Job{
		TenantID: tenantID,
		ID:       jobID,
		AgentID:  vals["agent_id"],
		State:    structs.JobState(vals["state"]),
		Prompt:   vals["prompt"],
		WorkerID: vals["worker_id"],
		Payload:  vals["payload"],
	}

	var err error
	if v := vals["cost_gpu_seconds"]; v != "" {
		if job.CostGPUSeconds, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("job %s has malformed cost_gpu_seconds %q: %w", jobID, v, err)
		}
	}
	for field, dst := range map[string]*int64{
		"start_ms":   &job.StartMS,
		"created_ms": &job.CreatedMS,
		"updated_ms": &job.UpdatedMS,
	} {
		v := vals[field]
		if v == "" {
			continue
		}
		if *dst, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("job %s has malformed %s %q: %w", jobID, field, v, err)
		}
	}
	return job, nil
}

// PutQuota writes a tenant's token bucket. Provisioning stamps LastMS so the
// first claim does not see a huge idle gap and refill straight to burst.
func (s *StateStore) PutQuota(ctx context.Context, tenantID string, quota *structs.Quota) error {
	fields := map[string]interface{}{
		"credits":      strconv.FormatFloat(quota.Credits, 'f', -1, 64),
		"rate_per_sec": strconv.FormatFloat(quota.RatePerSec, 'f', -1, 64),
		"burst":        strconv.FormatFloat(quota.Burst, 'f', -1, 64),
		"last_ms":      quota.LastMS,
	}
	if err := s.client.HSet(ctx, QuotaKey(tenantID), fields).Err(); err != nil {
		return fmt.Errorf("failed to write quota for %s: %w", tenantID, err)
	}
	return nil
}

// QuotaByTenant returns the tenant's token bucket, or nil if the tenant has
// never been provisioned.
func (s *StateStore) QuotaByTenant(ctx context.Context, tenantID string) (*structs.Quota, error) {
	vals, err := s.client.HGetAll(ctx, QuotaKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quota for %s: %w", tenantID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	quota := &structs.Quota{}
	for field, dst := range map[string]*float64{
		"credits":      &quota.Credits,
		"rate_per_sec": &quota.RatePerSec,
		"burst":        &quota.Burst,
	} {
		v := vals[field]
		if v == "" {
			continue
		}
		if *dst, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("quota for %s has malformed %s %q: %w", tenantID, field, v, err)
		}
	}
	if v := vals["last_ms"]; v != "" {
		if quota.LastMS, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("quota for %s has malformed last_ms %q: %w", tenantID, v, err)
		}
	}
	return quota, nil
}

// IdempotentJobID returns the job id previously minted for the idempotency
// key, or "" if the key is unknown or its window has lapsed.
func (s *StateStore) IdempotentJobID(ctx context.Context, tenantID, key string) (string, error) {
	v, err := s.client.Get(ctx, IdempotencyKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return v, nil
}

// SetIdempotency records the job id minted for an idempotency key.
func (s *StateStore) SetIdempotency(ctx context.Context, tenantID, key, jobID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, IdempotencyKey(tenantID, key), jobID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write idempotency key: %w", err)
	}
	return nil
}

// AgentPointer returns the blob pointer for a tenant's agent, or "" when the
// agent has no saved state.
func (s *StateStore) AgentPointer(ctx context.Context, tenantID, agentID string) (string, error) {
	v, err := s.client.Get(ctx, AgentPointerKey(tenantID, agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent pointer: %w", err)
	}
	return v, nil
}

// SetAgentPointer swings a tenant agent's pointer at a new blob. Pointers are
// only ever replaced whole, never edited, so readers either see the old blob
// or the new one.
func (s *StateStore) SetAgentPointer(ctx context.Context, tenantID, agentID, pointer string) error {
	if err := s.client.Set(ctx, AgentPointerKey(tenantID, agentID), pointer, 0).Err(); err != nil {
		return fmt.Errorf("failed to write agent pointer: %w", err)
	}
	return nil
}

// JobMessage is one stream entry handed to a consumer. StreamID goes back to
// the matching Ack call once the entry has been handled.
type JobMessage struct {
	StreamID string
	TenantID string
	JobID    string

	// RunAtMS is only set on entries from the delay stream.
	RunAtMS int64
}

func jobMessageFromXMessage(m redis.XMessage) *JobMessage {
	msg := &JobMessage{StreamID: m.ID}
	if v, ok := m.Values[fieldTenantID].(string); ok {
		msg.TenantID = v
	}
	if v, ok := m.Values[fieldJobID].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values[fieldRunAtMS].(string); ok {
		msg.RunAtMS, _ = strconv.ParseInt(v, 10, 64)
	}
	return msg
}

// EnqueueJob appends a job reference to the work stream and returns the
// stream id.
func (s *StateStore) EnqueueJob(ctx context.Context, tenantID, jobID string) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: JobStream,
		Values: map[string]interface{}{
			fieldTenantID: tenantID,
			fieldJobID:    jobID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return id, nil
}

// EnqueueDelayed parks a job reference on the delay stream along with the
// earliest time it should re-enter the work stream.
func (s *StateStore) EnqueueDelayed(ctx context.Context, tenantID, jobID string, runAtMS int64) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DelayStream,
		Values: map[string]interface{}{
			fieldTenantID: tenantID,
			fieldJobID:    jobID,
			fieldRunAtMS:  runAtMS,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to delay job %s: %w", jobID, err)
	}
	return id, nil
}

// NextJob blocks up to the given duration for an undelivered entry on the
// work stream. It returns nil with no error when the wait times out.
func (s *StateStore) NextJob(ctx context.Context, consumer string, block time.Duration) (*JobMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    WorkerGroup,
		Consumer: consumer,
		Streams:  []string{JobStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read work stream: %w", err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return jobMessageFromXMessage(msg), nil
		}
	}
	return nil, nil
}

// AckJob acknowledges a work stream entry.
func (s *StateStore) AckJob(ctx context.Context, streamID string) error {
	if err := s.client.XAck(ctx, JobStream, WorkerGroup, streamID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", streamID, err)
	}
	return nil
}

// PendingDelayed returns delay stream entries this consumer was delivered
// before but never acked, oldest first. A consumer sweeps these on every
// cycle so a crash between read and ack cannot strand a parked job.
func (s *StateStore) PendingDelayed(ctx context.Context, consumer string, count int64) ([]*JobMessage, error) {
	return s.readDelayed(ctx, consumer, "0", count, -1)
}

// NextDelayed blocks up to the given duration for undelivered delay stream
// entries.
func (s *StateStore) NextDelayed(ctx context.Context, consumer string, count int64, block time.Duration) ([]*JobMessage, error) {
	return s.readDelayed(ctx, consumer, ">", count, block)
}

func (s *StateStore) readDelayed(ctx context.Context, consumer, id string, count int64, block time.Duration) ([]*JobMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    DelayGroup,
		Consumer: consumer,
		Streams:  []string{DelayStream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read delay stream: %w", err)
	}

	var msgs []*JobMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			msgs = append(msgs, jobMessageFromXMessage(msg))
		}
	}
	return msgs, nil
}

// AckDelayed acknowledges a delay stream entry.
func (s *StateStore) AckDelayed(ctx context.Context, streamID string) error {
	if err := s.client.XAck(ctx, DelayStream, DelayGroup, streamID).Err(); err != nil {
		return fmt.Errorf("failed to ack delayed %s: %w", streamID, err)
	}
	return nil
}

// ReapPending transfers work stream entries that have sat unacked in any
// consumer's pending list for at least minIdle over to the given consumer.
// start is the scan cursor from the previous call, or "0-0" to start over;
// the next cursor is returned.
func (s *StateStore) ReapPending(ctx context.Context, consumer string, minIdle time.Duration, start string, count int64) ([]*JobMessage, string, error) {
	defer metrics.MeasureSince([]string{"stint", "state", "reap_pending"}, time.Now())

	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   JobStream,
		Group:    WorkerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to claim pending entries: %w", err)
	}

	out := make([]*JobMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, jobMessageFromXMessage(m))
	}
	return out, next, nil
}

// Leases returns every outstanding GPU reservation ordered by expiry.
func (s *StateStore) Leases(ctx context.Context) ([]*structs.Lease, error) {
	zs, err := s.client.ZRangeWithScores(ctx, ReservationsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservations: %w", err)
	}

	leases := make([]*structs.Lease, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		leases = append(leases, &structs.Lease{
			JobID:    id,
			ExpiryMS: int64(z.Score),
		})
	}
	return leases, nil
}

// LeaseByJob returns the reservation for a job, or nil when the job holds
// none.
func (s *StateStore) LeaseByJob(ctx context.Context, jobID string) (*structs.Lease, error) {
	score, err := s.client.ZScore(ctx, ReservationsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation for %s: %w", jobID, err)
	}
	return &structs.Lease{JobID: jobID, ExpiryMS: int64(score)}, nil
}
