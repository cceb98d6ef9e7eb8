// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/stint/structs"
	redis "github.com/redis/go-redis/v9"
)

// The claim, renew, and finalize transitions each touch several keys that
// must change together: the job hash, the tenant's token bucket, and the
// reservations index. Redis runs a script as one unit, so these are the only
// writers of the state-machine fields and no transition is ever half
// applied. Every script returns a status tuple rather than raising, because
// a rejected transition is a routine outcome the caller branches on.

// claimJobLua moves a job from QUEUED to RUNNING, debiting the tenant's
// bucket and granting a lease.
//
// Before the normal path it repairs crash damage: a job marked RUNNING whose
// reservation is missing or expired was abandoned by a dead worker, so it is
// demoted back to QUEUED first. ARGV[6] decides whether the demotion refunds
// the earlier debit (capped at burst) or forfeits it.
//
// The bucket refills lazily here: credits grow by rate over the time since
// last_ms, capped at burst, and last_ms advances even when the claim is then
// rejected for insufficient credits. A shortfall therefore still commits the
// refill it observed.
//
// KEYS[1] job hash, KEYS[2] quota hash, KEYS[3] reservations zset.
// ARGV: now_ms, cost, lease_ttl_ms, worker_id, job_id, recovery policy.
const claimJobLua = `
local state = redis.call("HGET", KEYS[1], "state")

local recovered = 0
if state == "RUNNING" then
  local expiry = redis.call("ZSCORE", KEYS[3], ARGV[5])
  if (not expiry) or (tonumber(expiry) < tonumber(ARGV[1])) then
    redis.call("HSET", KEYS[1], "state", "QUEUED", "updated_ms", ARGV[1])
    redis.call("HDEL", KEYS[1], "worker_id", "start_ms")
    redis.call("ZREM", KEYS[3], ARGV[5])
    if ARGV[6] == "refund" then
      local refunded = tonumber(redis.call("HGET", KEYS[2], "credits") or "0") + tonumber(ARGV[2])
      local cap = tonumber(redis.call("HGET", KEYS[2], "burst") or "0")
      if refunded > cap then
        refunded = cap
      end
      redis.call("HSET", KEYS[2], "credits", tostring(refunded))
    end
    state = "QUEUED"
    recovered = 1
  end
end

if state ~= "QUEUED" then
  return {0, "JOB_NOT_QUEUED", state or ""}
end

local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

local credits = tonumber(redis.call("HGET", KEYS[2], "credits") or "0")
local rate = tonumber(redis.call("HGET", KEYS[2], "rate_per_sec") or "0")
local burst = tonumber(redis.call("HGET", KEYS[2], "burst") or "0")
local last = tonumber(redis.call("HGET", KEYS[2], "last_ms") or tostring(now))

local dt = now - last
if dt < 0 then
  dt = 0
end
credits = credits + (dt / 1000.0) * rate
if credits > burst then
  credits = burst
end

if credits < cost then
  redis.call("HSET", KEYS[2], "credits", tostring(credits), "last_ms", tostring(now))
  return {0, "INSUFFICIENT_CREDITS", tostring(credits), "", recovered}
end

credits = credits - cost
redis.call("HSET", KEYS[2], "credits", tostring(credits), "last_ms", tostring(now))

redis.call("HSET", KEYS[1],
  "state", "RUNNING",
  "worker_id", ARGV[4],
  "start_ms", ARGV[1],
  "updated_ms", ARGV[1])

local expiry = now + tonumber(ARGV[3])
redis.call("ZADD", KEYS[3], expiry, ARGV[5])

return {1, "OK", tostring(credits), tostring(expiry), recovered}
`

// renewLeaseLua extends a running job's reservation. Only the owning worker
// may renew, and only while the job is still RUNNING.
//
// KEYS[1] job hash, KEYS[2] reservations zset.
// ARGV: now_ms, extend_ms, worker_id, job_id.
const renewLeaseLua = `
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "RUNNING" then
  return {0, "NOT_RUNNING", state or ""}
end

local owner = redis.call("HGET", KEYS[1], "worker_id")
if owner ~= ARGV[3] then
  return {0, "NOT_OWNER", owner or ""}
end

local expiry = tonumber(ARGV[1]) + tonumber(ARGV[2])
redis.call("ZADD", KEYS[2], expiry, ARGV[4])
redis.call("HSET", KEYS[1], "updated_ms", ARGV[1])

return {1, "OK", tostring(expiry)}
`

// finalizeJobLua moves a running job to its terminal state and releases the
// reservation in the same step, so a finalized job can never hold a lease.
//
// KEYS[1] job hash, KEYS[2] reservations zset.
// ARGV: now_ms, worker_id, job_id, final_state, payload.
const finalizeJobLua = `
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "RUNNING" then
  return {0, "NOT_RUNNING", state or ""}
end

local owner = redis.call("HGET", KEYS[1], "worker_id")
if owner ~= ARGV[2] then
  return {0, "NOT_OWNER", owner or ""}
end

redis.call("HSET", KEYS[1],
  "state", ARGV[4],
  "payload", ARGV[5],
  "updated_ms", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[3])

return {1, "OK"}
`

var (
	claimScript    = redis.NewScript(claimJobLua)
	renewScript    = redis.NewScript(renewLeaseLua)
	finalizeScript = redis.NewScript(finalizeJobLua)
)

// ClaimJob atomically transitions a queued job to RUNNING under this worker,
// debiting the tenant's bucket and granting a lease. The returned result
// carries the rejection code when the transition did not happen; the error
// is only non-nil for transport or scripting failures.
func (s *StateStore) ClaimJob(ctx context.Context, req *structs.ClaimRequest) (*structs.ClaimResult, error) {
	defer metrics.MeasureSince([]string{"stint", "state", "claim_job"}, time.Now())

	keys := []string{
		JobKey(req.TenantID, req.JobID),
		QuotaKey(req.TenantID),
		ReservationsKey,
	}
	raw, err := claimScript.Run(ctx, s.client, keys,
		req.NowMS, req.Cost, req.LeaseTTLMS, req.WorkerID, req.JobID, req.Recovery).Result()
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	elems, err := scriptReply(raw, 3)
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}

	res := &structs.ClaimResult{
		OK:   replyBool(elems[0]),
		Code: replyString(elems[1]),
	}
	switch res.Code {
	case structs.CodeOK:
		if res.Credits, err = replyFloat(elems[2]); err != nil {
			return nil, fmt.Errorf("claim script credits: %w", err)
		}
		if len(elems) > 3 {
			if res.ExpiryMS, err = replyInt(elems[3]); err != nil {
				return nil, fmt.Errorf("claim script expiry: %w", err)
			}
		}
		if len(elems) > 4 {
			res.Recovered = replyBool(elems[4])
		}
	case structs.CodeInsufficientCredits:
		if res.Credits, err = replyFloat(elems[2]); err != nil {
			return nil, fmt.Errorf("claim script credits: %w", err)
		}
		if len(elems) > 4 {
			res.Recovered = replyBool(elems[4])
		}
	case structs.CodeJobNotQueued:
		res.State = structs.JobState(replyString(elems[2]))
	default:
		return nil, fmt.Errorf("claim script returned unknown code %q", res.Code)
	}

	if res.Recovered {
		metrics.IncrCounter([]string{"stint", "state", "lease_recovered"}, 1)
	}
	return res, nil
}

// RenewLease atomically extends a running job's reservation.
func (s *StateStore) RenewLease(ctx context.Context, req *structs.RenewRequest) (*structs.RenewResult, error) {
	defer metrics.MeasureSince([]string{"stint", "state", "renew_lease"}, time.Now())

	keys := []string{
		JobKey(req.TenantID, req.JobID),
		ReservationsKey,
	}
	raw, err := renewScript.Run(ctx, s.client, keys,
		req.NowMS, req.ExtendMS, req.WorkerID, req.JobID).Result()
	if err != nil {
		return nil, fmt.Errorf("renew script failed: %w", err)
	}

	elems, err := scriptReply(raw, 2)
	if err != nil {
		return nil, fmt.Errorf("renew script: %w", err)
	}

	res := &structs.RenewResult{
		OK:   replyBool(elems[0]),
		Code: replyString(elems[1]),
	}
	switch res.Code {
	case structs.CodeOK:
		if len(elems) > 2 {
			if res.ExpiryMS, err = replyInt(elems[2]); err != nil {
				return nil, fmt.Errorf("renew script expiry: %w", err)
			}
		}
	case structs.CodeNotRunning:
		if len(elems) > 2 {
			res.State = structs.JobState(replyString(elems[2]))
		}
	case structs.CodeNotOwner:
		if len(elems) > 2 {
			res.OwnerID = replyString(elems[2])
		}
	default:
		return nil, fmt.Errorf("renew script returned unknown code %q", res.Code)
	}
	return res, nil
}

// FinalizeJob atomically records a running job's terminal state and releases
// its reservation.
func (s *StateStore) FinalizeJob(ctx context.Context, req *structs.FinalizeRequest) (*structs.FinalizeResult, error) {
	defer metrics.MeasureSince([]string{"stint", "state", "finalize_job"}, time.Now())

	if err := req.Validate(); err != nil {
		return nil, err
	}

	keys := []string{
		JobKey(req.TenantID, req.JobID),
		ReservationsKey,
	}
	raw, err := finalizeScript.Run(ctx, s.client, keys,
		req.NowMS, req.WorkerID, req.JobID, string(req.FinalState), req.Payload).Result()
	if err != nil {
		return nil, fmt.Errorf("finalize script failed: %w", err)
	}

	elems, err := scriptReply(raw, 2)
	if err != nil {
		return nil, fmt.Errorf("finalize script: %w", err)
	}

	res := &structs.FinalizeResult{
		OK:   replyBool(elems[0]),
		Code: replyString(elems[1]),
	}
	switch res.Code {
	case structs.CodeOK:
	case structs.CodeNotRunning:
		if len(elems) > 2 {
			res.State = structs.JobState(replyString(elems[2]))
		}
	case structs.CodeNotOwner:
		if len(elems) > 2 {
			res.OwnerID = replyString(elems[2])
		}
	default:
		return nil, fmt.Errorf("finalize script returned unknown code %q", res.Code)
	}
	return res, nil
}

// scriptReply asserts the raw script result is a tuple of at least min
// elements.
func scriptReply(raw interface{}, min int) ([]interface{}, error) {
	elems, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", raw)
	}
	if len(elems) < min {
		return nil, fmt.Errorf("reply has %d elements, want at least %d", len(elems), min)
	}
	return elems, nil
}

func replyBool(v interface{}) bool {
	n, _ := v.(int64)
	return n == 1
}

func replyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func replyFloat(v interface{}) (float64, error) {
	return strconv.ParseFloat(replyString(v), 64)
}

func replyInt(v interface{}) (int64, error) {
	return strconv.ParseInt(replyString(v), 10, 64)
}
