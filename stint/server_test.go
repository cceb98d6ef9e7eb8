// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/stint/blob"
	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/helper/testlog"
	"github.com/hashicorp/stint/stint/state"
	"github.com/hashicorp/stint/stint/structs"
	"github.com/hashicorp/stint/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/shoenig/test/must"
	"go.uber.org/goleak"
)

func waitForJobState(t *testing.T, store *state.StateStore, tenantID, id string, want structs.JobState) {
	t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		job, err := store.JobByID(context.Background(), tenantID, id)
		if err != nil {
			return false, err
		}
		if job == nil {
			return false, fmt.Errorf("job %s missing", id)
		}
		if job.State != want {
			return false, fmt.Errorf("job %s in state %s, want %s", id, job.State, want)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("timed out: %v", err)
	})
}

func TestServer_StartShutdown(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	stats := server.Stats()
	must.Eq(t, "2", stats["stint"]["workers"])
	must.Eq(t, "true", stats["stint"]["delay_scheduler"])
	must.Eq(t, "true", stats["stint"]["reaper"])

	must.NoError(t, server.Shutdown())
	must.NoError(t, server.Shutdown())
}

func TestServer_APIOnlyNode(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, func(c *Config) {
		c.WorkerCount = 0
		c.EnableDelayScheduler = false
		c.EnableReaper = false
	})
	defer cleanup()

	stats := server.Stats()
	must.Eq(t, "0", stats["stint"]["workers"])
	must.Eq(t, "false", stats["stint"]["delay_scheduler"])
	must.Eq(t, "false", stats["stint"]["reaper"])

	// submissions land durably but nothing consumes them here
	store := server.State()
	resp, _, err := store.SubmitJob(context.Background(), &structs.JobSubmitRequest{
		TenantID:       "acme",
		AgentID:        "support-bot",
		Prompt:         "hold until a worker node joins",
		CostGPUSeconds: 1,
	}, time.Hour)
	must.NoError(t, err)

	job, err := store.JobByID(context.Background(), "acme", resp.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateQueued, job.State)
}

func TestServer_EndToEnd_CompletesJob(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()
	store := server.State()

	must.NoError(t, store.PutQuota(context.Background(), "acme", &structs.Quota{
		Credits: 100,
		Burst:   100,
		LastMS:  time.Now().UnixMilli(),
	}))

	resp, replayed, err := store.SubmitJob(context.Background(), &structs.JobSubmitRequest{
		TenantID:       "acme",
		AgentID:        "support-bot",
		Prompt:         "summarize the incident",
		CostGPUSeconds: 2,
	}, time.Hour)
	must.NoError(t, err)
	must.False(t, replayed)

	waitForJobState(t, store, "acme", resp.JobID, structs.JobStateCompleted)

	quota, err := store.QuotaByTenant(context.Background(), "acme")
	must.NoError(t, err)
	must.Eq(t, 98, quota.Credits)

	leases, err := store.Leases(context.Background())
	must.NoError(t, err)
	must.Len(t, 0, leases)
}

func TestServer_EndToEnd_RefillAllowsRetry(t *testing.T) {
	ci.Parallel(t)

	h := setupWorker(t, nil)
	must.NoError(t, h.store.PutQuota(context.Background(), "acme", &structs.Quota{
		Credits:    1,
		RatePerSec: 10,
		Burst:      100,
		LastMS:     time.Now().UnixMilli(),
	}))
	id := h.submit(t, 10)

	server, err := NewServer(h.config, h.store)
	must.NoError(t, err)
	defer func() { _ = server.Shutdown() }()

	// broke at first, then the bucket refills enough to pass
	waitForJobState(t, h.store, "acme", id, structs.JobStateCompleted)

	// the job really took the delayed path at least once
	msgs, err := h.client.XRange(context.Background(), state.DelayStream, "-", "+").Result()
	must.NoError(t, err)
	must.Positive(t, len(msgs))

	leases, err := h.store.Leases(context.Background())
	must.NoError(t, err)
	must.Len(t, 0, leases)
}

func TestServer_EndToEnd_RecoversDeadWorker(t *testing.T) {
	ci.Parallel(t)

	h := setupWorker(t, func(c *Config) {
		c.WorkerCount = 1
		c.LeaseTTL = 100 * time.Millisecond
		c.RenewInterval = 25 * time.Millisecond
		c.ReapMinIdle = 150 * time.Millisecond
		c.ReapInterval = 50 * time.Millisecond
	})
	h.putQuota(t, 100, 0, 100)
	id := h.submit(t, 2)

	// a worker from a dead process took delivery, claimed, and vanished
	msg, err := h.store.NextJob(context.Background(), "w-dead", -1)
	must.NoError(t, err)
	must.NotNil(t, msg)

	res, err := h.store.ClaimJob(context.Background(), &structs.ClaimRequest{
		TenantID:   "acme",
		JobID:      id,
		Cost:       2,
		NowMS:      time.Now().UnixMilli(),
		LeaseTTLMS: h.config.LeaseTTL.Milliseconds(),
		WorkerID:   "w-dead",
		Recovery:   structs.RecoveryRefund,
	})
	must.NoError(t, err)
	must.True(t, res.OK)

	server, err := NewServer(h.config, h.store)
	must.NoError(t, err)
	defer func() { _ = server.Shutdown() }()

	// the reaper recycles the stranded entry, the next claim finds the
	// lease expired, demotes, refunds, and reruns
	waitForJobState(t, h.store, "acme", id, structs.JobStateCompleted)

	job := h.job(t, id)
	must.NotEq(t, "w-dead", job.WorkerID)

	quota, err := h.store.QuotaByTenant(context.Background(), "acme")
	must.NoError(t, err)
	must.Eq(t, 98, quota.Credits)

	leases, err := h.store.Leases(context.Background())
	must.NoError(t, err)
	must.Len(t, 0, leases)
}

func TestServer_ShutdownReleasesGoroutines(t *testing.T) {
	// deliberately serial so the leak check only sees this test's work
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, err := miniredis.Run()
	must.NoError(t, err)
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer func() { _ = client.Close() }()

	logger := testlog.HCLogger(t)
	store := state.NewStateStore(client, logger)

	config := TestConfigForServer(t)
	config.Executor = NewSimExecutor(store, blob.NewMemory(), logger)

	server, err := NewServer(config, store)
	must.NoError(t, err)

	must.NoError(t, store.PutQuota(context.Background(), "acme", &structs.Quota{
		Credits: 10,
		Burst:   10,
		LastMS:  time.Now().UnixMilli(),
	}))
	resp, _, err := store.SubmitJob(context.Background(), &structs.JobSubmitRequest{
		TenantID:       "acme",
		AgentID:        "support-bot",
		Prompt:         "one quick run",
		CostGPUSeconds: 1,
	}, time.Hour)
	must.NoError(t, err)

	waitForJobState(t, store, "acme", resp.JobID, structs.JobStateCompleted)
	must.NoError(t, server.Shutdown())
}
