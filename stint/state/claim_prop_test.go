// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"math"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/stint/helper/testlog"
	"github.com/hashicorp/stint/stint/structs"
	redis "github.com/redis/go-redis/v9"
	"github.com/shoenig/test/must"
	"pgregory.net/rapid"
)

// TestStateStore_Lifecycle_PropTest drives random interleavings of claim,
// renew, finalize, and lease expiry against a model and checks the safety
// properties that hold no matter the order:
//
//   - credits stay within [0, burst]
//   - with a zero refill rate and the refund policy, the balance always
//     equals the initial credits minus the cost of every charged job
//   - running jobs hold a reservation, terminal jobs never do
//   - terminal states are never overwritten
func TestStateStore_Lifecycle_PropTest(t *testing.T) {

	rapid.Check(t, func(t *rapid.T) {
		srv, err := miniredis.Run()
		if err != nil {
			t.Fatalf("failed to start redis: %v", err)
		}
		defer srv.Close()
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		defer client.Close()

		store := NewStateStore(client, testlog.HCLogger(t))
		ctx := context.Background()

		const (
			tenant   = "acme"
			initial  = 1000.0
			leaseTTL = int64(30_000)
		)

		numJobs := rapid.IntRange(1, 6).Draw(t, "num_jobs")
		costs := make([]float64, numJobs)
		states := make([]structs.JobState, numJobs)
		owners := make([]string, numJobs)
		charged := make([]bool, numJobs)

		now := int64(1_717_000_000_000)
		for i := range costs {
			costs[i] = float64(rapid.IntRange(1, 400).Draw(t, "cost"))
			states[i] = structs.JobStateQueued
			must.NoError(t, store.UpsertJob(ctx, &structs.Job{
				TenantID:       tenant,
				ID:             propJobID(i),
				AgentID:        "agent",
				State:          structs.JobStateQueued,
				Prompt:         "prompt",
				CostGPUSeconds: costs[i],
				CreatedMS:      now,
				UpdatedMS:      now,
			}))
		}
		must.NoError(t, store.PutQuota(ctx, tenant, &structs.Quota{
			Credits:    initial,
			RatePerSec: 0,
			Burst:      initial,
			LastMS:     now,
		}))

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for step := 0; step < steps; step++ {
			j := rapid.IntRange(0, numJobs-1).Draw(t, "job")
			worker := rapid.SampledFrom([]string{"w1", "w2", "w3"}).Draw(t, "worker")
			action := rapid.SampledFrom([]string{
				"claim", "renew", "finalize", "advance", "expire",
			}).Draw(t, "action")

			switch action {
			case "advance":
				now += int64(rapid.IntRange(1, 5_000).Draw(t, "dt"))

			case "expire":
				// jump past any outstanding lease
				now += leaseTTL + 1_000

			case "claim":
				res, err := store.ClaimJob(ctx, &structs.ClaimRequest{
					TenantID:   tenant,
					JobID:      propJobID(j),
					Cost:       costs[j],
					NowMS:      now,
					LeaseTTLMS: leaseTTL,
					WorkerID:   worker,
					Recovery:   structs.RecoveryRefund,
				})
				must.NoError(t, err)
				switch res.Code {
				case structs.CodeOK:
					if states[j].Terminal() {
						t.Fatalf("claimed job %d out of terminal state %s", j, states[j])
					}
					states[j] = structs.JobStateRunning
					owners[j] = worker
					charged[j] = true
				case structs.CodeInsufficientCredits:
					if res.Recovered {
						states[j] = structs.JobStateQueued
						owners[j] = ""
						charged[j] = false
					}
				case structs.CodeJobNotQueued:
					if res.Recovered {
						t.Fatalf("recovery must end in a queued job, got %s", res.State)
					}
				}

			case "renew":
				res, err := store.RenewLease(ctx, &structs.RenewRequest{
					TenantID: tenant,
					JobID:    propJobID(j),
					NowMS:    now,
					ExtendMS: leaseTTL,
					WorkerID: worker,
				})
				must.NoError(t, err)
				if res.OK != (states[j] == structs.JobStateRunning && owners[j] == worker) {
					t.Fatalf("renew of job %d by %s: ok=%v, model state=%s owner=%s",
						j, worker, res.OK, states[j], owners[j])
				}

			case "finalize":
				final := rapid.SampledFrom([]structs.JobState{
					structs.JobStateCompleted,
					structs.JobStateFailed,
				}).Draw(t, "final_state")
				res, err := store.FinalizeJob(ctx, &structs.FinalizeRequest{
					TenantID:   tenant,
					JobID:      propJobID(j),
					NowMS:      now,
					WorkerID:   worker,
					FinalState: final,
					Payload:    "done",
				})
				must.NoError(t, err)
				if res.OK {
					if states[j] != structs.JobStateRunning || owners[j] != worker {
						t.Fatalf("finalize of job %d by %s succeeded, model state=%s owner=%s",
							j, worker, states[j], owners[j])
					}
					states[j] = final
				}
			}

			// safety checks after every step

			quota, err := store.QuotaByTenant(ctx, tenant)
			must.NoError(t, err)
			if quota.Credits < 0 || quota.Credits > initial {
				t.Fatalf("credits %v outside [0, %v]", quota.Credits, initial)
			}

			expected := initial
			for i, c := range charged {
				if c {
					expected -= costs[i]
				}
			}
			if math.Abs(quota.Credits-expected) > 1e-6 {
				t.Fatalf("credits %v, conservation expects %v", quota.Credits, expected)
			}

			leases, err := store.Leases(ctx)
			must.NoError(t, err)
			held := make(map[string]bool, len(leases))
			for _, l := range leases {
				held[l.JobID] = true
			}
			for i, st := range states {
				if st == structs.JobStateRunning && !held[propJobID(i)] {
					t.Fatalf("running job %d holds no reservation", i)
				}
				if st.Terminal() && held[propJobID(i)] {
					t.Fatalf("terminal job %d still holds a reservation", i)
				}
			}

			for i, st := range states {
				job, err := store.JobByID(ctx, tenant, propJobID(i))
				must.NoError(t, err)
				must.NotNil(t, job)
				if job.State != st {
					t.Fatalf("job %d state %s, model expects %s", i, job.State, st)
				}
			}
		}
	})
}

func propJobID(i int) string {
	return fmt.Sprintf("job-%d", i)
}
