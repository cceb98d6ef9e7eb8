// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/hashicorp/stint/blob"
	"github.com/hashicorp/stint/helper/uuid"
	"github.com/hashicorp/stint/stint/state"
	"github.com/hashicorp/stint/stint/structs"
	"oss.indeed.com/go/libtime"

	log "github.com/hashicorp/go-hclog"
)

// Executor runs a claimed job and returns its result payload. A returned
// error finalizes the job as FAILED with the error text as payload. The
// context is canceled when the worker loses the job's lease or shuts down;
// implementations must stop promptly so a recovered retry cannot overlap
// with a run that thinks it still owns the job.
type Executor interface {
	Execute(ctx context.Context, job *structs.Job) (string, error)
}

// simMaxRunTime caps the simulated execution regardless of cost.
const simMaxRunTime = 500 * time.Millisecond

// SimExecutor fakes a GPU run for dev agents and tests. It still carries the
// real tiered-state protocol: the agent's heavy state lives in the blob
// store, redis holds only a pointer to the current snapshot, and every run
// writes a fresh blob before swinging the pointer.
type SimExecutor struct {
	store  *state.StateStore
	blobs  blob.Store
	logger log.Logger
	clock  libtime.Clock
}

// agentSnapshot is what a dev agent accumulates across runs.
type agentSnapshot struct {
	AgentID    string `json:"agent_id"`
	LastPrompt string `json:"last_prompt"`
	Runs       int    `json:"runs"`
	UpdatedMS  int64  `json:"updated_ms"`
}

// NewSimExecutor returns an executor that simulates GPU work against the
// given blob store.
func NewSimExecutor(store *state.StateStore, blobs blob.Store, logger log.Logger) *SimExecutor {
	return &SimExecutor{
		store:  store,
		blobs:  blobs,
		logger: logger.Named("sim_executor"),
		clock:  libtime.SystemClock(),
	}
}

func (e *SimExecutor) Execute(ctx context.Context, job *structs.Job) (string, error) {
	snap, err := e.loadSnapshot(ctx, job)
	if err != nil {
		return "", err
	}

	if err := e.simulate(ctx, job); err != nil {
		return "", err
	}

	snap.LastPrompt = truncate(job.Prompt, 80)
	snap.Runs++
	snap.UpdatedMS = e.clock.Now().UnixMilli()
	if err := e.saveSnapshot(ctx, job, snap); err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]interface{}{
		"ok":      true,
		"summary": fmt.Sprintf("agent %s processed prompt", job.AgentID),
		"runs":    snap.Runs,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// loadSnapshot resolves the agent's pointer and fetches the blob behind it.
// An agent with no pointer yet, or whose blob has been retired, starts from
// an empty snapshot.
func (e *SimExecutor) loadSnapshot(ctx context.Context, job *structs.Job) (*agentSnapshot, error) {
	snap := &agentSnapshot{AgentID: job.AgentID}

	pointer, err := e.store.AgentPointer(ctx, job.TenantID, job.AgentID)
	if err != nil {
		return nil, err
	}
	if pointer == "" {
		return snap, nil
	}

	data, err := e.blobs.Get(ctx, pointer)
	if blob.IsNotFound(err) {
		e.logger.Warn("agent pointer references a missing blob, starting fresh",
			"agent_id", job.AgentID, "pointer", pointer)
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("agent snapshot %s is corrupt: %w", pointer, err)
	}
	return snap, nil
}

// saveSnapshot writes the new snapshot under a fresh key and then swings the
// pointer. Readers racing the swing see the previous snapshot, never a torn
// one.
func (e *SimExecutor) saveSnapshot(ctx context.Context, job *structs.Job, snap *agentSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	pointer := path.Join("agents", job.TenantID, job.AgentID, uuid.Generate())
	if err := e.blobs.Put(ctx, pointer, data); err != nil {
		return err
	}
	return e.store.SetAgentPointer(ctx, job.TenantID, job.AgentID, pointer)
}

// simulate burns wall clock proportional to the job's cost, honoring
// cancellation.
func (e *SimExecutor) simulate(ctx context.Context, job *structs.Job) error {
	d := time.Duration(job.CostGPUSeconds * float64(10*time.Millisecond))
	if d > simMaxRunTime {
		d = simMaxRunTime
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
