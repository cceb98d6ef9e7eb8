// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/helper/uuid"
	"github.com/hashicorp/stint/stint/state"
	"github.com/hashicorp/stint/stint/structs"
	"oss.indeed.com/go/libtime"

	log "github.com/hashicorp/go-hclog"
)

const (
	// backoffBaselineFast is the baseline time for exponential backoff
	backoffBaselineFast = 20 * time.Millisecond

	// backoffLimitSlow is the limit of the exponential backoff
	backoffLimitSlow = 10 * time.Second
)

// errLeaseLost cancels an execution whose lease was taken over or finalized
// from elsewhere.
var errLeaseLost = errors.New("lease lost")

// Worker executes jobs from the shared work stream. It owns the full cycle
// for one job at a time: dequeue, atomic claim, heartbeat renewal while the
// executor runs, finalize, ack. Workers are stateless; everything they know
// about a job is re-read from the state store, so any number of them can run
// across any number of processes.
type Worker struct {
	id       string
	config   *Config
	store    *state.StateStore
	executor Executor
	logger   log.Logger
	clock    libtime.Clock

	start time.Time

	// failures is the count of consecutive dequeue failures, used to
	// drive the exponential backoff
	failures uint

	ctx    context.Context
	doneCh chan struct{}
}

// NewWorker starts a worker whose run loop continues until the context is
// canceled.
func NewWorker(ctx context.Context, config *Config, store *state.StateStore) *Worker {
	w := newWorker(ctx, config, store)
	go w.run()
	return w
}

func newWorker(ctx context.Context, config *Config, store *state.StateStore) *Worker {
	w := &Worker{
		id:       fmt.Sprintf("worker-%s", uuid.Short(uuid.Generate())),
		config:   config,
		store:    store,
		executor: config.Executor,
		clock:    libtime.SystemClock(),
		start:    time.Now(),
		ctx:      ctx,
		doneCh:   make(chan struct{}),
	}
	w.logger = config.Logger.Named("worker").With("worker_id", w.id)
	return w
}

// ID returns the worker's consumer id.
func (w *Worker) ID() string {
	return w.id
}

// Wait blocks until the run loop has exited.
func (w *Worker) Wait() {
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Debug("running")
	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("stopped")
			return
		}

		msg, err := w.store.NextJob(w.ctx, w.id, w.config.DequeueBlock)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue job", "error", err)
			if w.backoffErr(backoffBaselineFast, backoffLimitSlow) {
				return
			}
			continue
		}
		w.backoffReset()

		if msg == nil {
			continue
		}
		w.handleMessage(msg)
	}
}

// handleMessage takes one stream entry through claim and dispatch. Entries
// are only acked once their outcome is durable somewhere else; on any
// transient failure they stay pending and the reaper re-delivers them.
func (w *Worker) handleMessage(msg *state.JobMessage) {
	job, err := w.store.JobByID(w.ctx, msg.TenantID, msg.JobID)
	if err != nil {
		w.logger.Error("failed to load job", "job_id", msg.JobID, "error", err)
		return
	}
	if job == nil {
		w.logger.Warn("dropping entry for unknown job", "job_id", msg.JobID)
		w.ack(msg)
		return
	}

	now := w.clock.Now().UnixMilli()
	claim, err := w.store.ClaimJob(w.ctx, &structs.ClaimRequest{
		TenantID:   job.TenantID,
		JobID:      job.ID,
		Cost:       job.CostGPUSeconds,
		NowMS:      now,
		LeaseTTLMS: w.config.LeaseTTL.Milliseconds(),
		WorkerID:   w.id,
		Recovery:   w.config.LeaseRecovery,
	})
	if err != nil {
		w.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		return
	}
	if claim.Recovered {
		w.logger.Warn("recovered job from expired lease", "job_id", job.ID)
	}

	if !claim.OK {
		switch claim.Code {
		case structs.CodeInsufficientCredits:
			w.logger.Debug("delaying job on credit shortfall",
				"job_id", job.ID, "tenant_id", job.TenantID, "credits", claim.Credits)
			runAt := now + w.config.CreditRetryDelay.Milliseconds()
			if _, err := w.store.EnqueueDelayed(w.ctx, job.TenantID, job.ID, runAt); err != nil {
				w.logger.Error("failed to delay job", "job_id", job.ID, "error", err)
				return
			}
			metrics.IncrCounter([]string{"stint", "worker", "delayed_no_credits"}, 1)
		case structs.CodeJobNotQueued:
			if claim.State == structs.JobStateRunning {
				// The owner may be dead. Park a probe past the lease
				// horizon: if the owner finishes it is dropped as
				// terminal, if not the probe's claim recovers the job.
				runAt := now + w.config.LeaseTTL.Milliseconds()
				if _, err := w.store.EnqueueDelayed(w.ctx, job.TenantID, job.ID, runAt); err != nil {
					w.logger.Error("failed to park probe for running job", "job_id", job.ID, "error", err)
					return
				}
			}
			w.logger.Debug("dropping unclaimable entry", "job_id", job.ID, "state", claim.State)
		}
		w.ack(msg)
		return
	}

	metrics.IncrCounter([]string{"stint", "worker", "claimed"}, 1)
	w.logger.Debug("claimed job", "job_id", job.ID, "credits_remaining", claim.Credits)
	w.invoke(job, msg)
}

// invoke runs the executor under heartbeat renewal and finalizes the
// outcome.
func (w *Worker) invoke(job *structs.Job, msg *state.JobMessage) {
	defer metrics.MeasureSince([]string{"stint", "worker", "invoke"}, time.Now())

	base := w.ctx
	if w.config.ExecTimeout > 0 {
		var tcancel context.CancelFunc
		base, tcancel = context.WithTimeout(w.ctx, w.config.ExecTimeout)
		defer tcancel()
	}
	execCtx, cancel := context.WithCancelCause(base)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go w.heartbeat(execCtx, cancel, job, hbDone)

	payload, execErr := w.executor.Execute(execCtx, job)
	cancel(nil)
	<-hbDone

	if execErr != nil {
		if w.ctx.Err() != nil {
			// Shutting down mid-run. Leave the entry pending and the
			// job RUNNING; lease expiry hands it to another worker.
			w.logger.Warn("abandoning job on shutdown", "job_id", job.ID)
			return
		}
		if errors.Is(context.Cause(execCtx), errLeaseLost) {
			w.logger.Warn("lost lease while executing, discarding result", "job_id", job.ID)
			w.ack(msg)
			return
		}
	}

	final := structs.JobStateCompleted
	if execErr != nil {
		final = structs.JobStateFailed
		payload = execErr.Error()
		w.logger.Warn("job execution failed", "job_id", job.ID, "error", execErr)
	}

	res, err := w.store.FinalizeJob(w.ctx, &structs.FinalizeRequest{
		TenantID:   job.TenantID,
		JobID:      job.ID,
		NowMS:      w.clock.Now().UnixMilli(),
		WorkerID:   w.id,
		FinalState: final,
		Payload:    payload,
	})
	if err != nil {
		w.logger.Error("failed to finalize job", "job_id", job.ID, "error", err)
		return
	}
	if !res.OK {
		w.logger.Warn("finalize rejected", "job_id", job.ID,
			"code", res.Code, "state", res.State, "owner", res.OwnerID)
		w.ack(msg)
		return
	}

	if final == structs.JobStateCompleted {
		metrics.IncrCounter([]string{"stint", "worker", "completed"}, 1)
	} else {
		metrics.IncrCounter([]string{"stint", "worker", "failed"}, 1)
	}
	w.logger.Debug("finalized job", "job_id", job.ID, "state", final)
	w.ack(msg)
}

// heartbeat renews the job's lease until the execution context ends. A
// rejected renewal means the job is no longer ours, so the execution is
// canceled with errLeaseLost.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, job *structs.Job, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := w.store.RenewLease(ctx, &structs.RenewRequest{
			TenantID: job.TenantID,
			JobID:    job.ID,
			NowMS:    w.clock.Now().UnixMilli(),
			ExtendMS: w.config.LeaseTTL.Milliseconds(),
			WorkerID: w.id,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// transient; the lease outlives several missed beats
			w.logger.Warn("failed to renew lease", "job_id", job.ID, "error", err)
			continue
		}
		if !res.OK {
			w.logger.Error("lease renewal rejected", "job_id", job.ID,
				"code", res.Code, "state", res.State, "owner", res.OwnerID)
			cancel(errLeaseLost)
			return
		}
		w.logger.Trace("renewed lease", "job_id", job.ID, "expiry_ms", res.ExpiryMS)
	}
}

func (w *Worker) ack(msg *state.JobMessage) {
	if err := w.store.AckJob(w.ctx, msg.StreamID); err != nil {
		w.logger.Warn("failed to ack stream entry", "stream_id", msg.StreamID, "error", err)
	}
}

// backoffErr is used to do an exponential back off on error. This is
// maintained statefully for the worker. Returns if attempts should be
// abandoned due to shutdown.
func (w *Worker) backoffErr(base, limit time.Duration) bool {
	backoff := (1 << (2 * w.failures)) * base
	if backoff > limit {
		backoff = limit
	} else {
		w.failures++
	}
	select {
	case <-time.After(backoff):
		return false
	case <-w.ctx.Done():
		return true
	}
}

// backoffReset is used to reset the failure count for exponential backoff
func (w *Worker) backoffReset() {
	w.failures = 0
}
