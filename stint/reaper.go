// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/stint/helper/uuid"
	"github.com/hashicorp/stint/stint/state"
	"golang.org/x/time/rate"

	log "github.com/hashicorp/go-hclog"
)

// Reaper recycles work stream entries stranded in the pending list of a
// consumer that died between dequeue and ack. Each sweep claims entries idle
// past ReapMinIdle, appends a fresh copy to the work stream, and acks the
// stranded original. The fresh entry flows through the normal claim path, so
// whatever state the job reached decides what happens next.
type Reaper struct {
	id     string
	config *Config
	store  *state.StateStore
	logger log.Logger

	// pace caps the re-injection rate so a large stranded backlog does
	// not flood the work stream in one burst.
	pace *rate.Limiter

	ctx    context.Context
	doneCh chan struct{}
}

// NewReaper starts a reaper whose sweep loop continues until the context is
// canceled.
func NewReaper(ctx context.Context, config *Config, store *state.StateStore) *Reaper {
	r := &Reaper{
		id:     fmt.Sprintf("reaper-%s", uuid.Short(uuid.Generate())),
		config: config,
		store:  store,
		pace:   rate.NewLimiter(rate.Every(5*time.Millisecond), 20),
		ctx:    ctx,
		doneCh: make(chan struct{}),
	}
	r.logger = config.Logger.Named("reaper").With("consumer_id", r.id)
	go r.run()
	return r
}

// ID returns the reaper's consumer id.
func (r *Reaper) ID() string {
	return r.id
}

// Wait blocks until the sweep loop has exited.
func (r *Reaper) Wait() {
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	r.logger.Debug("running")

	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopped")
			return
		case <-ticker.C:
		}
		r.sweep()
	}
}

// sweep walks the whole pending list once. The cursor wraps to "0-0" when
// the scan is complete. A job with several stranded copies is re-appended
// once per sweep; the extra copies are just retired.
func (r *Reaper) sweep() {
	cursor := "0-0"
	seen := set.New[string](0)

	for {
		msgs, next, err := r.store.ReapPending(r.ctx, r.id, r.config.ReapMinIdle, cursor, r.config.ReapBatch)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to claim stranded entries", "error", err)
			return
		}

		for _, msg := range msgs {
			if err := r.pace.Wait(r.ctx); err != nil {
				return
			}
			r.recycle(msg, seen)
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		cursor = next
	}
}

// recycle re-appends a stranded entry and retires the original. Append runs
// first: if we crash between the two the job is delivered twice, and the
// claim path drops the loser, whereas the other order could lose it.
func (r *Reaper) recycle(msg *state.JobMessage, seen *set.Set[string]) {
	if seen.Insert(msg.TenantID + ":" + msg.JobID) {
		if _, err := r.store.EnqueueJob(r.ctx, msg.TenantID, msg.JobID); err != nil {
			r.logger.Error("failed to requeue stranded job", "job_id", msg.JobID, "error", err)
			return
		}
	}
	if err := r.store.AckJob(r.ctx, msg.StreamID); err != nil {
		r.logger.Warn("failed to ack stranded entry", "stream_id", msg.StreamID, "error", err)
	}

	metrics.IncrCounter([]string{"stint", "reaper", "recycled"}, 1)
	r.logger.Warn("recycled stranded work entry", "job_id", msg.JobID, "stream_id", msg.StreamID)
}
