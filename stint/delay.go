// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/stint/stint/state"
	"golang.org/x/time/rate"
	"oss.indeed.com/go/libtime"

	log "github.com/hashicorp/go-hclog"
)

// delayConsumer is the fixed consumer name every delay scheduler reads the
// delay stream under. The name must be stable across restarts: entries that
// are not yet due sit unacked in this consumer's pending list, and a freshly
// started scheduler can only see them by reading the same pending list its
// predecessor filled.
const delayConsumer = "delay-1"

// DelayScheduler moves entries from the delayed stream back onto the work
// stream once their run-at time arrives. Entries that are not yet due stay in
// the consumer's pending list and are re-examined on every sweep, so the
// pending list doubles as the parking lot. Schedulers on different nodes
// share the one consumer name; concurrent sweeps can promote the same entry
// twice, which the claim path's state guard absorbs.
type DelayScheduler struct {
	id     string
	config *Config
	store  *state.StateStore
	logger log.Logger
	clock  libtime.Clock

	// pace bounds how hot the sweep loop can spin while parked entries
	// keep every read non-blocking.
	pace *rate.Limiter

	failures uint

	ctx    context.Context
	doneCh chan struct{}
}

// NewDelayScheduler starts a delay scheduler whose run loop continues until
// the context is canceled.
func NewDelayScheduler(ctx context.Context, config *Config, store *state.StateStore) *DelayScheduler {
	d := &DelayScheduler{
		id:     delayConsumer,
		config: config,
		store:  store,
		clock:  libtime.SystemClock(),
		pace:   rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		ctx:    ctx,
		doneCh: make(chan struct{}),
	}
	d.logger = config.Logger.Named("delay_scheduler").With("consumer_id", d.id)
	go d.run()
	return d
}

// ID returns the scheduler's consumer id.
func (d *DelayScheduler) ID() string {
	return d.id
}

// Wait blocks until the run loop has exited.
func (d *DelayScheduler) Wait() {
	<-d.doneCh
}

func (d *DelayScheduler) run() {
	defer close(d.doneCh)
	d.logger.Debug("running")
	for {
		if d.ctx.Err() != nil {
			d.logger.Debug("stopped")
			return
		}
		if err := d.pace.Wait(d.ctx); err != nil {
			return
		}

		pending, err := d.store.PendingDelayed(d.ctx, d.id, d.config.DelayBatch)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to read pending delayed entries", "error", err)
			if d.backoffErr(backoffBaselineFast, backoffLimitSlow) {
				return
			}
			continue
		}

		// Block for new entries only when nothing is parked, otherwise
		// every parked entry would wait out the block on each sweep.
		block := d.config.DelayBlock
		if len(pending) > 0 {
			block = -1
		}
		fresh, err := d.store.NextDelayed(d.ctx, d.id, d.config.DelayBatch, block)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to read delayed stream", "error", err)
			if d.backoffErr(backoffBaselineFast, backoffLimitSlow) {
				return
			}
			continue
		}
		d.backoffReset()

		d.sweep(append(pending, fresh...))
	}
}

// sweep promotes every entry whose time has come and leaves the rest parked.
// Duplicate due entries for one job collapse to a single promotion; the claim
// path re-evaluates the job either way, this just keeps the work stream
// quieter.
func (d *DelayScheduler) sweep(msgs []*state.JobMessage) {
	now := d.clock.Now().UnixMilli()
	promoted := set.New[string](len(msgs))

	for _, msg := range msgs {
		if msg.RunAtMS > now {
			continue
		}

		key := msg.TenantID + ":" + msg.JobID
		if !promoted.Insert(key) {
			d.ackDelayed(msg)
			continue
		}

		if _, err := d.store.EnqueueJob(d.ctx, msg.TenantID, msg.JobID); err != nil {
			d.logger.Error("failed to promote delayed job", "job_id", msg.JobID, "error", err)
			continue
		}
		metrics.IncrCounter([]string{"stint", "delay", "promoted"}, 1)
		d.logger.Debug("promoted delayed job", "job_id", msg.JobID, "run_at_ms", msg.RunAtMS)
		d.ackDelayed(msg)
	}
}

func (d *DelayScheduler) ackDelayed(msg *state.JobMessage) {
	if err := d.store.AckDelayed(d.ctx, msg.StreamID); err != nil {
		d.logger.Warn("failed to ack delayed entry", "stream_id", msg.StreamID, "error", err)
	}
}

// backoffErr is used to do an exponential back off on error. This is
// maintained statefully for the scheduler. Returns if attempts should be
// abandoned due to shutdown.
func (d *DelayScheduler) backoffErr(base, limit time.Duration) bool {
	backoff := (1 << (2 * d.failures)) * base
	if backoff > limit {
		backoff = limit
	} else {
		d.failures++
	}
	select {
	case <-time.After(backoff):
		return false
	case <-d.ctx.Done():
		return true
	}
}

// backoffReset is used to reset the failure count for exponential backoff
func (d *DelayScheduler) backoffReset() {
	d.failures = 0
}
