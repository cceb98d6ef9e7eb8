// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"fmt"
	"runtime"
	"time"

	"github.com/hashicorp/stint/stint/structs"

	log "github.com/hashicorp/go-hclog"
)

// Config is used to parameterize the control plane node.
type Config struct {
	// Logger is the parent logger each component derives from.
	Logger log.InterceptLogger

	// WorkerCount is how many concurrent claim loops this node runs. Zero
	// disables job execution on this node.
	WorkerCount int

	// EnableDelayScheduler runs the loop that releases parked jobs back
	// onto the work stream.
	EnableDelayScheduler bool

	// EnableReaper runs the loop that rescues entries stuck in dead
	// consumers' pending lists.
	EnableReaper bool

	// Executor runs claimed jobs. Required when WorkerCount > 0.
	Executor Executor

	// LeaseTTL is the reservation granted on a successful claim. A worker
	// that stops renewing loses the job this long after its last renewal.
	LeaseTTL time.Duration

	// RenewInterval is the heartbeat cadence while executing. It must stay
	// under half of LeaseTTL so a single missed beat is survivable.
	RenewInterval time.Duration

	// CreditRetryDelay is how long a job parks on the delay stream after a
	// credit shortfall.
	CreditRetryDelay time.Duration

	// ExecTimeout bounds a single execution. A run that exceeds it fails
	// with the deadline error as its payload. Zero disables the bound.
	ExecTimeout time.Duration

	// DequeueBlock caps a single blocking read on the work stream, which
	// bounds how long shutdown waits on an idle worker.
	DequeueBlock time.Duration

	// LeaseRecovery picks the credit policy applied when a claim demotes a
	// RUNNING job whose lease expired: structs.RecoveryRefund charges the
	// job once across retries, structs.RecoveryForfeit charges every
	// attempt.
	LeaseRecovery string

	// IdempotencyTTL bounds the replay window for idempotent submissions.
	IdempotencyTTL time.Duration

	// DelayBatch and DelayBlock shape the delay scheduler's reads.
	DelayBatch int64
	DelayBlock time.Duration

	// ReapMinIdle is how long an entry must sit unacked before the reaper
	// takes it. It should not be shorter than LeaseTTL, otherwise entries
	// of live but slow workers churn through the reaper.
	ReapMinIdle time.Duration

	// ReapBatch caps entries claimed per scan step; ReapInterval is the
	// time between scans.
	ReapBatch    int64
	ReapInterval time.Duration
}

// DefaultConfig returns the standard configuration, tuned for leases that
// survive one missed heartbeat and recovery within a lease length.
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:          runtime.NumCPU(),
		EnableDelayScheduler: true,
		EnableReaper:         true,
		LeaseTTL:             30 * time.Second,
		RenewInterval:        10 * time.Second,
		CreditRetryDelay:     5 * time.Second,
		ExecTimeout:          15 * time.Minute,
		DequeueBlock:         2 * time.Second,
		LeaseRecovery:        structs.RecoveryRefund,
		IdempotencyTTL:       24 * time.Hour,
		DelayBatch:           10,
		DelayBlock:           2 * time.Second,
		ReapMinIdle:          30 * time.Second,
		ReapBatch:            20,
		ReapInterval:         2 * time.Second,
	}
}

// Validate checks the configuration for values that would wedge or corrupt
// the lifecycle.
func (c *Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL/2 {
		return fmt.Errorf("renew_interval %s must be positive and below half of lease_ttl %s",
			c.RenewInterval, c.LeaseTTL)
	}
	if c.CreditRetryDelay <= 0 {
		return fmt.Errorf("credit_retry_delay must be positive, got %s", c.CreditRetryDelay)
	}
	if c.ExecTimeout < 0 {
		return fmt.Errorf("exec_timeout must not be negative, got %s", c.ExecTimeout)
	}
	switch c.LeaseRecovery {
	case structs.RecoveryRefund, structs.RecoveryForfeit:
	default:
		return fmt.Errorf("lease_recovery must be %q or %q, got %q",
			structs.RecoveryRefund, structs.RecoveryForfeit, c.LeaseRecovery)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("worker_count must not be negative, got %d", c.WorkerCount)
	}
	if c.WorkerCount > 0 && c.Executor == nil {
		return fmt.Errorf("an executor is required to run workers")
	}
	if c.EnableReaper && c.ReapMinIdle < c.LeaseTTL {
		return fmt.Errorf("reap_min_idle %s must not be below lease_ttl %s",
			c.ReapMinIdle, c.LeaseTTL)
	}
	return nil
}
