// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"testing"
	"time"

	"github.com/hashicorp/stint/ci"
	"github.com/shoenig/test/must"
)

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	valid := func() *Config {
		c := DefaultConfig()
		c.Executor = &SimExecutor{}
		return c
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults with an executor",
			mutate: func(c *Config) {},
		},
		{
			name:   "api only node",
			mutate: func(c *Config) { c.WorkerCount = 0; c.Executor = nil },
		},
		{
			name:    "zero lease ttl",
			mutate:  func(c *Config) { c.LeaseTTL = 0 },
			wantErr: "lease_ttl",
		},
		{
			name:    "renew interval at lease ttl",
			mutate:  func(c *Config) { c.RenewInterval = c.LeaseTTL },
			wantErr: "renew_interval",
		},
		{
			name: "renew interval at half lease ttl",
			// 20s of 30s would make one missed heartbeat fatal
			mutate:  func(c *Config) { c.LeaseTTL = 30 * time.Second; c.RenewInterval = 20 * time.Second },
			wantErr: "renew_interval",
		},
		{
			name:   "renew interval just under half lease ttl",
			mutate: func(c *Config) { c.LeaseTTL = 30 * time.Second; c.RenewInterval = 14 * time.Second },
		},
		{
			name:    "negative credit retry delay",
			mutate:  func(c *Config) { c.CreditRetryDelay = -time.Second },
			wantErr: "credit_retry_delay",
		},
		{
			name:    "negative exec timeout",
			mutate:  func(c *Config) { c.ExecTimeout = -time.Minute },
			wantErr: "exec_timeout",
		},
		{
			name:    "unknown recovery policy",
			mutate:  func(c *Config) { c.LeaseRecovery = "maybe" },
			wantErr: "lease_recovery",
		},
		{
			name:    "negative worker count",
			mutate:  func(c *Config) { c.WorkerCount = -1 },
			wantErr: "worker_count",
		},
		{
			name:    "workers without executor",
			mutate:  func(c *Config) { c.Executor = nil },
			wantErr: "executor",
		},
		{
			name:    "reaper stealing under lease ttl",
			mutate:  func(c *Config) { c.ReapMinIdle = c.LeaseTTL - time.Second },
			wantErr: "reap_min_idle",
		},
		{
			name:   "short reap idle with reaper disabled",
			mutate: func(c *Config) { c.EnableReaper = false; c.ReapMinIdle = time.Second },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)

			err := c.Validate()
			if tc.wantErr == "" {
				must.NoError(t, err)
			} else {
				must.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	must.Positive(t, c.WorkerCount)
	must.True(t, c.EnableDelayScheduler)
	must.True(t, c.EnableReaper)
	must.Less(t, c.LeaseTTL, c.RenewInterval)
	must.GreaterEq(t, c.LeaseTTL, c.ReapMinIdle)
}
