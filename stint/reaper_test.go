// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/stint/state"
	"github.com/hashicorp/stint/testutil"
	"github.com/shoenig/test/must"
)

func TestReaper_RecyclesStrandedEntry(t *testing.T) {
	ci.Parallel(t)

	h := setupWorker(t, func(c *Config) {
		c.ReapMinIdle = 30 * time.Second
		c.ReapInterval = 25 * time.Millisecond
	})

	start := time.Now()
	h.srv.SetTime(start)

	_, err := h.store.EnqueueJob(context.Background(), "acme", "job-stranded")
	must.NoError(t, err)

	// a consumer takes delivery and dies without acking
	msg, err := h.store.NextJob(context.Background(), "w-dead", -1)
	must.NoError(t, err)
	must.NotNil(t, msg)

	r := NewReaper(h.ctx, h.config, h.store)
	defer r.Wait()
	defer h.cancel()

	// idle time is still under the threshold, the entry stays put
	time.Sleep(100 * time.Millisecond)
	must.Eq(t, int64(1), h.pendingCount(t))
	msgs, err := h.client.XRange(context.Background(), state.JobStream, "-", "+").Result()
	must.NoError(t, err)
	must.Len(t, 1, msgs)

	h.srv.SetTime(start.Add(35 * time.Second))

	testutil.WaitForResult(func() (bool, error) {
		msgs, err := h.client.XRange(context.Background(), state.JobStream, "-", "+").Result()
		if err != nil {
			return false, err
		}
		if len(msgs) != 2 {
			return false, fmt.Errorf("work stream has %d entries, want 2", len(msgs))
		}
		if n := h.pendingCount(t); n != 0 {
			return false, fmt.Errorf("%d entries still pending", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("timed out: %v", err)
	})

	// the fresh copy references the same job
	msgs, err = h.client.XRange(context.Background(), state.JobStream, "-", "+").Result()
	must.NoError(t, err)
	must.Eq(t, "job-stranded", msgs[1].Values["job_id"])
}

func TestReaper_CollapsesDuplicateEntries(t *testing.T) {
	ci.Parallel(t)

	h := setupWorker(t, func(c *Config) {
		c.ReapMinIdle = 30 * time.Second
		c.ReapInterval = 25 * time.Millisecond
	})

	start := time.Now()
	h.srv.SetTime(start)

	// the same job stranded twice, one sweep re-appends it once
	for i := 0; i < 2; i++ {
		_, err := h.store.EnqueueJob(context.Background(), "acme", "job-dup")
		must.NoError(t, err)
		msg, err := h.store.NextJob(context.Background(), "w-dead", -1)
		must.NoError(t, err)
		must.NotNil(t, msg)
	}

	h.srv.SetTime(start.Add(35 * time.Second))

	r := NewReaper(h.ctx, h.config, h.store)
	defer r.Wait()
	defer h.cancel()

	testutil.WaitForResult(func() (bool, error) {
		if n := h.pendingCount(t); n != 0 {
			return false, fmt.Errorf("%d entries still pending", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("timed out: %v", err)
	})

	msgs, err := h.client.XRange(context.Background(), state.JobStream, "-", "+").Result()
	must.NoError(t, err)
	must.Len(t, 3, msgs)
	must.Eq(t, "job-dup", msgs[2].Values["job_id"])
}

func TestReaper_ScansWholeBacklog(t *testing.T) {
	ci.Parallel(t)

	h := setupWorker(t, func(c *Config) {
		c.ReapMinIdle = 30 * time.Second
		c.ReapInterval = 25 * time.Millisecond
		c.ReapBatch = 1
	})

	start := time.Now()
	h.srv.SetTime(start)

	for i := 0; i < 3; i++ {
		_, err := h.store.EnqueueJob(context.Background(), "acme", fmt.Sprintf("job-%d", i))
		must.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		msg, err := h.store.NextJob(context.Background(), "w-dead", -1)
		must.NoError(t, err)
		must.NotNil(t, msg)
	}

	h.srv.SetTime(start.Add(35 * time.Second))

	r := NewReaper(h.ctx, h.config, h.store)
	defer r.Wait()
	defer h.cancel()

	// batch size one forces the cursor to walk, all three still come back
	testutil.WaitForResult(func() (bool, error) {
		msgs, err := h.client.XRange(context.Background(), state.JobStream, "-", "+").Result()
		if err != nil {
			return false, err
		}
		if len(msgs) != 6 {
			return false, fmt.Errorf("work stream has %d entries, want 6", len(msgs))
		}
		if n := h.pendingCount(t); n != 0 {
			return false, fmt.Errorf("%d entries still pending", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("timed out: %v", err)
	})
}
