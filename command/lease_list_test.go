// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/command/agent"
	"github.com/hashicorp/stint/stint/structs"
	"github.com/stretchr/testify/require"
)

func TestLeaseListCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &LeaseListCommand{}
}

func TestLeaseListCommand_Fails(t *testing.T) {
	ci.Parallel(t)
	ui := cli.NewMockUi()
	cmd := &LeaseListCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"bogus"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.ErrorWriter.String(), "takes no arguments")
	ui.ErrorWriter.Reset()

	code = cmd.Run([]string{"-address=http://127.0.0.1:1"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.ErrorWriter.String(), "Error querying leases")
}

func TestLeaseListCommand_Run(t *testing.T) {
	ci.Parallel(t)
	srv := agent.NewTestAgent(t, nil)
	url := srv.HTTPAddr()

	ui := cli.NewMockUi()
	cmd := &LeaseListCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url})
	require.Zero(t, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "No outstanding leases")
	ui.OutputWriter.Reset()

	// Claim a job through the store so a live lease exists.
	ctx := context.Background()
	store := srv.Agent.State()
	now := time.Now().UnixMilli()

	require.NoError(t, store.PutQuota(ctx, "acme", &structs.Quota{
		Credits: 100, Burst: 100, LastMS: now,
	}))
	resp, _, err := store.SubmitJob(ctx, &structs.JobSubmitRequest{
		TenantID:       "acme",
		AgentID:        "support-bot",
		Prompt:         "summarize",
		CostGPUSeconds: 1,
	}, time.Hour)
	require.NoError(t, err)

	_, err = store.ClaimJob(ctx, &structs.ClaimRequest{
		TenantID:   "acme",
		JobID:      resp.JobID,
		Cost:       1,
		NowMS:      now,
		LeaseTTLMS: 30_000,
		WorkerID:   "worker-1",
		Recovery:   structs.RecoveryRefund,
	})
	require.NoError(t, err)

	code = cmd.Run([]string{"-address=" + url, "-verbose"})
	require.Zero(t, code, ui.ErrorWriter.String())
	out := ui.OutputWriter.String()
	require.Contains(t, out, resp.JobID)
	require.Contains(t, out, "from now")
}
