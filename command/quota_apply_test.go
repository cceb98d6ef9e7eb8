// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/command/agent"
	"github.com/stretchr/testify/require"
)

func TestQuotaApplyCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &QuotaApplyCommand{}
}

func TestQuotaApplyCommand_Fails(t *testing.T) {
	ci.Parallel(t)
	ui := cli.NewMockUi()
	cmd := &QuotaApplyCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-credits=10"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.ErrorWriter.String(), "takes one argument")
	ui.ErrorWriter.Reset()

	code = cmd.Run([]string{"acme"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.ErrorWriter.String(), "-credits is required")
	ui.ErrorWriter.Reset()

	// The server rejects tenant names with reserved characters.
	srv := agent.NewTestAgent(t, nil)
	code = cmd.Run([]string{"-address=" + srv.HTTPAddr(), "-credits=10", "bad:name"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.ErrorWriter.String(), "Error applying quota")
}

func TestQuotaApplyCommand_Run(t *testing.T) {
	ci.Parallel(t)
	srv := agent.NewTestAgent(t, nil)
	url := srv.HTTPAddr()

	ui := cli.NewMockUi()
	cmd := &QuotaApplyCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-credits=100", "-rate=1.5", "acme"})
	require.Zero(t, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "Successfully applied quota")

	// Burst defaulted to the initial balance
	status := &QuotaStatusCommand{Meta: Meta{Ui: ui}}
	ui.OutputWriter.Reset()
	code = status.Run([]string{"-address=" + url, "acme"})
	require.Zero(t, code, ui.ErrorWriter.String())

	out := ui.OutputWriter.String()
	require.Contains(t, out, "Credits")
	require.Contains(t, out, "100 GPU-seconds")
	require.Contains(t, out, "1.5 GPU-seconds/sec")
}
