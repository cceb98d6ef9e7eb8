// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"

	"github.com/hashicorp/cli"
)

type JobCommand struct {
	Meta
}

func (c *JobCommand) Help() string {
	helpText := `
Usage: stint job <subcommand> [options] [args]

  This command groups subcommands for interacting with jobs. Submit new work
  with the submit subcommand, and inspect the lifecycle of existing work with
  status.

  Submit a job:

      $ stint job submit -tenant=acme -agent=support-bot "summarize this"

  Check on a job:

      $ stint job status -tenant=acme <job_id>

  Please see the individual subcommand help for detailed usage information.
`
	return strings.TrimSpace(helpText)
}

func (c *JobCommand) Synopsis() string {
	return "Interact with jobs"
}

func (c *JobCommand) Name() string { return "job" }

func (c *JobCommand) Run(args []string) int {
	return cli.RunResultHelp
}
