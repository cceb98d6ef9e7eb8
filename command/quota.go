// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"

	"github.com/hashicorp/cli"
)

type QuotaCommand struct {
	Meta
}

func (c *QuotaCommand) Help() string {
	helpText := `
Usage: stint quota <subcommand> [options] [args]

  This command groups subcommands for interacting with tenant quotas. Tenants
  spend quota credits when workers claim their jobs; credits refill
  continuously at the configured rate up to the burst ceiling.

  Provision a quota:

      $ stint quota apply -credits=100 -rate=1 -burst=100 acme

  Inspect a quota:

      $ stint quota status acme

  Please see the individual subcommand help for detailed usage information.
`
	return strings.TrimSpace(helpText)
}

func (c *QuotaCommand) Synopsis() string {
	return "Interact with tenant quotas"
}

func (c *QuotaCommand) Name() string { return "quota" }

func (c *QuotaCommand) Run(args []string) int {
	return cli.RunResultHelp
}
