// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/stint/api"
	"github.com/posener/complete"
)

type LeaseListCommand struct {
	Meta
}

func (c *LeaseListCommand) Help() string {
	helpText := `
Usage: stint lease list [options]

  List the outstanding GPU leases. Each RUNNING job holds exactly one lease;
  a lease that reaches its expiry without a renewal marks its worker as
  presumed dead.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -stale
    Include leases that have already expired and are pending recovery.

  -verbose
    Show full job ids instead of truncated ones.
`
	return strings.TrimSpace(helpText)
}

func (c *LeaseListCommand) Synopsis() string {
	return "List outstanding GPU leases"
}

func (c *LeaseListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-stale":   complete.PredictNothing,
			"-verbose": complete.PredictNothing,
		})
}

func (c *LeaseListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *LeaseListCommand) Name() string { return "lease list" }

func (c *LeaseListCommand) Run(args []string) int {
	var stale, verbose bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&stale, "stale", false, "")
	flags.BoolVar(&verbose, "verbose", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if args = flags.Args(); len(args) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	leases, _, err := client.Operator().LeaseList(&api.QueryOptions{Stale: stale})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying leases: %s", err))
		return 1
	}

	if len(leases) == 0 {
		c.Ui.Output("No outstanding leases")
		return 0
	}

	length := shortId
	if verbose {
		length = fullId
	}

	now := time.Now()
	out := make([]string, len(leases)+1)
	out[0] = "Job ID|Expiry|Expires"
	for i, lease := range leases {
		expiry := time.UnixMilli(lease.ExpiryMS)
		status := humanize.RelTime(expiry, now, "ago", "from now")
		out[i+1] = fmt.Sprintf("%s|%s|%s",
			limit(lease.JobID, length),
			formatTime(expiry),
			status)
	}
	c.Ui.Output(formatList(out))
	return 0
}
