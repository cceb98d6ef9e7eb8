// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type QuotaStatusCommand struct {
	Meta
}

func (c *QuotaStatusCommand) Help() string {
	helpText := `
Usage: stint quota status [options] <tenant>

  Display the quota bucket for a tenant: the last persisted credit balance,
  the refill rate, and the burst ceiling.

  The balance shown is the one persisted by the last operation that touched
  the bucket; refill accrued since then is applied at the next claim.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *QuotaStatusCommand) Synopsis() string {
	return "Display the status of a tenant quota"
}

func (c *QuotaStatusCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *QuotaStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *QuotaStatusCommand) Name() string { return "quota status" }

func (c *QuotaStatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <tenant>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	tenant := args[0]

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	quota, _, err := client.Quotas().Info(tenant, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying quota: %s", err))
		return 1
	}

	c.Ui.Output(formatKV([]string{
		fmt.Sprintf("Tenant|%s", tenant),
		fmt.Sprintf("Credits|%s GPU-seconds", formatFloat(quota.Credits)),
		fmt.Sprintf("Refill Rate|%s GPU-seconds/sec", formatFloat(quota.RatePerSec)),
		fmt.Sprintf("Burst|%s GPU-seconds", formatFloat(quota.Burst)),
		fmt.Sprintf("Last Observed|%s", formatUnixMilliTime(quota.LastMS)),
	}))
	return 0
}
