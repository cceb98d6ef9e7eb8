// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/stint/api"
	"github.com/posener/complete"
)

type QuotaApplyCommand struct {
	Meta
}

func (c *QuotaApplyCommand) Help() string {
	helpText := `
Usage: stint quota apply [options] <tenant>

  Provision or replace a tenant's quota. The bucket starts with the given
  credit balance and refills at the given rate up to the burst ceiling.

  Applying over an existing quota replaces it outright, including the
  current balance.

General Options:

  ` + generalOptionsUsage() + `

Apply Options:

  -credits=<gpu-seconds>
    The initial credit balance. Required.

  -rate=<gpu-seconds/sec>
    The continuous refill rate. Defaults to 0 (no refill).

  -burst=<gpu-seconds>
    The balance ceiling refill will not exceed. Defaults to the initial
    credit balance.
`
	return strings.TrimSpace(helpText)
}

func (c *QuotaApplyCommand) Synopsis() string {
	return "Provision or replace a tenant quota"
}

func (c *QuotaApplyCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-credits": complete.PredictAnything,
			"-rate":    complete.PredictAnything,
			"-burst":   complete.PredictAnything,
		})
}

func (c *QuotaApplyCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *QuotaApplyCommand) Name() string { return "quota apply" }

func (c *QuotaApplyCommand) Run(args []string) int {
	var credits, rate, burst float64

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.Float64Var(&credits, "credits", -1, "")
	flags.Float64Var(&rate, "rate", 0, "")
	flags.Float64Var(&burst, "burst", -1, "")

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

	if credits < 0 {
		c.Ui.Error("-credits is required and must not be negative")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if burst < 0 {
		burst = credits
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	quota := &api.Quota{
		Credits:    credits,
		RatePerSec: rate,
		Burst:      burst,
	}
	if _, err := client.Quotas().Apply(tenant, quota, nil); err != nil {
		c.Ui.Error(fmt.Sprintf("Error applying quota: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Successfully applied quota for tenant %q!", tenant))
	return 0
}
