// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/stint/api"
	"github.com/posener/complete"
)

type JobSubmitCommand struct {
	Meta
}

func (c *JobSubmitCommand) Help() string {
	helpText := `
Usage: stint job submit [options] <prompt>

  Submit a job for execution. The job is charged against the tenant's GPU
  quota when a worker claims it; a tenant that is out of credits has the job
  parked and retried automatically.

General Options:

  ` + generalOptionsUsage() + `

Submit Options:

  -tenant=<id>
    The tenant the job bills to. Required.

  -agent=<id>
    The agent whose state the job runs against. Required.

  -cost=<gpu-seconds>
    The estimated GPU cost of the job. Defaults to 5.

  -idempotency-key=<key>
    A replay token. Re-submitting with the same key within the replay window
    returns the original job id without enqueueing twice.

  -detach
    Return immediately instead of waiting on job placement output.
`
	return strings.TrimSpace(helpText)
}

func (c *JobSubmitCommand) Synopsis() string {
	return "Submit a new job"
}

func (c *JobSubmitCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-tenant":          complete.PredictAnything,
			"-agent":           complete.PredictAnything,
			"-cost":            complete.PredictAnything,
			"-idempotency-key": complete.PredictAnything,
			"-detach":          complete.PredictNothing,
		})
}

func (c *JobSubmitCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobSubmitCommand) Name() string { return "job submit" }

func (c *JobSubmitCommand) Run(args []string) int {
	var tenant, agentID, idempotencyKey string
	var cost float64
	var detach bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&tenant, "tenant", "", "")
	flags.StringVar(&agentID, "agent", "", "")
	flags.Float64Var(&cost, "cost", 5.0, "")
	flags.StringVar(&idempotencyKey, "idempotency-key", "", "")
	flags.BoolVar(&detach, "detach", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <prompt>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	prompt := args[0]

	if tenant == "" || agentID == "" {
		c.Ui.Error("Both -tenant and -agent are required")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	sub := &api.JobSubmission{
		TenantID:       tenant,
		AgentID:        agentID,
		Prompt:         prompt,
		CostGPUSeconds: cost,
	}
	w := &api.WriteOptions{IdempotencyToken: idempotencyKey}

	resp, _, err := client.Jobs().Submit(sub, w)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting job: %s", err))
		return 1
	}

	if detach {
		c.Ui.Output(resp.JobID)
		return 0
	}

	c.Ui.Output(formatKV([]string{
		fmt.Sprintf("Job ID|%s", resp.JobID),
		fmt.Sprintf("Status|%s", resp.Status),
		fmt.Sprintf("Tenant|%s", tenant),
		fmt.Sprintf("Agent|%s", agentID),
		fmt.Sprintf("Cost|%s GPU-seconds", formatFloat(cost)),
	}))
	return 0
}

func formatFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}
