// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/stint/api"
	"github.com/posener/complete"
)

type JobStatusCommand struct {
	Meta
}

func (c *JobStatusCommand) Help() string {
	helpText := `
Usage: stint job status [options] <job_id>

  Display status information about a job: its lifecycle state, the worker
  executing it, and the terminal payload once it finishes.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -tenant=<id>
    The tenant that owns the job. Required.

  -verbose
    Show full information, including the complete payload.
`
	return strings.TrimSpace(helpText)
}

func (c *JobStatusCommand) Synopsis() string {
	return "Display status information about a job"
}

func (c *JobStatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-tenant":  complete.PredictAnything,
			"-verbose": complete.PredictNothing,
		})
}

func (c *JobStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobStatusCommand) Name() string { return "job status" }

func (c *JobStatusCommand) Run(args []string) int {
	var tenant string
	var verbose bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&tenant, "tenant", "", "")
	flags.BoolVar(&verbose, "verbose", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <job_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if tenant == "" {
		c.Ui.Error("-tenant is required")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	jobID := args[0]

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	job, _, err := client.Jobs().Info(tenant, jobID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying job: %s", err))
		return 1
	}

	// Truncate the id unless full length is requested
	length := shortId
	if verbose {
		length = fullId
	}

	basic := []string{
		fmt.Sprintf("ID|%s", limit(job.ID, length)),
		fmt.Sprintf("Tenant|%s", job.TenantID),
		fmt.Sprintf("Agent|%s", job.AgentID),
		fmt.Sprintf("State|%s", job.State),
		fmt.Sprintf("Cost|%s GPU-seconds", formatFloat(job.CostGPUSeconds)),
		fmt.Sprintf("Created|%s", formatUnixMilliTime(job.CreatedMS)),
		fmt.Sprintf("Updated|%s", formatUnixMilliTime(job.UpdatedMS)),
	}
	if job.State == api.JobStateRunning {
		basic = append(basic,
			fmt.Sprintf("Worker|%s", job.WorkerID),
			fmt.Sprintf("Started|%s", formatUnixMilliTime(job.StartMS)))
	}
	if job.Terminal() && job.Payload != "" {
		payload := job.Payload
		if !verbose {
			payload = limit(payload, maxLineLength)
		}
		basic = append(basic, fmt.Sprintf("Payload|%s", payload))
	}

	c.Ui.Output(formatKV(basic))
	return 0
}
