// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"
)

func TestOperator_LeaseList(t *testing.T) {
	t.Parallel()

	var gotStale string
	c := makeClient(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotStale = req.URL.Query().Get("stale")
		fmt.Fprint(w, `[{"job_id":"job-1","expiry_ms":1700000030000}]`)
	}))

	leases, _, err := c.Operator().LeaseList(&QueryOptions{Stale: true})
	must.NoError(t, err)

	must.Eq(t, "true", gotStale)
	must.Len(t, 1, leases)
	must.Eq(t, "job-1", leases[0].JobID)
	must.Eq(t, int64(1700000030000), leases[0].ExpiryMS)
}

func TestOperator_MetricsSummary(t *testing.T) {
	t.Parallel()

	c := makeClient(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{
			"Timestamp": "2026-01-15 10:35:40 +0000 UTC",
			"Gauges": [{"Name":"stint.server.workers","Value":4,"Labels":{}}],
			"Counters": [{"Name":"stint.worker.completed","Count":7,"Sum":7,"Labels":{}}]
		}`)
	}))

	summary, _, err := c.Operator().MetricsSummary(nil)
	must.NoError(t, err)

	must.Len(t, 1, summary.Gauges)
	must.Eq(t, "stint.server.workers", summary.Gauges[0].Name)
	must.Len(t, 1, summary.Counters)
	must.Eq(t, 7, summary.Counters[0].Count)
}

func TestOperator_Metrics_prometheus(t *testing.T) {
	t.Parallel()

	var gotFormat string
	c := makeClient(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotFormat = req.URL.Query().Get("format")
		fmt.Fprint(w, "# HELP stint_worker_completed\nstint_worker_completed 7\n")
	}))

	raw, err := c.Operator().Metrics(nil)
	must.NoError(t, err)

	must.Eq(t, "prometheus", gotFormat)
	must.StrContains(t, string(raw), "stint_worker_completed 7")
}
