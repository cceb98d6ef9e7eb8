// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp/stint/stint/state"
)

// MetricsRequest handles GET /v1/metrics. The default answer is the
// in-memory sink's summary; ?format=prometheus serves the exposition format
// instead.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if format := req.URL.Query().Get("format"); format == "prometheus" {
		t := s.agent.GetConfig().Telemetry
		if t == nil || !t.PrometheusMetrics {
			return nil, CodedError(415, "prometheus is not enabled")
		}
		handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})
		handler.ServeHTTP(resp, req)
		return nil, nil
	}

	return s.agent.InmemSink.DisplayMetrics(resp, req)
}

// leaseCollector exports the reservations index to prometheus on scrape.
// The index is the system's live view of GPU capacity, so surfacing it as
// gauges gives operators over-commitment and reaper-debt signals for free.
type leaseCollector struct {
	store *state.StateStore

	outstanding *prometheus.Desc
	stale       *prometheus.Desc
}

const leaseScrapeTimeout = 2 * time.Second

func newLeaseCollector(store *state.StateStore) *leaseCollector {
	return &leaseCollector{
		store: store,
		outstanding: prometheus.NewDesc(
			"stint_leases_outstanding",
			"Number of outstanding GPU reservations.",
			nil, nil),
		stale: prometheus.NewDesc(
			"stint_leases_stale",
			"Number of reservations whose expiry has passed without being reaped.",
			nil, nil),
	}
}

func (c *leaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.outstanding
	ch <- c.stale
}

func (c *leaseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseScrapeTimeout)
	defer cancel()

	leases, err := c.store.Leases(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.outstanding, err)
		return
	}

	now := time.Now().UnixMilli()
	var staleCount float64
	for _, l := range leases {
		if l.Expired(now) {
			staleCount++
		}
	}

	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(len(leases)))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, staleCount)
}
