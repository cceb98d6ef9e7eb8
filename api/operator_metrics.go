// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"io"
)

// MetricsSummary holds a roll up of metrics as served by the in-memory sink.
type MetricsSummary struct {
	Timestamp string
	Gauges    []GaugeValue
	Points    []PointValue
	Counters  []SampledValue
	Samples   []SampledValue
}

// GaugeValue is the most recent value of a gauge.
type GaugeValue struct {
	Name   string
	Value  float32
	Labels map[string]string
}

// PointValue holds the raw observations of a point metric.
type PointValue struct {
	Name   string
	Points []float32
}

// SampledValue is the aggregate of a counter or sample over the interval.
type SampledValue struct {
	Name   string
	Count  int
	Sum    float64
	Min    float64
	Max    float64
	Mean   float64
	Stddev float64
	Rate   float64
	Labels map[string]string
}

// MetricsSummary is used to query the agent's metrics in roll up form.
func (op *Operator) MetricsSummary(q *QueryOptions) (*MetricsSummary, *QueryMeta, error) {
	var resp MetricsSummary
	qm, err := op.client.query("/v1/metrics", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}

// Metrics returns the agent's metrics in Prometheus exposition format.
func (op *Operator) Metrics(q *QueryOptions) ([]byte, error) {
	if q == nil {
		q = &QueryOptions{}
	}
	if q.Params == nil {
		q.Params = make(map[string]string)
	}
	q.Params["format"] = "prometheus"

	body, err := op.client.rawQuery("/v1/metrics", q)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return io.ReadAll(body)
}
