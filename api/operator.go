// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Operator is used to access the cluster inspection endpoints.
type Operator struct {
	client *Client
}

// Operator returns a handle on the operator endpoints.
func (c *Client) Operator() *Operator {
	return &Operator{client: c}
}

// Lease is one outstanding GPU reservation held by a RUNNING job.
type Lease struct {
	JobID    string `json:"job_id"`
	ExpiryMS int64  `json:"expiry_ms"`
}

// LeaseList lists outstanding leases. Expired leases are filtered out
// unless QueryOptions.Stale is set.
func (op *Operator) LeaseList(q *QueryOptions) ([]*Lease, *QueryMeta, error) {
	var resp []*Lease
	qm, err := op.client.query("/v1/leases", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}
