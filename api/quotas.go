// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"errors"
	"net/url"
)

// Quotas is used to access the quota endpoints.
type Quotas struct {
	client *Client
}

// Quotas returns a handle on the quota endpoints.
func (c *Client) Quotas() *Quotas {
	return &Quotas{client: c}
}

// Quota is a tenant's token bucket for GPU seconds. Credits refill at
// RatePerSec up to Burst.
type Quota struct {
	Credits    float64 `json:"credits"`
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      float64 `json:"burst"`

	// LastMS is the unix-millisecond timestamp of the last operation that
	// observed the bucket.
	LastMS int64 `json:"last_ms"`
}

// Info is used to fetch a tenant's quota.
func (q *Quotas) Info(tenantID string, qo *QueryOptions) (*Quota, *QueryMeta, error) {
	if tenantID == "" {
		return nil, nil, errors.New("missing tenant id")
	}

	var resp Quota
	qm, err := q.client.query("/v1/quota/"+url.PathEscape(tenantID), &resp, qo)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}

// Apply is used to provision or replace a tenant's quota.
func (q *Quotas) Apply(tenantID string, quota *Quota, w *WriteOptions) (*WriteMeta, error) {
	if tenantID == "" {
		return nil, errors.New("missing tenant id")
	}
	if quota == nil {
		return nil, errors.New("missing quota")
	}

	wm, err := q.client.put("/v1/quota/"+url.PathEscape(tenantID), quota, nil, w)
	if err != nil {
		return nil, err
	}
	return wm, nil
}
