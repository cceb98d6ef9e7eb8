// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/stint/structs"
	"github.com/stretchr/testify/require"
)

func TestHTTP_QuotaApplyAndQuery(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	// unknown tenant is a 404
	req := httptest.NewRequest(http.MethodGet, "/v1/quota/acme", nil)
	_, err := a.Server.QuotaSpecificRequest(httptest.NewRecorder(), req)
	require.Error(t, err)
	coded, ok := err.(HTTPCodedError)
	require.True(t, ok)
	require.Equal(t, 404, coded.Code())

	// provision
	req = httptest.NewRequest(http.MethodPut, "/v1/quota/acme",
		strings.NewReader(`{"credits": 10, "rate_per_sec": 1, "burst": 10}`))
	obj, err := a.Server.QuotaSpecificRequest(httptest.NewRecorder(), req)
	require.NoError(t, err)

	applied := obj.(*structs.Quota)
	require.Equal(t, 10.0, applied.Credits)
	require.Positive(t, applied.LastMS, "provisioning must stamp last_ms")

	// read it back
	req = httptest.NewRequest(http.MethodGet, "/v1/quota/acme", nil)
	obj, err = a.Server.QuotaSpecificRequest(httptest.NewRecorder(), req)
	require.NoError(t, err)

	quota := obj.(*structs.Quota)
	require.Equal(t, 10.0, quota.Credits)
	require.Equal(t, 1.0, quota.RatePerSec)
	require.Equal(t, 10.0, quota.Burst)
	require.Equal(t, applied.LastMS, quota.LastMS)
}

func TestHTTP_QuotaApply_invalid(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"credits above burst", "/v1/quota/acme", `{"credits": 20, "rate_per_sec": 1, "burst": 10}`},
		{"negative rate", "/v1/quota/acme", `{"credits": 1, "rate_per_sec": -1, "burst": 10}`},
		{"tenant with colon", "/v1/quota/ac:me", `{"credits": 1, "rate_per_sec": 1, "burst": 10}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tc.path, strings.NewReader(tc.body))
			_, err := a.Server.QuotaSpecificRequest(httptest.NewRecorder(), req)
			require.Error(t, err)
			coded, ok := err.(HTTPCodedError)
			require.True(t, ok)
			require.Equal(t, 400, coded.Code())
		})
	}
}

func TestHTTP_Quota_methodNotAllowed(t *testing.T) {
	ci.Parallel(t)
	a := NewTestAgent(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/quota/acme", nil)
	_, err := a.Server.QuotaSpecificRequest(httptest.NewRecorder(), req)
	require.Error(t, err)
	coded, ok := err.(HTTPCodedError)
	require.True(t, ok)
	require.Equal(t, 405, coded.Code())
}
