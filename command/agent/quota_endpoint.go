// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/stint/stint/structs"
)

// QuotaSpecificRequest handles GET and PUT on /v1/quota/{tenant}.
func (s *HTTPServer) QuotaSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	tenantID := strings.TrimPrefix(req.URL.Path, "/v1/quota/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		return nil, CodedError(400, "expected /v1/quota/{tenant}")
	}
	if err := structs.ValidateName("tenant_id", tenantID); err != nil {
		return nil, CodedError(400, err.Error())
	}

	switch req.Method {
	case http.MethodGet:
		return s.quotaQuery(resp, req, tenantID)
	case http.MethodPut, http.MethodPost:
		return s.quotaUpdate(resp, req, tenantID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) quotaQuery(resp http.ResponseWriter, req *http.Request, tenantID string) (interface{}, error) {
	quota, err := s.agent.store.QuotaByTenant(req.Context(), tenantID)
	if err != nil {
		return nil, err
	}
	if quota == nil {
		return nil, CodedError(404, structs.ErrQuotaNotFound.Error())
	}
	return quota, nil
}

func (s *HTTPServer) quotaUpdate(resp http.ResponseWriter, req *http.Request, tenantID string) (interface{}, error) {
	var quota structs.Quota
	if err := decodeBody(req, &quota); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if err := quota.Validate(); err != nil {
		return nil, CodedError(400, err.Error())
	}

	// Stamp the bucket so the first claim's refill window opens now
	// rather than at the epoch.
	quota.LastMS = time.Now().UnixMilli()

	if err := s.agent.store.PutQuota(req.Context(), tenantID, &quota); err != nil {
		return nil, err
	}
	return &quota, nil
}
