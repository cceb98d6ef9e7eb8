// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/stint/stint/structs"
)

// idempotencyHeader carries the client's replay token on submissions.
const idempotencyHeader = "Idempotency-Key"

// JobsRequest handles POST /v1/jobs and its legacy alias POST /submit.
func (s *HTTPServer) JobsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	sub, err := parseJobSubmission(req)
	if err != nil {
		return nil, CodedError(400, err.Error())
	}
	if err := sub.Validate(); err != nil {
		return nil, CodedError(400, err.Error())
	}

	if s.submitLimiter != nil {
		_, _, _, ok, err := s.submitLimiter.Take(req.Context(), sub.TenantID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, CodedError(429, ErrRateLimited)
		}
	}

	out, replayed, err := s.agent.store.SubmitJob(req.Context(), sub, s.agent.idempotencyTTL())
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Debug("replayed idempotent submission", "tenant_id", sub.TenantID, "job_id", out.JobID)
	}
	return out, nil
}

// parseJobSubmission accepts a JSON body, falling back to form and query
// parameters for clients of the original wire contract.
func parseJobSubmission(req *http.Request) (*structs.JobSubmitRequest, error) {
	sub := &structs.JobSubmitRequest{
		CostGPUSeconds: 5.0,
	}

	ct := req.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := decodeBody(req, sub); err != nil {
			return nil, err
		}
	} else {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		sub.TenantID = req.Form.Get("tenant_id")
		sub.AgentID = req.Form.Get("agent_id")
		sub.Prompt = req.Form.Get("prompt")
		if raw := req.Form.Get("cost_gpu_seconds"); raw != "" {
			cost, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, err
			}
			sub.CostGPUSeconds = cost
		}
	}

	sub.IdempotencyKey = req.Header.Get(idempotencyHeader)
	return sub, nil
}

// JobSpecificRequest handles GET /v1/job/{tenant}/{job}.
func (s *HTTPServer) JobSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	path := strings.TrimPrefix(req.URL.Path, "/v1/job/")
	tenantID, jobID, ok := strings.Cut(path, "/")
	if !ok || tenantID == "" || jobID == "" || strings.Contains(jobID, "/") {
		return nil, CodedError(400, "expected /v1/job/{tenant}/{job}")
	}

	job, err := s.agent.store.JobByID(req.Context(), tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, CodedError(404, structs.ErrJobNotFound.Error())
	}
	return job, nil
}
