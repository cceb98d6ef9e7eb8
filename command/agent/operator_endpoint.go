// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"time"

	"github.com/hashicorp/stint/stint/structs"
)

// LeasesRequest handles GET /v1/leases: the reservations index, which is the
// authoritative view of in-flight GPU capacity. Expired leases are filtered
// out unless ?stale is set, so the default answer is what is genuinely
// running while ?stale shows what the reaper still owes us.
func (s *HTTPServer) LeasesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	leases, err := s.agent.store.Leases(req.Context())
	if err != nil {
		return nil, err
	}

	_, includeStale := req.URL.Query()["stale"]
	if includeStale {
		return leases, nil
	}

	now := time.Now().UnixMilli()
	live := make([]*structs.Lease, 0, len(leases))
	for _, l := range leases {
		if !l.Expired(now) {
			live = append(live, l)
		}
	}
	return live, nil
}
