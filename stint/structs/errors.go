// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"strings"
)

const (
	errJobNotFound   = "job not found"
	errQuotaNotFound = "quota not found"
	errInvalidCost   = "cost_gpu_seconds must be greater than zero"
)

var (
	ErrJobNotFound   = errors.New(errJobNotFound)
	ErrQuotaNotFound = errors.New(errQuotaNotFound)
	ErrInvalidCost   = errors.New(errInvalidCost)
)

// IsErrJobNotFound returns whether the error is due to a missing job record.
// The check is textual so it survives a trip through an RPC or HTTP boundary.
func IsErrJobNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), errJobNotFound)
}

// IsErrQuotaNotFound returns whether the error is due to an unprovisioned
// tenant quota.
func IsErrQuotaNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), errQuotaNotFound)
}
