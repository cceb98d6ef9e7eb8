// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		Plane: &PlaneConfig{
			DelayScheduler: &DelaySchedulerConfig{},
			Reaper:         &ReaperConfig{},
		},
		Redis: &RedisConfig{},
		Blob: &BlobConfig{
			S3: &S3Config{},
		},
		Limits:    &Limits{},
		Telemetry: &Telemetry{},
		Ports:     &Ports{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"plane.lease_ttl", &c.Plane.LeaseTTL, &c.Plane.LeaseTTLHCL},
		{"plane.renew_every", &c.Plane.RenewEvery, &c.Plane.RenewEveryHCL},
		{"plane.delay_on_no_credits", &c.Plane.DelayOnNoCredits, &c.Plane.DelayOnNoCreditsHCL},
		{"plane.exec_timeout", &c.Plane.ExecTimeout, &c.Plane.ExecTimeoutHCL},
		{"plane.idempotency_ttl", &c.Plane.IdempotencyTTL, &c.Plane.IdempotencyTTLHCL},
		{"plane.stream_block", &c.Plane.StreamBlock, &c.Plane.StreamBlockHCL},
		{"plane.delay_scheduler.block", &c.Plane.DelayScheduler.Block, &c.Plane.DelayScheduler.BlockHCL},
		{"plane.reaper.min_idle", &c.Plane.Reaper.MinIdle, &c.Plane.Reaper.MinIdleHCL},
		{"plane.reaper.interval", &c.Plane.Reaper.Interval, &c.Plane.Reaper.IntervalHCL},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval},
	}

	if err := convertDurations(tds); err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
}

// convertDurations parses the duration strings specified in the config files
// into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		if x.sourceField == nil || *x.sourceField == "" {
			continue
		}

		d, err := time.ParseDuration(*x.sourceField)
		if err != nil {
			return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
		}

		*x.targetField = d
	}

	return nil
}
