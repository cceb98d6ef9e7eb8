// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/stint/ci"
	"github.com/stretchr/testify/require"
)

const testConfigHCL = `
name       = "gpu-ingest-1"
log_level  = "WARN"
log_json   = true
bind_addr  = "0.0.0.0"

ports {
  http = 8080
}

plane {
  workers             = 6
  lease_ttl           = "45s"
  renew_every         = "15s"
  delay_on_no_credits = "10s"
  idempotency_ttl     = "24h"
  stream_block        = "2s"
  lease_recovery      = "forfeit"

  delay_scheduler {
    enabled = true
    batch   = 25
    block   = "1s"
  }

  reaper {
    enabled  = true
    batch    = 50
    min_idle = "45s"
    interval = "5s"
  }
}

redis {
  address  = "redis.service.consul:6379"
  password = "hunter2"
  db       = 2
}

blob {
  backend    = "s3"
  cache_size = 128

  s3 {
    bucket = "stint-snapshots"
    region = "us-east-1"
  }
}

limits {
  job_submit_rate = 120
}

telemetry {
  prometheus_metrics  = true
  collection_interval = "5s"
}

http_api_response_headers {
  "X-Frame-Options" = "DENY"
}
`

func writeTestConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_ParseFile(t *testing.T) {
	ci.Parallel(t)

	path := writeTestConfig(t, "agent.hcl", testConfigHCL)
	config, err := ParseConfigFile(path)
	require.NoError(t, err)

	require.Equal(t, "gpu-ingest-1", config.NodeName)
	require.Equal(t, "WARN", config.LogLevel)
	require.True(t, config.LogJson)
	require.Equal(t, "0.0.0.0", config.BindAddr)
	require.Equal(t, 8080, config.Ports.HTTP)

	p := config.Plane
	require.Equal(t, 6, *p.Workers)
	require.Equal(t, 45*time.Second, p.LeaseTTL)
	require.Equal(t, 15*time.Second, p.RenewEvery)
	require.Equal(t, 10*time.Second, p.DelayOnNoCredits)
	require.Equal(t, 24*time.Hour, p.IdempotencyTTL)
	require.Equal(t, 2*time.Second, p.StreamBlock)
	require.Equal(t, "forfeit", p.LeaseRecovery)

	require.True(t, *p.DelayScheduler.Enabled)
	require.Equal(t, 25, p.DelayScheduler.Batch)
	require.Equal(t, time.Second, p.DelayScheduler.Block)

	require.True(t, *p.Reaper.Enabled)
	require.Equal(t, 50, p.Reaper.Batch)
	require.Equal(t, 45*time.Second, p.Reaper.MinIdle)
	require.Equal(t, 5*time.Second, p.Reaper.Interval)

	require.Equal(t, "redis.service.consul:6379", config.Redis.Address)
	require.Equal(t, "hunter2", config.Redis.Password)
	require.Equal(t, 2, config.Redis.DB)

	require.Equal(t, "s3", config.Blob.Backend)
	require.Equal(t, 128, config.Blob.CacheSize)
	require.Equal(t, "stint-snapshots", config.Blob.S3.Bucket)
	require.Equal(t, "us-east-1", config.Blob.S3.Region)

	require.Equal(t, 120, *config.Limits.JobSubmitRate)
	require.True(t, config.Telemetry.PrometheusMetrics)
	require.Equal(t, "DENY", config.HTTPAPIResponseHeaders["X-Frame-Options"])
}

func TestConfig_ParseFile_badDuration(t *testing.T) {
	ci.Parallel(t)

	path := writeTestConfig(t, "agent.hcl", `
plane {
  lease_ttl = "not-a-duration"
}
`)
	_, err := ParseConfigFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "plane.lease_ttl")
}

func TestConfig_LoadConfigDir(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"),
		[]byte(`name = "from-a"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"),
		[]byte(`name = "from-b"
log_level = "ERROR"`), 0o644))
	// ignored: wrong extension and editor droppings
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"),
		[]byte(`name = "never"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl~"),
		[]byte(`name = "never"`), 0o644))

	config, err := LoadConfigDir(dir)
	require.NoError(t, err)

	// alphabetical order, later files win
	require.Equal(t, "from-b", config.NodeName)
	require.Equal(t, "ERROR", config.LogLevel)
	require.Len(t, config.Files, 2)
}
