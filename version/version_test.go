// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestVersionInfo_VersionNumber(t *testing.T) {
	v := &VersionInfo{Version: "1.2.3"}
	must.Eq(t, "1.2.3", v.VersionNumber())

	v.VersionPrerelease = "rc1"
	must.Eq(t, "1.2.3-rc1", v.VersionNumber())
}

func TestVersionInfo_FullVersionNumber(t *testing.T) {
	v := &VersionInfo{
		Version:           "1.2.3",
		VersionPrerelease: "dev",
		Revision:          "abc123",
		BuildDate:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	must.Eq(t, "Stint v1.2.3-dev\nBuildDate 2026-01-02T03:04:05Z\nRevision abc123",
		v.FullVersionNumber(true))
	must.Eq(t, "Stint v1.2.3-dev\nBuildDate 2026-01-02T03:04:05Z",
		v.FullVersionNumber(false))
}
