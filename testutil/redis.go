// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// Redis starts an in-process redis server for the test and returns it along
// with a connected client. Both are torn down with the test.
//
// The server starts with a wall clock pinned by miniredis; tests that care
// about time-based behavior should drive it with SetTime / FastForward
// rather than sleeping.
func Redis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: srv.Addr(),
	})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return srv, client
}
