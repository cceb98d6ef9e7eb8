// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stint

import (
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/stint/blob"
	"github.com/hashicorp/stint/helper/testlog"
	"github.com/hashicorp/stint/stint/state"
	testing "github.com/mitchellh/go-testing-interface"
	redis "github.com/redis/go-redis/v9"
	"github.com/shoenig/test/must"
)

// TestConfigForServer provides a fully functional Config to pass to
// NewServer(), with timing tightened so lifecycle tests finish in
// milliseconds instead of minutes. It can be changed beforehand to induce
// different behavior.
func TestConfigForServer(t testing.T) *Config {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.WorkerCount = 2
	config.LeaseTTL = 3 * time.Second
	config.RenewInterval = 250 * time.Millisecond
	config.CreditRetryDelay = 100 * time.Millisecond
	config.DequeueBlock = 25 * time.Millisecond
	config.DelayBlock = 25 * time.Millisecond
	config.ReapMinIdle = 3 * time.Second
	config.ReapInterval = 100 * time.Millisecond
	return config
}

// TestServer starts a control plane node against a private in-process redis
// and returns it with a cleanup func. The redis server is returned too so
// tests can manipulate time or inspect raw keys.
func TestServer(t testing.T, cb func(*Config)) (*Server, *miniredis.Miniredis, func()) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	config := TestConfigForServer(t)
	store := state.NewStateStore(client, config.Logger)
	if cb != nil {
		cb(config)
	}
	if config.Executor == nil && config.WorkerCount > 0 {
		config.Executor = NewSimExecutor(store, blob.NewMemory(), config.Logger)
	}

	server, err := NewServer(config, store)
	must.NoError(t, err, must.Sprint("failed to start test server"))
	return server, srv, func() { _ = server.Shutdown() }
}
