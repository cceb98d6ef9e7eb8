// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/ci"
	"github.com/hashicorp/stint/helper/pointer"
	"github.com/hashicorp/stint/helper/testlog"
	testing "github.com/mitchellh/go-testing-interface"
)

const (
	stubCollectionInterval = 10 * time.Millisecond
	stubRetention          = time.Second
)

// TestAgent encapsulates a dev-mode agent with an HTTP server bound to a
// private port, for endpoint and client tests.
type TestAgent struct {
	T testing.T

	// Config is the agent configuration. It is populated with sane dev
	// defaults before Start and may be tweaked by the callback.
	Config *Config

	// Agent and Server are set once Start returns.
	Agent  *Agent
	Server *HTTPServer
}

// NewTestAgent starts a new test agent. The callback may mutate the config
// before the agent boots. Shutdown is registered with the test cleanup.
func NewTestAgent(t testing.T, cb func(*Config)) *TestAgent {
	a := &TestAgent{
		T:      t,
		Config: DevConfig(),
	}

	// keep endpoint tests quiet and quick: API-only unless the test
	// opts in to workers
	a.Config.Plane.Workers = pointer.Of(0)
	a.Config.Plane.DelayScheduler.Enabled = pointer.Of(false)
	a.Config.Plane.Reaper.Enabled = pointer.Of(false)
	a.Config.Ports.HTTP = ci.PortAllocator.One()

	if cb != nil {
		cb(a.Config)
	}

	a.start()
	return a
}

func (a *TestAgent) start() {
	if err := a.Config.normalizeAddrs(); err != nil {
		a.T.Fatalf("failed to normalize test agent addrs: %v", err)
	}
	if err := a.Config.Validate(); err != nil {
		a.T.Fatalf("invalid test agent config: %v", err)
	}

	logger := testlog.HCLogger(a.T)
	inm := metrics.NewInmemSink(stubCollectionInterval, stubRetention)

	agent, err := NewAgent(a.Config, logger, inm)
	if err != nil {
		a.T.Fatalf("failed to start test agent: %v", err)
	}
	a.Agent = agent

	srv, err := NewHTTPServer(agent, a.Config)
	if err != nil {
		_ = agent.Shutdown()
		a.T.Fatalf("failed to start test http server: %v", err)
	}
	a.Server = srv

	a.T.Cleanup(func() { a.Shutdown() })
}

// HTTPAddr returns the URL clients should dial.
func (a *TestAgent) HTTPAddr() string {
	return fmt.Sprintf("http://%s", a.Server.Addr)
}

// Shutdown stops the HTTP server and the agent. Safe to call twice.
func (a *TestAgent) Shutdown() {
	if a.Server != nil {
		a.Server.Shutdown()
		a.Server = nil
	}
	if a.Agent != nil {
		_ = a.Agent.Shutdown()
		a.Agent = nil
	}
}
