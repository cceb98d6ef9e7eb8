// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent runs the stint daemon: an HTTP ingress surface plus any
// combination of the control plane roles (workers, delay scheduler, reaper)
// over a shared redis.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/blob"
	"github.com/hashicorp/stint/stint"
	"github.com/hashicorp/stint/stint/state"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	log "github.com/hashicorp/go-hclog"
)

// redisDialTimeout bounds the startup ping so a bad address fails fast
// instead of wedging agent boot.
const redisDialTimeout = 10 * time.Second

// Agent is a long running daemon that runs the HTTP API and the control
// plane roles this node is configured for. Every instance of state it holds
// lives in redis; the agent itself is stateless and safe to restart.
type Agent struct {
	config     *Config
	configLock sync.Mutex

	logger     log.InterceptLogger
	httpLogger log.Logger

	// redisClient is the shared connection pool handed to the state store.
	redisClient *redis.Client

	// embedded is the in-process redis run in dev mode, nil otherwise.
	embedded *miniredis.Miniredis

	// store is the durable layer shared by the HTTP endpoints and the
	// control plane server.
	store *state.StateStore

	// server is the control plane node. Nil when this agent is API-only
	// (no workers, no delay scheduler, no reaper).
	server *stint.Server

	// blobs holds agent state snapshots for the executor.
	blobs blob.Store

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	// InmemSink is the in-memory metrics sink served by /v1/metrics.
	InmemSink *metrics.InmemSink
}

// NewAgent is used to create a new agent with the given configuration
func NewAgent(config *Config, logger log.InterceptLogger, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger,
		httpLogger: logger.ResetNamed("http"),
		shutdownCh: make(chan struct{}),
		InmemSink:  inmem,
	}

	if err := a.setupRedis(); err != nil {
		return nil, err
	}
	if err := a.setupBlobStore(); err != nil {
		return nil, err
	}
	if err := a.setupPlane(); err != nil {
		return nil, err
	}

	if t := config.Telemetry; t != nil && t.PrometheusMetrics {
		// duplicate registration happens when tests run several agents
		// in one process, and is fine: the first collector wins
		if err := prometheus.Register(newLeaseCollector(a.store)); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, fmt.Errorf("failed to register lease collector: %v", err)
			}
		}
	}

	return a, nil
}

// setupRedis connects the shared client and builds the state store. In dev
// mode an in-process redis is started first so the agent is self-contained.
func (a *Agent) setupRedis() error {
	conf := a.config.Redis
	if conf == nil {
		conf = &RedisConfig{}
	}

	addr := conf.Address
	if a.config.DevMode && addr == "" {
		srv, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start embedded redis: %v", err)
		}
		a.embedded = srv
		addr = srv.Addr()
		a.logger.Info("started embedded redis for dev mode", "addr", addr)
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	a.store = state.NewStateStore(a.redisClient, a.logger)
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %v", addr, err)
	}
	if err := a.store.EnsureStreams(ctx); err != nil {
		return err
	}
	return nil
}

// setupBlobStore builds the snapshot store named by the blob block,
// optionally wrapped with the read-through cache.
func (a *Agent) setupBlobStore() error {
	conf := a.config.Blob
	if conf == nil {
		conf = &BlobConfig{}
	}

	var store blob.Store
	switch conf.Backend {
	case "", "memory":
		store = blob.NewMemory()
	case "s3":
		if conf.S3 == nil || conf.S3.Bucket == "" {
			return fmt.Errorf("blob backend %q requires an s3 block with a bucket", conf.Backend)
		}
		s3, err := blob.NewS3(context.Background(), conf.S3.Bucket, conf.S3.Region)
		if err != nil {
			return fmt.Errorf("failed to build s3 blob store: %v", err)
		}
		store = s3
	default:
		return fmt.Errorf("unknown blob backend %q", conf.Backend)
	}

	if conf.CacheSize > 0 {
		cached, err := blob.NewCached(store, conf.CacheSize)
		if err != nil {
			return err
		}
		store = cached
	}

	a.blobs = store
	return nil
}

// setupPlane starts the control plane server when any role is enabled.
func (a *Agent) setupPlane() error {
	conf := a.config.StintConfig()
	conf.Logger = a.logger

	if a.config.DevMode && a.config.Plane != nil && a.config.Plane.Workers == nil {
		// dev nodes run workers even when the config file is silent
		conf.WorkerCount = 2
	}

	if conf.WorkerCount == 0 && !conf.EnableDelayScheduler && !conf.EnableReaper {
		a.logger.Info("no control plane roles enabled, running API only")
		return nil
	}

	if conf.WorkerCount > 0 {
		conf.Executor = stint.NewSimExecutor(a.store, a.blobs, a.logger)
	}

	server, err := stint.NewServer(conf, a.store)
	if err != nil {
		return fmt.Errorf("failed to start control plane: %v", err)
	}
	a.server = server
	return nil
}

// Server returns the control plane server, or nil on an API-only agent.
func (a *Agent) Server() *stint.Server {
	return a.server
}

// State returns the agent's state store.
func (a *Agent) State() *state.StateStore {
	return a.store
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			a.logger.Error("control plane shutdown failed", "error", err)
		}
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.embedded != nil {
		a.embedded.Close()
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// Stats is used to return statistics for debugging and insight for the
// agent self endpoint and the health payload.
func (a *Agent) Stats() map[string]map[string]string {
	ver := ""
	if a.config.Version != nil {
		ver = a.config.Version.VersionNumber()
	}
	stats := map[string]map[string]string{
		"agent": {
			"node_name": a.config.NodeName,
			"dev_mode":  fmt.Sprintf("%v", a.config.DevMode),
			"version":   ver,
		},
	}
	if a.server != nil {
		for k, v := range a.server.Stats() {
			stats[k] = v
		}
	}
	return stats
}

// idempotencyTTL returns the configured submission replay window.
func (a *Agent) idempotencyTTL() time.Duration {
	if p := a.config.Plane; p != nil && p.IdempotencyTTL > 0 {
		return p.IdempotencyTTL
	}
	return stint.DefaultConfig().IdempotencyTTL
}

// GetConfig returns the current agent configuration.
func (a *Agent) GetConfig() *Config {
	a.configLock.Lock()
	defer a.configLock.Unlock()
	return a.config
}
