// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stint implements the control plane node: a pool of workers that
// claim and execute jobs under renewable leases, a delay scheduler that
// releases parked jobs when their time arrives, and a reaper that rescues
// entries stranded in dead consumers' pending lists. All durable state lives
// in redis; a node restart loses nothing but in-flight executions, which the
// lease discipline hands to another worker.
package stint

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/stint/stint/state"

	log "github.com/hashicorp/go-hclog"
)

// Server runs the control plane roles this process is configured for.
type Server struct {
	config *Config
	logger log.Logger
	store  *state.StateStore

	workers []*Worker
	delay   *DelayScheduler
	reaper  *Reaper

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdown       bool
	shutdownLock   sync.Mutex
}

// NewServer validates the configuration, prepares the shared streams, and
// starts every enabled role.
func NewServer(config *Config, store *state.StateStore) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("a logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         config,
		logger:         config.Logger.Named("stint"),
		store:          store,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	if err := store.EnsureStreams(ctx); err != nil {
		cancel()
		return nil, err
	}

	for i := 0; i < config.WorkerCount; i++ {
		s.workers = append(s.workers, NewWorker(ctx, config, store))
	}
	if config.EnableDelayScheduler {
		s.delay = NewDelayScheduler(ctx, config, store)
	}
	if config.EnableReaper {
		s.reaper = NewReaper(ctx, config, store)
	}

	s.logger.Info("control plane node started",
		"workers", config.WorkerCount,
		"delay_scheduler", config.EnableDelayScheduler,
		"reaper", config.EnableReaper)
	return s, nil
}

// Shutdown stops every role and waits for their loops to exit. It is safe to
// call more than once.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true
	s.logger.Info("shutting down control plane node")
	s.shutdownCancel()

	for _, w := range s.workers {
		w.Wait()
	}
	if s.delay != nil {
		s.delay.Wait()
	}
	if s.reaper != nil {
		s.reaper.Wait()
	}
	return nil
}

// State returns the server's state store, shared with the HTTP agent.
func (s *Server) State() *state.StateStore {
	return s.store
}

// Stats is used to return statistics for the HTTP agent's health payload.
func (s *Server) Stats() map[string]map[string]string {
	return map[string]map[string]string{
		"stint": {
			"workers":         strconv.Itoa(len(s.workers)),
			"delay_scheduler": strconv.FormatBool(s.delay != nil),
			"reaper":          strconv.FormatBool(s.reaper != nil),
		},
	}
}
