/*
 * Copyright 2024 The zkDatabase Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package twopc provides a two-phase commit coordinator for write batches
// spanning physically separate stores. The document store and the queue/log
// store cannot share one ACID scope, so a mutation is prepared on every
// store first and only committed once all prepares succeed; any failure
// rolls all prepared stores back in compensation.
package twopc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/utils/log"
)

// Hook are called during 2PC running.
type Hook func(ctx context.Context) error

// Options represents options of a 2PC coordinator.
type Options struct {
	timeout        time.Duration
	beforePrepare  Hook
	beforeCommit   Hook
	beforeRollback Hook
	afterCommit    Hook
}

// Worker represents a 2PC worker who implements Prepare, Commit, and Rollback.
type Worker interface {
	Prepare(ctx context.Context, wb WriteBatch) error
	Commit(ctx context.Context, wb WriteBatch) error
	Rollback(ctx context.Context, wb WriteBatch) error
}

// WriteBatch is an empty interface which will be passed to Worker methods.
type WriteBatch interface{}

// Coordinator is a 2PC coordinator.
type Coordinator struct {
	option *Options
}

// NewCoordinator creates a new 2PC Coordinator.
func NewCoordinator(opt *Options) *Coordinator {
	return &Coordinator{
		option: opt,
	}
}

// NewOptions returns a new coordinator option.
func NewOptions(timeout time.Duration) *Options {
	return &Options{
		timeout: timeout,
	}
}

// NewOptionsWithCallback returns a new coordinator option with before
// prepare/commit/rollback callback.
func NewOptionsWithCallback(timeout time.Duration,
	beforePrepare Hook, beforeCommit Hook, beforeRollback Hook, afterCommit Hook) *Options {
	return &Options{
		timeout:        timeout,
		beforePrepare:  beforePrepare,
		beforeCommit:   beforeCommit,
		beforeRollback: beforeRollback,
		afterCommit:    afterCommit,
	}
}

func (c *Coordinator) rollback(ctx context.Context, workers []Worker, wb WriteBatch) (err error) {
	errs := make([]error, len(workers))
	wg := sync.WaitGroup{}

	for index, worker := range workers {
		wg.Add(1)
		go func(n Worker, e *error) {
			*e = n.Rollback(ctx, wb)
			wg.Done()
		}(worker, &errs[index])
	}

	wg.Wait()

	for _, err = range errs {
		if err != nil {
			return err
		}
	}

	return errors.New("twopc: rollback")
}

func (c *Coordinator) commit(ctx context.Context, workers []Worker, wb WriteBatch) (err error) {
	errs := make([]error, len(workers))
	wg := sync.WaitGroup{}

	for index, worker := range workers {
		wg.Add(1)
		go func(n Worker, e *error) {
			*e = n.Commit(ctx, wb)
			wg.Done()
		}(worker, &errs[index])
	}

	wg.Wait()

	for _, err = range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// Put initiates a 2PC process to apply given WriteBatch on all workers.
func (c *Coordinator) Put(workers []Worker, wb WriteBatch) (err error) {
	// Initiate phase one: ask stores to prepare for progress
	ctx, cancel := context.WithTimeout(context.Background(), c.option.timeout)
	defer cancel()

	if c.option.beforePrepare != nil {
		if err := c.option.beforePrepare(ctx); err != nil {
			return err
		}
	}

	// Prepare runs in slice order, not in parallel. Each store keeps its
	// busy lock from Prepare until Commit/Rollback, so the slice order is
	// a total acquisition order: two concurrent batches cannot each hold
	// one store and wait on the other.
	var returnErr error
	for index, worker := range workers {
		if err := worker.Prepare(ctx, wb); err != nil {
			returnErr = err
			log.Debugf("prepare failed on %v: err = %v", workers[index], err)
			break
		}
	}

	if returnErr == nil && c.option.beforeCommit != nil {
		if err := c.option.beforeCommit(ctx); err != nil {
			returnErr = err
			log.Debugf("before commit failed: err = %v", err)
		}
	}

	if returnErr != nil {
		if c.option.beforeRollback != nil {
			// ignore rollback fail options
			c.option.beforeRollback(ctx)
		}

		// Rollback of a store that never prepared is a no-op.
		c.rollback(ctx, workers, wb)

		return returnErr
	}

	err = c.commit(ctx, workers, wb)

	if c.option.afterCommit != nil {
		if err = c.option.afterCommit(ctx); err != nil {
			log.Debugf("after commit failed: err = %v", err)
		}
	}

	return
}
