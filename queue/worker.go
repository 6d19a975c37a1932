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

package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/chainbus"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils/log"
)

// Prover computes the zk proof artifact of a single state transition. Proving
// is slow and path-dependent: each invocation receives the aggregate proof of
// the previous step, or nil for the first step of a database.
type Prover interface {
	ProveTransition(ctx context.Context, payload *types.TransitionPayload, previousProof []byte) (proof []byte, err error)
}

// Aggregator folds proved transitions into the per-database rollup path. It
// is implemented by the rollup coordinator; the indirection keeps this
// package free of a dependency on rollup internals.
type Aggregator interface {
	// LatestProof returns the newest off-chain aggregate proof of a
	// database, or nil when no step was folded yet.
	LatestProof(ctx context.Context, database string) (proof []byte, step uint64, err error)
	// FoldProved appends the proved transition to the rollup path and marks
	// the task proved in the same store transaction.
	FoldProved(ctx context.Context, task *types.QueueTask, payload *types.TransitionPayload, proof []byte) error
}

// WorkerConfig tunes one worker loop.
type WorkerConfig struct {
	// Database restricts the worker to one database; empty claims across
	// all databases.
	Database string

	// BackoffBase, BackoffCap and BackoffJitter shape the empty-poll delay:
	// the delay starts at BackoffBase, doubles up to BackoffCap and adds a
	// random jitter in [0, BackoffJitter) per sleep. A claimed and fully
	// handled task resets the delay to BackoffBase.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// MaxEmptyPolls stops the loop after that many consecutive empty polls;
	// zero runs until the context is cancelled.
	MaxEmptyPolls int
}

// Worker drains the task queue, driving the prover over each claimed task
// and folding successful proofs into the rollup.
type Worker struct {
	model  *Model
	prover Prover
	agg    Aggregator
	bus    chainbus.Bus
	cfg    WorkerConfig
}

// NewWorker returns a worker over the given queue model, prover and
// aggregator. Nil buses are allowed and disable event publication.
func NewWorker(model *Model, prover Prover, agg Aggregator, bus chainbus.Bus, cfg WorkerConfig) *Worker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	return &Worker{
		model:  model,
		prover: prover,
		agg:    agg,
		bus:    bus,
		cfg:    cfg,
	}
}

// Run polls the queue until the context is cancelled, a fatal storage error
// occurs, or the empty-poll bound is reached. Transient prover errors
// requeue the task and back the loop off without resetting the delay;
// terminal prover errors fail the task and count as handled work.
func (w *Worker) Run(ctx context.Context) (err error) {
	delay := w.cfg.BackoffBase
	emptyPolls := 0

	for {
		if err = ctx.Err(); err != nil {
			return
		}

		task, err := w.model.Claim(ctx, w.cfg.Database)
		if err != nil {
			return errors.Wrap(err, "claim queue task")
		}

		if task == nil {
			emptyPolls++
			if w.cfg.MaxEmptyPolls > 0 && emptyPolls >= w.cfg.MaxEmptyPolls {
				return nil
			}
			if err = w.sleep(ctx, delay); err != nil {
				return err
			}
			delay = w.nextDelay(delay)
			continue
		}
		emptyPolls = 0

		handled, herr := w.handle(ctx, task)
		if herr != nil {
			return herr
		}
		if handled {
			delay = w.cfg.BackoffBase
			emptyPollGauge.Set(delay.Seconds())
		} else {
			// Transient failure: the task went back to queued, keep
			// backing off before touching it again.
			if err = w.sleep(ctx, delay); err != nil {
				return err
			}
			delay = w.nextDelay(delay)
		}
	}
}

// handle drives one claimed task to a terminal state or back to queued.
// The returned bool reports whether the task was fully handled; false means
// it was requeued after a transient prover error.
func (w *Worker) handle(ctx context.Context, task *types.QueueTask) (handled bool, err error) {
	le := log.WithFields(log.Fields{
		"task":     task.ID,
		"database": task.DatabaseName,
		"sequence": task.SequenceNumber,
	})

	payload, derr := DecodePayload(task.Payload)
	if derr != nil {
		// Undecodable payloads can never succeed; fail them terminally.
		le.WithError(derr).Error("queue task payload is corrupt")
		if err = w.model.MarkFailed(ctx, task.ID, derr.Error()); err != nil {
			return false, err
		}
		failedCounter.Inc()
		w.publish(chainbus.TopicTransitionFailed, task, derr)
		return true, nil
	}

	previous, _, err := w.agg.LatestProof(ctx, task.DatabaseName)
	if err != nil {
		return false, errors.Wrap(err, "load previous aggregate proof")
	}

	proof, perr := w.prover.ProveTransition(ctx, payload, previous)
	if perr != nil {
		var transient *types.TransientProverError
		if errors.As(perr, &transient) {
			le.WithError(perr).Info("transient prover failure, requeueing task")
			if err = w.model.Requeue(ctx, task.ID); err != nil {
				return false, err
			}
			requeuedCounter.Inc()
			return false, nil
		}
		le.WithError(perr).Error("prover failed terminally")
		if err = w.model.MarkFailed(ctx, task.ID, perr.Error()); err != nil {
			return false, err
		}
		failedCounter.Inc()
		w.publish(chainbus.TopicTransitionFailed, task, perr)
		return true, nil
	}

	if ferr := w.agg.FoldProved(ctx, task, payload, proof); ferr != nil {
		var consistency *types.ConsistencyError
		if !errors.As(ferr, &consistency) {
			return false, errors.Wrap(ferr, "fold proved transition")
		}
		// A fold gap or root regression is a defect, not a prover
		// hiccup; surface it on the task and keep the loop alive.
		le.WithError(ferr).Error("rollup fold rejected proved transition")
		if err = w.model.MarkFailed(ctx, task.ID, ferr.Error()); err != nil {
			return false, err
		}
		failedCounter.Inc()
		w.publish(chainbus.TopicTransitionFailed, task, ferr)
		return true, nil
	}

	provedCounter.Inc()
	le.Debug("transition proved and folded")
	w.publish(chainbus.TopicTransitionProved, task, payload)
	return true, nil
}

func (w *Worker) publish(topic string, args ...interface{}) {
	if w.bus != nil {
		w.bus.Publish(topic, args...)
	}
}

// nextDelay doubles the delay up to the configured cap.
func (w *Worker) nextDelay(cur time.Duration) (next time.Duration) {
	next = cur * 2
	if next > w.cfg.BackoffCap {
		next = w.cfg.BackoffCap
	}
	emptyPollGauge.Set(next.Seconds())
	return
}

// sleep waits for the delay plus jitter, honoring context cancellation.
func (w *Worker) sleep(ctx context.Context, delay time.Duration) error {
	if w.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(w.cfg.BackoffJitter)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
