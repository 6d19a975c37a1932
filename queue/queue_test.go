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
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/harris1111/zkDatabase/chainbus"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	fl := filepath.Join(t.TempDir(), "queue.db")
	st, err := storage.New(storage.RoleQueue, fmt.Sprintf("file:%s", fl))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m, err := NewModel(st)
	if err != nil {
		t.Fatalf("open queue model: %v", err)
	}
	return m
}

func mustEnqueue(t *testing.T, m *Model, database string, seq uint64) {
	t.Helper()
	payload, err := EncodePayload(&types.TransitionPayload{
		DatabaseName:    database,
		OperationNumber: seq,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err = m.Enqueue(context.Background(), database, seq, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestModelClaimOrder(t *testing.T) {
	Convey("claiming tasks", t, func() {
		ctx := context.Background()
		m := testModel(t)
		mustEnqueue(t, m, "orders", 1)
		mustEnqueue(t, m, "orders", 2)
		mustEnqueue(t, m, "users", 1)

		Convey("returns the oldest queued task of an unblocked database", func() {
			task, err := m.Claim(ctx, "orders")
			So(err, ShouldBeNil)
			So(task, ShouldNotBeNil)
			So(task.SequenceNumber, ShouldEqual, 1)
			So(task.Status, ShouldEqual, types.TaskProving)

			Convey("and holds back later tasks of the same database", func() {
				task, err := m.Claim(ctx, "orders")
				So(err, ShouldBeNil)
				So(task, ShouldBeNil)
			})

			Convey("while other databases stay claimable", func() {
				task, err := m.Claim(ctx, "")
				So(err, ShouldBeNil)
				So(task, ShouldNotBeNil)
				So(task.DatabaseName, ShouldEqual, "users")
			})

			Convey("until the earlier task reaches a terminal state", func() {
				So(m.MarkProved(ctx, task.ID), ShouldBeNil)
				next, err := m.Claim(ctx, "orders")
				So(err, ShouldBeNil)
				So(next, ShouldNotBeNil)
				So(next.SequenceNumber, ShouldEqual, 2)
			})
		})

		Convey("returns nil on an empty database", func() {
			task, err := m.Claim(ctx, "nothing-here")
			So(err, ShouldBeNil)
			So(task, ShouldBeNil)
		})
	})
}

func TestModelClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	m := testModel(t)
	mustEnqueue(t, m, "orders", 1)

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan *types.QueueTask, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := m.Claim(ctx, "orders")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if task != nil {
				claims <- task
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won int
	for range claims {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", won)
	}
}

func TestModelStatusTransitions(t *testing.T) {
	Convey("task status transitions", t, func() {
		ctx := context.Background()
		m := testModel(t)
		mustEnqueue(t, m, "orders", 1)
		task, err := m.Claim(ctx, "orders")
		So(err, ShouldBeNil)

		Convey("proving tasks can be proved, failed or requeued", func() {
			So(m.Requeue(ctx, task.ID), ShouldBeNil)
			got, err := m.Get(ctx, task.ID)
			So(err, ShouldBeNil)
			So(got.Status, ShouldEqual, types.TaskQueued)

			task, err = m.Claim(ctx, "orders")
			So(err, ShouldBeNil)
			So(m.MarkFailed(ctx, task.ID, "boom"), ShouldBeNil)
			got, err = m.Get(ctx, task.ID)
			So(err, ShouldBeNil)
			So(got.Status, ShouldEqual, types.TaskFailed)
			So(got.Error, ShouldEqual, "boom")
		})

		Convey("terminal states refuse further transitions", func() {
			So(m.MarkProved(ctx, task.ID), ShouldBeNil)

			var conflict *types.ConflictError
			So(errors.As(m.MarkFailed(ctx, task.ID, "late"), &conflict), ShouldBeTrue)
			So(errors.As(m.Requeue(ctx, task.ID), &conflict), ShouldBeTrue)
			So(errors.As(m.MarkProved(ctx, task.ID), &conflict), ShouldBeTrue)
		})
	})
}

// fakeProver scripts the outcome per invocation, in order.
type fakeProver struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
	previous [][]byte
}

func (p *fakeProver) ProveTransition(_ context.Context, payload *types.TransitionPayload, previousProof []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previous = append(p.previous, previousProof)
	var err error
	if p.calls < len(p.outcomes) {
		err = p.outcomes[p.calls]
	}
	p.calls++
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("proof-%s-%d", payload.DatabaseName, payload.OperationNumber)), nil
}

// fakeAggregator folds by marking the task proved and remembering the
// latest proof per database.
type fakeAggregator struct {
	mu      sync.Mutex
	model   *Model
	latest  map[string][]byte
	steps   map[string]uint64
	foldErr error
}

func newFakeAggregator(m *Model) *fakeAggregator {
	return &fakeAggregator{
		model:  m,
		latest: make(map[string][]byte),
		steps:  make(map[string]uint64),
	}
}

func (a *fakeAggregator) LatestProof(_ context.Context, database string) ([]byte, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest[database], a.steps[database], nil
}

func (a *fakeAggregator) FoldProved(ctx context.Context, task *types.QueueTask, _ *types.TransitionPayload, proof []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.foldErr != nil {
		return a.foldErr
	}
	q := a.model.StageMarkProved(task.ID, time.Now().UTC())
	if err := a.model.Store().Exec(ctx, []storage.Query{q}); err != nil {
		return err
	}
	a.latest[task.DatabaseName] = proof
	a.steps[task.DatabaseName]++
	return nil
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BackoffBase:   time.Millisecond,
		BackoffCap:    4 * time.Millisecond,
		BackoffJitter: time.Millisecond,
		MaxEmptyPolls: 3,
	}
}

func TestWorkerDrainsQueue(t *testing.T) {
	Convey("worker run", t, func() {
		ctx := context.Background()
		m := testModel(t)
		mustEnqueue(t, m, "orders", 1)
		mustEnqueue(t, m, "orders", 2)

		prover := &fakeProver{}
		agg := newFakeAggregator(m)
		w := NewWorker(m, prover, agg, nil, testWorkerConfig())

		So(w.Run(ctx), ShouldBeNil)

		Convey("proves tasks in sequence order", func() {
			counts, err := m.CountByStatus(ctx, "orders")
			So(err, ShouldBeNil)
			So(counts[types.TaskProved], ShouldEqual, 2)
			So(agg.steps["orders"], ShouldEqual, 2)
		})

		Convey("threads the previous aggregate proof into each step", func() {
			So(prover.previous[0], ShouldBeNil)
			So(string(prover.previous[1]), ShouldEqual, "proof-orders-1")
		})
	})
}

func TestWorkerProverFailures(t *testing.T) {
	Convey("prover failures", t, func() {
		ctx := context.Background()
		m := testModel(t)
		mustEnqueue(t, m, "orders", 1)
		agg := newFakeAggregator(m)

		Convey("transient errors requeue and eventually succeed", func() {
			prover := &fakeProver{outcomes: []error{
				&types.TransientProverError{Err: errors.New("circuit busy")},
				&types.TransientProverError{Err: errors.New("circuit busy")},
				nil,
			}}
			w := NewWorker(m, prover, agg, nil, testWorkerConfig())
			So(w.Run(ctx), ShouldBeNil)

			counts, err := m.CountByStatus(ctx, "orders")
			So(err, ShouldBeNil)
			So(counts[types.TaskProved], ShouldEqual, 1)
			So(prover.calls, ShouldEqual, 3)
		})

		Convey("terminal errors fail the task and record the cause", func() {
			prover := &fakeProver{outcomes: []error{errors.New("constraint unsatisfied")}}
			bus := chainbus.New()
			var heardTask int64
			var heardCause error
			So(bus.Subscribe(chainbus.TopicTransitionFailed, func(task *types.QueueTask, cause error) {
				heardTask = task.ID
				heardCause = cause
			}), ShouldBeNil)
			w := NewWorker(m, prover, agg, bus, testWorkerConfig())
			So(w.Run(ctx), ShouldBeNil)

			counts, err := m.CountByStatus(ctx, "orders")
			So(err, ShouldBeNil)
			So(counts[types.TaskFailed], ShouldEqual, 1)
			So(heardTask, ShouldNotEqual, 0)
			So(heardCause, ShouldNotBeNil)
			So(heardCause.Error(), ShouldContainSubstring, "constraint unsatisfied")
		})

		Convey("fold consistency errors fail the task instead of the loop", func() {
			prover := &fakeProver{}
			agg.foldErr = types.NewConsistencyError("rollup", "step gap")
			w := NewWorker(m, prover, agg, nil, testWorkerConfig())
			So(w.Run(ctx), ShouldBeNil)

			counts, err := m.CountByStatus(ctx, "orders")
			So(err, ShouldBeNil)
			So(counts[types.TaskFailed], ShouldEqual, 1)
		})
	})
}

func TestWorkerShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	// The store is closed by defer, not t.Cleanup: cleanups run after the
	// deferred leak check, which would still see the sql pool goroutine.
	fl := filepath.Join(t.TempDir(), "queue.db")
	st, err := storage.New(storage.RoleQueue, fmt.Sprintf("file:%s", fl))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()
	m, err := NewModel(st)
	if err != nil {
		t.Fatalf("open queue model: %v", err)
	}
	prover := &fakeProver{}
	agg := newFakeAggregator(m)
	cfg := testWorkerConfig()
	cfg.MaxEmptyPolls = 0 // run until cancelled
	w := NewWorker(m, prover, agg, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
