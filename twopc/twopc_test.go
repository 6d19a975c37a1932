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

package twopc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeWorker records its lifecycle and optionally fails one phase.
type fakeWorker struct {
	mu         sync.Mutex
	prepared   int
	committed  int
	rolledBack int
	prepareErr error
	commitErr  error
}

func (w *fakeWorker) Prepare(_ context.Context, _ WriteBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prepareErr != nil {
		return w.prepareErr
	}
	w.prepared++
	return nil
}

func (w *fakeWorker) Commit(_ context.Context, _ WriteBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitErr != nil {
		return w.commitErr
	}
	w.committed++
	return nil
}

func (w *fakeWorker) Rollback(_ context.Context, _ WriteBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rolledBack++
	return nil
}

func TestCoordinatorPut(t *testing.T) {
	Convey("two-phase commit", t, func() {
		c := NewCoordinator(NewOptions(time.Second))
		a, b := &fakeWorker{}, &fakeWorker{}
		wb := struct{}{}

		Convey("commits on every worker when all prepares succeed", func() {
			So(c.Put([]Worker{a, b}, wb), ShouldBeNil)
			So(a.committed, ShouldEqual, 1)
			So(b.committed, ShouldEqual, 1)
			So(a.rolledBack, ShouldEqual, 0)
		})

		Convey("rolls every worker back when one prepare fails", func() {
			b.prepareErr = errors.New("disk full")
			err := c.Put([]Worker{a, b}, wb)
			So(err, ShouldNotBeNil)
			So(errors.Cause(err).Error(), ShouldEqual, "disk full")
			So(a.prepared, ShouldEqual, 1)
			So(a.committed, ShouldEqual, 0)
			So(a.rolledBack, ShouldEqual, 1)
			So(b.rolledBack, ShouldEqual, 1)
		})

		Convey("surfaces a commit failure", func() {
			b.commitErr = errors.New("commit torn")
			err := c.Put([]Worker{a, b}, wb)
			So(err, ShouldNotBeNil)
			So(a.committed, ShouldEqual, 1)
		})
	})
}

// lockingWorker models a store that stays busy from Prepare until the
// batch resolves, the way the sqlite stores do.
type lockingWorker struct {
	busy sync.Mutex
}

func (w *lockingWorker) Prepare(_ context.Context, _ WriteBatch) error {
	w.busy.Lock()
	return nil
}

func (w *lockingWorker) Commit(_ context.Context, _ WriteBatch) error {
	w.busy.Unlock()
	return nil
}

func (w *lockingWorker) Rollback(_ context.Context, _ WriteBatch) error {
	w.busy.Unlock()
	return nil
}

func TestCoordinatorAcquisitionOrder(t *testing.T) {
	// Two coordinators sharing the same pair of stores must never hold one
	// store each while waiting on the other. Sequential prepare in slice
	// order makes the slice a total acquisition order.
	a, b := &lockingWorker{}, &lockingWorker{}
	workers := []Worker{a, b}

	const callers = 2
	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCoordinator(NewOptions(time.Second))
			for r := 0; r < rounds; r++ {
				if err := c.Put(workers, struct{}{}); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent batches on a shared store pair never completed")
	}
}

func TestCoordinatorHooks(t *testing.T) {
	Convey("coordinator hooks", t, func() {
		var order []string
		note := func(name string) Hook {
			return func(context.Context) error {
				order = append(order, name)
				return nil
			}
		}

		Convey("fire around a successful commit", func() {
			c := NewCoordinator(NewOptionsWithCallback(time.Second,
				note("beforePrepare"), note("beforeCommit"), note("beforeRollback"), note("afterCommit")))
			w := &fakeWorker{}
			So(c.Put([]Worker{w}, struct{}{}), ShouldBeNil)
			So(order, ShouldResemble, []string{"beforePrepare", "beforeCommit", "afterCommit"})
		})

		Convey("a failing beforeCommit rolls back instead", func() {
			c := NewCoordinator(NewOptionsWithCallback(time.Second,
				note("beforePrepare"),
				func(context.Context) error { return errors.New("vetoed") },
				note("beforeRollback"), note("afterCommit")))
			w := &fakeWorker{}
			err := c.Put([]Worker{w}, struct{}{})
			So(err, ShouldNotBeNil)
			So(w.rolledBack, ShouldEqual, 1)
			So(order, ShouldResemble, []string{"beforePrepare", "beforeRollback"})
		})
	})
}
