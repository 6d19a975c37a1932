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

package sequencer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/harris1111/zkDatabase/storage"
)

func testSequencer(t *testing.T) (*storage.Storage, *Sequencer) {
	t.Helper()
	fl := filepath.Join(t.TempDir(), "document.db")
	st, err := storage.New(storage.RoleDocument, fmt.Sprintf("file:%s", fl))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s, err := New(st)
	if err != nil {
		t.Fatalf("open sequencer: %v", err)
	}
	return st, s
}

func TestNext(t *testing.T) {
	Convey("sequencer", t, func() {
		ctx := context.Background()
		_, s := testSequencer(t)

		Convey("starts at the initial value and increments by one", func() {
			for want := uint64(InitialValue); want <= 5; want++ {
				got, err := s.Next(ctx, "orders", SeqOperation)
				So(err, ShouldBeNil)
				So(got, ShouldEqual, want)
			}
		})

		Convey("counters are independent per database and name", func() {
			v, err := s.Next(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1)

			v, err = s.Next(ctx, "users", SeqOperation)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1)

			v, err = s.Next(ctx, "orders", "another")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1)
		})

		Convey("current reads without reserving", func() {
			v, err := s.Current(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 0)

			_, err = s.Next(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			v, err = s.Current(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1)
		})
	})
}

func TestNextConcurrent(t *testing.T) {
	ctx := context.Background()
	_, s := testSequencer(t)

	const n = 32
	values := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			v, err := s.Next(ctx, "orders", SeqOperation)
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			values[slot] = v
		}(i)
	}
	wg.Wait()

	// Concurrent reservations must resolve to exactly 1..n, no gaps, no
	// duplicates.
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		if v != uint64(i+1) {
			t.Fatalf("gap or duplicate at position %d: %v", i, values)
		}
	}
}

func TestStageNext(t *testing.T) {
	Convey("staged reservation", t, func() {
		ctx := context.Background()
		st, s := testSequencer(t)

		value, q, err := s.StageNext(ctx, "orders", SeqOperation)
		So(err, ShouldBeNil)
		So(value, ShouldEqual, 1)

		Convey("reserves nothing until the query commits", func() {
			cur, err := s.Current(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(cur, ShouldEqual, 0)

			// Abandoning the staged query leaves the counter gapless.
			again, _, err := s.StageNext(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(again, ShouldEqual, 1)
		})

		Convey("advances the counter once committed", func() {
			So(st.Exec(ctx, []storage.Query{q}), ShouldBeNil)

			cur, err := s.Current(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(cur, ShouldEqual, 1)

			next, _, err := s.StageNext(ctx, "orders", SeqOperation)
			So(err, ShouldBeNil)
			So(next, ShouldEqual, 2)
		})
	})
}
