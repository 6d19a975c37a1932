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

package merkle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
)

func testStorage(t *testing.T) *storage.Storage {
	t.Helper()
	fl := filepath.Join(t.TempDir(), "document.db")
	st, err := storage.New(storage.RoleDocument, fmt.Sprintf("file:%s", fl))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// referenceRoot recomputes the root of a tree of the given height from a
// full leaf vector, level by level.
func referenceRoot(height int, leaves []hash.Hash) hash.Hash {
	level := make([]hash.Hash, 1<<uint(height-1))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]hash.Hash, len(level)/2)
		for i := range next {
			next[i] = *MergeTwoHash(&level[2*i], &level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestStoreHeightBounds(t *testing.T) {
	st := testStorage(t)
	for _, h := range []int{0, 1, 7, 257} {
		if _, err := NewStore(st, "db", h); err != ErrInvalidHeight {
			t.Errorf("height %d: expected ErrInvalidHeight, got %v", h, err)
		}
	}
	for _, h := range []int{8, 64, 256} {
		if _, err := NewStore(st, fmt.Sprintf("db%d", h), h); err != nil {
			t.Errorf("height %d: %v", h, err)
		}
	}
}

func TestStoreRoot(t *testing.T) {
	Convey("tree of height 8", t, func() {
		ctx := context.Background()
		st := testStorage(t)
		s, err := NewStore(st, "orders", 8)
		So(err, ShouldBeNil)

		emptyRoot := s.EmptyRoot()

		Convey("empty tree root matches the reference recursion", func() {
			root, err := s.Root(ctx)
			So(err, ShouldBeNil)
			So(root, ShouldResemble, emptyRoot)
			So(root, ShouldResemble, referenceRoot(8, nil))
		})

		Convey("root after writes matches the reference recursion", func() {
			leaves := make([]hash.Hash, 1<<7)
			for _, i := range []uint64{0, 1, 5, 127} {
				leaves[i] = hash.THashH([]byte(fmt.Sprintf("doc-%d", i)))
				_, err := s.SetLeaf(ctx, i, leaves[i])
				So(err, ShouldBeNil)
			}
			root, err := s.Root(ctx)
			So(err, ShouldBeNil)
			So(root, ShouldResemble, referenceRoot(8, leaves))
		})

		Convey("create then delete restores the empty root", func() {
			leaf := hash.THashH([]byte("doc-a"))
			root, err := s.SetLeaf(ctx, 0, leaf)
			So(err, ShouldBeNil)
			So(root, ShouldNotResemble, emptyRoot)

			// The canonical zero value leaf is the tombstone.
			root, err = s.SetLeaf(ctx, 0, hash.Hash{})
			So(err, ShouldBeNil)
			So(root, ShouldResemble, emptyRoot)
		})

		Convey("node survives a cold cache", func() {
			leaf := hash.THashH([]byte("doc-b"))
			_, err := s.SetLeaf(ctx, 3, leaf)
			So(err, ShouldBeNil)

			reopened, err := NewStore(st, "orders", 8)
			So(err, ShouldBeNil)
			got, err := reopened.Node(ctx, 0, 3)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, leaf)
		})
	})
}

func TestStoreProof(t *testing.T) {
	Convey("witness paths", t, func() {
		ctx := context.Background()
		st := testStorage(t)
		s, err := NewStore(st, "orders", 8)
		So(err, ShouldBeNil)

		for _, i := range []uint64{2, 9, 64} {
			_, err := s.SetLeaf(ctx, i, hash.THashH([]byte(fmt.Sprintf("doc-%d", i))))
			So(err, ShouldBeNil)
		}
		root, err := s.Root(ctx)
		So(err, ShouldBeNil)

		Convey("have length height-1 and fold back to the root", func() {
			for i := uint64(0); i < 128; i += 13 {
				leaf, err := s.Node(ctx, 0, i)
				So(err, ShouldBeNil)
				proof, err := s.Proof(ctx, i)
				So(err, ShouldBeNil)
				So(len(proof), ShouldEqual, 7)
				So(VerifyProof(leaf, proof, root), ShouldBeTrue)
			}
		})

		Convey("fail verification against a tampered leaf", func() {
			proof, err := s.Proof(ctx, 2)
			So(err, ShouldBeNil)
			So(VerifyProof(hash.THashH([]byte("bogus")), proof, root), ShouldBeFalse)
		})
	})
}

func TestStoreIndexRange(t *testing.T) {
	Convey("leaf index validation", t, func() {
		ctx := context.Background()
		st := testStorage(t)
		s, err := NewStore(st, "orders", 8)
		So(err, ShouldBeNil)

		_, err = s.SetLeaf(ctx, 1<<7, hash.THashH([]byte("x")))
		var ve *types.ValidationError
		So(errors.As(err, &ve), ShouldBeTrue)

		_, err = s.Proof(ctx, 1<<7)
		So(errors.As(err, &ve), ShouldBeTrue)

		_, err = s.Node(ctx, 8, 0)
		So(errors.As(err, &ve), ShouldBeTrue)
	})
}

func TestStoreStage(t *testing.T) {
	Convey("staged updates", t, func() {
		ctx := context.Background()
		st := testStorage(t)
		s, err := NewStore(st, "orders", 8)
		So(err, ShouldBeNil)

		leaf := hash.THashH([]byte("doc-a"))
		u, err := s.Stage(ctx, 4, leaf)
		So(err, ShouldBeNil)
		So(u.OldLeaf.IsZero(), ShouldBeTrue)
		So(u.OldRoot, ShouldResemble, s.EmptyRoot())
		So(len(u.Proof), ShouldEqual, 7)
		So(u.NewRoot, ShouldResemble, FoldProof(leaf, u.Proof))

		Convey("are not visible until committed", func() {
			root, err := s.Root(ctx)
			So(err, ShouldBeNil)
			So(root, ShouldResemble, s.EmptyRoot())
		})

		Convey("apply through their queries", func() {
			So(st.Exec(ctx, u.Queries()), ShouldBeNil)
			s.Absorb(u)

			root, err := s.Root(ctx)
			So(err, ShouldBeNil)
			So(root, ShouldResemble, u.NewRoot)

			Convey("and match a direct SetLeaf on a sibling tree", func() {
				other, err := NewStore(st, "orders-direct", 8)
				So(err, ShouldBeNil)
				directRoot, err := other.SetLeaf(ctx, 4, leaf)
				So(err, ShouldBeNil)
				So(directRoot, ShouldResemble, u.NewRoot)
			})
		})
	})
}
