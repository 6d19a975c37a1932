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

package types

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/permission"
)

func TestErrorMessages(t *testing.T) {
	Convey("error messages carry resource context", t, func() {
		So(NewAuthorizationError("bob", permission.Write, "collection orders").Error(),
			ShouldEqual, `access denied: actor "bob" does not have "write" permission for collection orders`)
		So(NewNotFoundError("document", "d1").Error(), ShouldEqual, `document "d1" not found`)
		So(NewNotFoundError("rollup proof", "").Error(), ShouldEqual, "rollup proof not found")
		So(NewValidationError("filter", "matched %d documents", 2).Error(),
			ShouldContainSubstring, "matched 2 documents")
		So(NewConsistencyError("rollup step", "gap").Error(), ShouldContainSubstring, "consistency violation")
	})

	Convey("wrapping errors unwrap", t, func() {
		inner := NewNotFoundError("document", "d1")
		So((&TransientProverError{Err: inner}).Unwrap(), ShouldEqual, inner)
		So(NewFatalStorageError("document", inner).Unwrap(), ShouldEqual, inner)
	})
}

func TestTaskStatus(t *testing.T) {
	for _, s := range []TaskStatus{TaskQueued, TaskProving, TaskProved, TaskFailed} {
		if !s.Valid() {
			t.Errorf("status %v must be valid", s)
		}
	}
	if TaskStatus("pending").Valid() {
		t.Error("unknown status must be invalid")
	}
}

func TestFieldValidate(t *testing.T) {
	Convey("field validation is exhaustive over kinds", t, func() {
		cases := []struct {
			f  Field
			ok bool
		}{
			{Field{"name", FieldString, "alice"}, true},
			{Field{"age", FieldInt64, "-42"}, true},
			{Field{"age", FieldInt64, "forty"}, false},
			{Field{"count", FieldUint64, "42"}, true},
			{Field{"count", FieldUint64, "-1"}, false},
			{Field{"active", FieldBool, "true"}, true},
			{Field{"active", FieldBool, "yes"}, false},
			{Field{"blob", FieldBytes, "deadbeef"}, true},
			{Field{"blob", FieldBytes, "xyz"}, false},
			{Field{"", FieldString, "x"}, false},
			{Field{"odd", FieldKind(99), "x"}, false},
		}
		for _, c := range cases {
			err := c.f.Validate()
			if c.ok {
				So(err, ShouldBeNil)
			} else {
				So(err, ShouldNotBeNil)
			}
		}
	})
}

func TestFieldKindRoundTrip(t *testing.T) {
	for _, k := range []FieldKind{FieldString, FieldInt64, FieldUint64, FieldBool, FieldBytes} {
		parsed, err := ParseFieldKind(k.String())
		if err != nil || parsed != k {
			t.Errorf("kind round trip failed for %v: %v %v", k, parsed, err)
		}
	}
	if _, err := ParseFieldKind("float128"); err == nil {
		t.Error("unknown kind name must not parse")
	}
}

func TestLeafHash(t *testing.T) {
	Convey("document leaf hash", t, func() {
		doc := &Document{
			DocID: "d1",
			Fields: []Field{
				{"b", FieldInt64, "2"},
				{"a", FieldString, "one"},
			},
		}

		h1, err := doc.LeafHash()
		So(err, ShouldBeNil)
		So(h1.IsZero(), ShouldBeFalse)

		Convey("is independent of field order", func() {
			reordered := &Document{
				DocID:  "d1",
				Fields: []Field{doc.Fields[1], doc.Fields[0]},
			}
			h2, err := reordered.LeafHash()
			So(err, ShouldBeNil)
			So(h2, ShouldResemble, h1)
		})

		Convey("differs on value change", func() {
			changed := &Document{
				DocID:  "d1",
				Fields: []Field{{"b", FieldInt64, "3"}, {"a", FieldString, "one"}},
			}
			h2, err := changed.LeafHash()
			So(err, ShouldBeNil)
			So(h2, ShouldNotResemble, h1)
		})

		Convey("rejects empty field set", func() {
			_, err := (&Document{DocID: "d1"}).LeafHash()
			So(err, ShouldNotBeNil)
		})

		Convey("rejects duplicate field names", func() {
			dup := &Document{
				DocID:  "d1",
				Fields: []Field{{"a", FieldString, "x"}, {"a", FieldString, "y"}},
			}
			_, err := dup.LeafHash()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestMerkleProofNodeWire(t *testing.T) {
	Convey("proof node wire shape", t, func() {
		n := MerkleProofNode{IsLeft: true, Sibling: hash.THashH([]byte("sibling"))}

		enc, err := json.Marshal(n)
		So(err, ShouldBeNil)
		So(string(enc), ShouldContainSubstring, `"isLeft":true`)
		So(string(enc), ShouldContainSubstring, `"sibling":"`+n.Sibling.Decimal()+`"`)

		var dec MerkleProofNode
		So(json.Unmarshal(enc, &dec), ShouldBeNil)
		So(dec, ShouldResemble, n)
	})
}
