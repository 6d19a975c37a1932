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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/permission"
)

// FieldKind is the closed set of document field kinds. Serialization
// matches kinds exhaustively; an unrecognized kind is an error, never a
// silent fallthrough.
type FieldKind int32

// Document field kinds.
const (
	FieldString FieldKind = iota + 1
	FieldInt64
	FieldUint64
	FieldBool
	FieldBytes
)

func (k FieldKind) String() string {
	switch k {
	case FieldString:
		return "string"
	case FieldInt64:
		return "int64"
	case FieldUint64:
		return "uint64"
	case FieldBool:
		return "bool"
	case FieldBytes:
		return "bytes"
	}
	return "FieldKind(" + strconv.Itoa(int(k)) + ")"
}

// ParseFieldKind resolves a kind name to its FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	switch s {
	case "string":
		return FieldString, nil
	case "int64":
		return FieldInt64, nil
	case "uint64":
		return FieldUint64, nil
	case "bool":
		return FieldBool, nil
	case "bytes":
		return FieldBytes, nil
	}
	return 0, NewValidationError("field kind", "unknown kind %q", s)
}

// Field is one named, typed document value. Value holds the textual
// representation of the kind: decimal for integers, true/false for bool,
// hex for bytes.
type Field struct {
	Name  string
	Kind  FieldKind
	Value string
}

// Validate checks the value against its kind.
func (f Field) Validate() error {
	if f.Name == "" {
		return NewValidationError("field", "empty field name")
	}
	switch f.Kind {
	case FieldString:
		return nil
	case FieldInt64:
		if _, err := strconv.ParseInt(f.Value, 10, 64); err != nil {
			return NewValidationError("field "+f.Name, "bad int64 value %q", f.Value)
		}
	case FieldUint64:
		if _, err := strconv.ParseUint(f.Value, 10, 64); err != nil {
			return NewValidationError("field "+f.Name, "bad uint64 value %q", f.Value)
		}
	case FieldBool:
		if f.Value != "true" && f.Value != "false" {
			return NewValidationError("field "+f.Name, "bad bool value %q", f.Value)
		}
	case FieldBytes:
		if _, err := hex.DecodeString(f.Value); err != nil {
			return NewValidationError("field "+f.Name, "bad bytes value %q", f.Value)
		}
	default:
		return NewValidationError("field "+f.Name, "unknown kind %d", int32(f.Kind))
	}
	return nil
}

func (f Field) canonical(buf *bytes.Buffer) (err error) {
	if err = f.Validate(); err != nil {
		return
	}
	writeChunk := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		buf.Write(l[:])
		buf.Write(b)
	}
	writeChunk([]byte(f.Name))
	var kind [4]byte
	binary.BigEndian.PutUint32(kind[:], uint32(f.Kind))
	buf.Write(kind[:])
	writeChunk([]byte(f.Value))
	return nil
}

// Document is the typed field set of one stored document.
type Document struct {
	DocID  string
	Fields []Field
}

// LeafHash computes the merkle leaf commitment of the document: the tree
// hash of the canonical serialization of its fields, sorted by name.
func (d *Document) LeafHash() (h hash.Hash, err error) {
	if len(d.Fields) == 0 {
		err = NewValidationError("document "+d.DocID, "empty field set, at least one field is required")
		return
	}

	fields := make([]Field, len(d.Fields))
	copy(fields, d.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 && fields[i-1].Name == f.Name {
			err = NewValidationError("document "+d.DocID, "duplicate field name %q", f.Name)
			return
		}
		if err = f.canonical(&buf); err != nil {
			return
		}
	}
	return hash.THashH(buf.Bytes()), nil
}

// DocumentMetadata tracks ownership and tree placement of one document.
// MerkleIndex is assigned once at creation and never reused, even after
// deletion; OperationNumber advances on every mutation.
type DocumentMetadata struct {
	DocID           string
	CollectionName  string
	MerkleIndex     uint64
	OperationNumber uint64
	Owner           string
	Group           string
	Permission      permission.Permission
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CollectionMetadata holds the default permission and group newly created
// documents inherit.
type CollectionMetadata struct {
	CollectionName string
	Owner          string
	Group          string
	Permission     permission.Permission
	CreatedAt      time.Time
}
