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
	"time"

	"github.com/harris1111/zkDatabase/crypto/hash"
)

// MerkleProofNode is one step of a leaf-to-root witness path. On the wire
// the sibling hash travels in decimal string encoding.
type MerkleProofNode struct {
	IsLeft  bool
	Sibling hash.Hash
}

type merkleProofNodeWire struct {
	IsLeft  bool   `json:"isLeft"`
	Sibling string `json:"sibling"`
}

// MarshalJSON implements the json.Marshaler interface.
func (n MerkleProofNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(merkleProofNodeWire{
		IsLeft:  n.IsLeft,
		Sibling: n.Sibling.Decimal(),
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (n *MerkleProofNode) UnmarshalJSON(data []byte) (err error) {
	var wire merkleProofNodeWire
	if err = json.Unmarshal(data, &wire); err != nil {
		return
	}
	sibling, err := hash.FromDecimal(wire.Sibling)
	if err != nil {
		return
	}
	n.IsLeft = wire.IsLeft
	n.Sibling = *sibling
	return nil
}

// TransitionLog is the immutable record of one tree mutation, strictly
// ordered by OperationNumber within its database.
type TransitionLog struct {
	OperationNumber uint64
	DocID           string
	CollectionName  string
	MerkleIndex     uint64
	LeafOld         hash.Hash
	LeafNew         hash.Hash
	MerkleRootOld   hash.Hash
	MerkleRootNew   hash.Hash
	MerkleProof     []MerkleProofNode
	CreatedAt       time.Time
}

// TransitionPayload is the msgpack-encoded task payload handed to the
// prover: everything needed to prove one leaf transition.
type TransitionPayload struct {
	DatabaseName    string
	CollectionName  string
	DocID           string
	OperationNumber uint64
	MerkleIndex     uint64
	LeafOld         hash.Hash
	LeafNew         hash.Hash
	MerkleRootOld   hash.Hash
	MerkleRootNew   hash.Hash
	MerkleProof     []MerkleProofNode
}
