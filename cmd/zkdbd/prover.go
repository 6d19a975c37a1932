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

package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/merkle"
	"github.com/harris1111/zkDatabase/types"
)

// commitmentProver is a development stand-in for the external zk proving
// service. It checks the witness path of each transition and emits a
// recursive hash commitment over the previous artifact and the new root, so
// the rollup chain stays verifiable end to end without a circuit attached.
// TODO: replace with the rpc client of the proving service once it ships.
type commitmentProver struct{}

func (commitmentProver) ProveTransition(_ context.Context, payload *types.TransitionPayload, previousProof []byte) ([]byte, error) {
	if !merkle.VerifyProof(payload.LeafOld, payload.MerkleProof, payload.MerkleRootOld) {
		return nil, errors.Errorf("transition %d of %s: witness does not fold to the old root",
			payload.OperationNumber, payload.DatabaseName)
	}
	if !merkle.VerifyProof(payload.LeafNew, payload.MerkleProof, payload.MerkleRootNew) {
		return nil, errors.Errorf("transition %d of %s: witness does not fold to the new root",
			payload.OperationNumber, payload.DatabaseName)
	}

	buf := make([]byte, 0, len(previousProof)+hash.HashSize)
	buf = append(buf, previousProof...)
	buf = append(buf, payload.MerkleRootNew.CloneBytes()...)
	artifact := hash.THashB(buf)
	return artifact, nil
}
