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
	"time"

	"github.com/harris1111/zkDatabase/crypto/hash"
)

// TransactionStatus is the externally tracked state of an on-chain
// submission.
type TransactionStatus string

// On-chain transaction states.
const (
	TxUnsigned  TransactionStatus = "unsigned"
	TxSigned    TransactionStatus = "signed"
	TxBroadcast TransactionStatus = "broadcast"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// RollupState is the drift state of a database's on-chain commitment.
type RollupState string

// Rollup drift states.
const (
	RollupUpdated  RollupState = "updated"
	RollupOutdated RollupState = "outdated"
)

// RollupOffChainRecord is one aggregate fold step. Step is a monotonically
// increasing, gapless counter per database, one per proved transition.
type RollupOffChainRecord struct {
	ID                  int64
	DatabaseName        string
	Step                uint64
	MerkleRootOld       hash.Hash
	MerkleRootNew       hash.Hash
	TransitionOperation uint64
	Proof               []byte
	CreatedAt           time.Time
}

// RollupOnChainHistory tracks one on-chain submission of an off-chain
// proof. At most one non-failed entry may reference a given off-chain
// record.
type RollupOnChainHistory struct {
	ID                   int64
	DatabaseName         string
	OffChainID           int64
	Step                 uint64
	MerkleRootOnChainOld hash.Hash
	MerkleRootOnChainNew hash.Hash
	TransactionHash      string
	Status               TransactionStatus
	Error                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RollupStateSummary is the drift query response for one database.
type RollupStateSummary struct {
	DatabaseName         string
	MerkleRootOnChainOld *hash.Hash
	MerkleRootOnChainNew *hash.Hash
	RollupDifferent      int64
	State                RollupState
	LatestOnChainSuccess *time.Time
}
