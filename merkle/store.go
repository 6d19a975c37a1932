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

// Package merkle implements the persistent sparse merkle tree of one
// database.
//
// A tree of height h spans levels 0 (leaves) to h-1 (root), holding 2^(h-1)
// leaves. Only written nodes are persisted; an unwritten node defaults to
// the canonical empty-subtree hash of its level, with the empty leaf being
// the zero hash. Witness paths run leaf to root with length h-1.
//
// All mutations of one tree must be serialized: ancestor recomputation is
// not commutative, and interleaved writers would corrupt the tree silently.
// SetLeaf serializes internally; Stage leaves serialization to the caller,
// which holds the per-database write lock across the enclosing commit unit.
package merkle

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
)

// Height bounds of a tree.
const (
	MinHeight = 8
	MaxHeight = 256
)

// DefaultCacheSize is the default node cache capacity per tree.
const DefaultCacheSize = 4096

type nodeKey struct {
	level int
	index uint64
}

// Node is one persisted tree node.
type Node struct {
	Level int
	Index uint64
	Hash  hash.Hash
}

// MergeTwoHash computes the parent hash of two child hashes.
func MergeTwoHash(l, r *hash.Hash) *hash.Hash {
	result := hash.THashH(append(append([]byte{}, (*l)[:]...), (*r)[:]...))
	return &result
}

// Store persists and queries the merkle tree of one database, backed by the
// document store.
type Store struct {
	st       *storage.Storage
	database string
	height   int

	// empty[l] is the canonical empty-subtree hash at level l.
	empty []hash.Hash

	// mu serializes direct SetLeaf writers on this tree.
	mu    sync.Mutex
	cache *lru.Cache
}

// NewStore opens the tree of database on the document store, ensuring the
// node table exists. Height is fixed per database at creation.
func NewStore(st *storage.Storage, database string, height int) (s *Store, err error) {
	return NewStoreWithCache(st, database, height, DefaultCacheSize)
}

// NewStoreWithCache opens the tree with an explicit node cache capacity.
func NewStoreWithCache(st *storage.Storage, database string, height int, cacheSize int) (s *Store, err error) {
	if height < MinHeight || height > MaxHeight {
		return nil, ErrInvalidHeight
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	ddl := "CREATE TABLE IF NOT EXISTS `merkle_nodes` (" +
		"`database_name` TEXT NOT NULL, " +
		"`level` INTEGER NOT NULL, " +
		"`idx` INTEGER NOT NULL, " +
		"`hash` BLOB NOT NULL, " +
		"PRIMARY KEY (`database_name`, `level`, `idx`))"
	if _, err = st.DB().Exec(ddl); err != nil {
		return nil, errors.Wrap(err, "ensure merkle node table")
	}

	s = &Store{
		st:       st,
		database: database,
		height:   height,
		empty:    emptySubtreeHashes(height),
		cache:    cache,
	}
	return
}

// emptySubtreeHashes precomputes the canonical empty hash per level: the
// empty leaf is the zero hash, every parent the merge of two empty children.
func emptySubtreeHashes(height int) []hash.Hash {
	empty := make([]hash.Hash, height)
	for l := 1; l < height; l++ {
		empty[l] = *MergeTwoHash(&empty[l-1], &empty[l-1])
	}
	return empty
}

// Height returns the level count of the tree, root level included.
func (s *Store) Height() int {
	return s.height
}

// Database returns the database this tree belongs to.
func (s *Store) Database() string {
	return s.database
}

// EmptyRoot returns the root hash of the all-empty tree.
func (s *Store) EmptyRoot() hash.Hash {
	return s.empty[s.height-1]
}

// validIndex checks a leaf index against the tree width.
func (s *Store) validIndex(index uint64) error {
	leafLevels := uint(s.height - 1)
	if leafLevels < 64 && index >= uint64(1)<<leafLevels {
		return types.NewValidationError(
			fmt.Sprintf("merkle tree of %s", s.database),
			"leaf index %d out of range [0, 2^%d)", index, leafLevels)
	}
	return nil
}

// Node returns the node hash at (level, index), falling back to the empty
// hash of the level for unwritten nodes.
func (s *Store) Node(ctx context.Context, level int, index uint64) (h hash.Hash, err error) {
	if level < 0 || level >= s.height {
		err = types.NewValidationError(
			fmt.Sprintf("merkle tree of %s", s.database),
			"node level %d out of range [0, %d)", level, s.height)
		return
	}
	if level == 0 {
		if err = s.validIndex(index); err != nil {
			return
		}
	}

	if v, ok := s.cache.Get(nodeKey{level, index}); ok {
		return v.(hash.Hash), nil
	}

	var blob []byte
	err = s.st.DB().QueryRowContext(ctx,
		"SELECT `hash` FROM `merkle_nodes` WHERE `database_name` = ? AND `level` = ? AND `idx` = ?",
		s.database, level, int64(index),
	).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		return s.empty[level], nil
	case err != nil:
		err = types.NewFatalStorageError(storage.RoleDocument, err)
		return
	}

	if err = h.SetBytes(blob); err != nil {
		return
	}
	s.cache.Add(nodeKey{level, index}, h)
	return
}

// Root returns the current root hash of the tree.
func (s *Store) Root(ctx context.Context) (hash.Hash, error) {
	return s.Node(ctx, s.height-1, 0)
}

// Proof returns the witness path of the leaf at index, ordered leaf to
// root, with length Height()-1. IsLeft refers to the path node, not the
// recorded sibling.
func (s *Store) Proof(ctx context.Context, index uint64) (proof []types.MerkleProofNode, err error) {
	if err = s.validIndex(index); err != nil {
		return
	}

	proof = make([]types.MerkleProofNode, 0, s.height-1)
	for level, idx := 0, index; level < s.height-1; level, idx = level+1, idx>>1 {
		var sibling hash.Hash
		if sibling, err = s.Node(ctx, level, idx^1); err != nil {
			return nil, err
		}
		proof = append(proof, types.MerkleProofNode{
			IsLeft:  idx&1 == 0,
			Sibling: sibling,
		})
	}
	return
}

// VerifyProof folds a witness path against the leaf value and reports
// whether it reproduces the expected root.
func VerifyProof(leaf hash.Hash, proof []types.MerkleProofNode, root hash.Hash) bool {
	folded := FoldProof(leaf, proof)
	return folded.IsEqual(&root)
}

// FoldProof folds a witness path against the leaf value, returning the
// implied root.
func FoldProof(leaf hash.Hash, proof []types.MerkleProofNode) hash.Hash {
	h := leaf
	for _, n := range proof {
		if n.IsLeft {
			h = *MergeTwoHash(&h, &n.Sibling)
		} else {
			h = *MergeTwoHash(&n.Sibling, &h)
		}
	}
	return h
}

// Update is a staged leaf write: the recomputed ancestor set of one SetLeaf
// plus the witness path of the old leaf. The caller appends Queries to its
// commit unit and calls Absorb once the unit has durably committed.
type Update struct {
	database string
	Index    uint64
	OldLeaf  hash.Hash
	NewLeaf  hash.Hash
	OldRoot  hash.Hash
	NewRoot  hash.Hash
	Proof    []types.MerkleProofNode
	nodes    []Node
}

// Queries returns the node writes of the staged update for the document
// store share of a compound batch.
func (u *Update) Queries() (queries []storage.Query) {
	queries = make([]storage.Query, 0, len(u.nodes))
	for _, n := range u.nodes {
		queries = append(queries, storage.NewQuery(
			"INSERT OR REPLACE INTO `merkle_nodes` (`database_name`, `level`, `idx`, `hash`) VALUES (?, ?, ?, ?)",
			u.database, n.Level, int64(n.Index), n.Hash.CloneBytes(),
		))
	}
	return
}

// Stage computes the ancestor rewrite of setting the leaf at index without
// applying it. The caller must hold the per-database write lock from before
// Stage until the update is committed (or abandoned); staging on a stale
// root corrupts the tree.
func (s *Store) Stage(ctx context.Context, index uint64, leaf hash.Hash) (u *Update, err error) {
	if err = s.validIndex(index); err != nil {
		return
	}

	u = &Update{
		database: s.database,
		Index:    index,
		NewLeaf:  leaf,
		nodes:    make([]Node, 0, s.height),
	}
	if u.OldLeaf, err = s.Node(ctx, 0, index); err != nil {
		return nil, err
	}
	if u.OldRoot, err = s.Root(ctx); err != nil {
		return nil, err
	}
	if u.Proof, err = s.Proof(ctx, index); err != nil {
		return nil, err
	}

	// Recompute every ancestor up to the root from the witness siblings.
	h := leaf
	u.nodes = append(u.nodes, Node{Level: 0, Index: index, Hash: h})
	for level, idx := 0, index; level < s.height-1; level, idx = level+1, idx>>1 {
		sibling := u.Proof[level].Sibling
		if idx&1 == 0 {
			h = *MergeTwoHash(&h, &sibling)
		} else {
			h = *MergeTwoHash(&sibling, &h)
		}
		u.nodes = append(u.nodes, Node{Level: level + 1, Index: idx >> 1, Hash: h})
	}
	u.NewRoot = h
	return
}

// Absorb publishes a committed update to the node cache.
func (s *Store) Absorb(u *Update) {
	for _, n := range u.nodes {
		s.cache.Add(nodeKey{n.Level, n.Index}, n.Hash)
	}
}

// SetLeaf writes the leaf at index and recomputes every ancestor hash up to
// the root within one atomic write, returning the new root. Writers on one
// tree are serialized here.
func (s *Store) SetLeaf(ctx context.Context, index uint64, leaf hash.Hash) (root hash.Hash, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Stage(ctx, index, leaf)
	if err != nil {
		return
	}
	if err = s.st.Exec(ctx, u.Queries()); err != nil {
		err = types.NewFatalStorageError(storage.RoleDocument, err)
		return
	}
	s.Absorb(u)
	return u.NewRoot, nil
}
