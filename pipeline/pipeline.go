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

// Package pipeline implements the document mutation pipeline.
//
// One mutation is one compound unit: permission check, sequence
// reservation, leaf hash, merkle ancestor rewrite, transition log append
// and task enqueue, committed across the document and queue stores through
// the two-phase coordinator. If anything past the permission check fails,
// the whole unit rolls back; no transition log or queue task can exist
// without the tree mutation having durably committed.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/merkle"
	"github.com/harris1111/zkDatabase/permission"
	"github.com/harris1111/zkDatabase/queue"
	"github.com/harris1111/zkDatabase/sequencer"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/twopc"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils/log"
)

// Actor identifies an already-authenticated caller and its group
// memberships. Authentication happens outside this core.
type Actor struct {
	Name   string
	Groups []string
}

// Config tunes a Pipeline.
type Config struct {
	TreeHeight    int
	CacheSize     int
	CommitTimeout time.Duration
}

// Pipeline orchestrates document mutations over the document and queue
// stores.
type Pipeline struct {
	docStore   *storage.Storage
	queueStore *storage.Storage
	model      *Model
	seq        *sequencer.Sequencer
	queue      *queue.Model
	coord      *twopc.Coordinator
	cfg        Config

	seqNo uint64

	// mu guards trees; each dbState.mu is the per-database write lock
	// serializing tree mutations.
	mu    sync.Mutex
	trees map[string]*dbState
}

type dbState struct {
	mu     sync.Mutex
	merkle *merkle.Store
}

// New assembles a Pipeline over an opened store pool. The pool must hold
// both the document and the queue store.
func New(pool *storage.Pool, seq *sequencer.Sequencer, qm *queue.Model, cfg Config) (p *Pipeline, err error) {
	docStore, ok := pool.Get(storage.RoleDocument)
	if !ok {
		return nil, errors.New("pipeline: pool has no document store")
	}
	queueStore, ok := pool.Get(storage.RoleQueue)
	if !ok {
		return nil, errors.New("pipeline: pool has no queue store")
	}
	model, err := NewModel(docStore)
	if err != nil {
		return
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = merkle.DefaultCacheSize
	}
	return &Pipeline{
		docStore:   docStore,
		queueStore: queueStore,
		model:      model,
		seq:        seq,
		queue:      qm,
		coord:      twopc.NewCoordinator(twopc.NewOptions(cfg.CommitTimeout)),
		cfg:        cfg,
		trees:      make(map[string]*dbState),
	}, nil
}

// Model exposes the document model for read paths.
func (p *Pipeline) Model() *Model {
	return p.model
}

// tree returns the per-database state, opening the merkle store on first
// use.
func (p *Pipeline) tree(database string) (st *dbState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st = p.trees[database]; st != nil {
		return
	}
	ms, err := merkle.NewStoreWithCache(p.docStore, database, p.cfg.TreeHeight, p.cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	st = &dbState{merkle: ms}
	p.trees[database] = st
	return
}

// Merkle returns the merkle store of a database, for read paths.
func (p *Pipeline) Merkle(database string) (*merkle.Store, error) {
	st, err := p.tree(database)
	if err != nil {
		return nil, err
	}
	return st.merkle, nil
}

// CreateCollection registers a collection owned by the actor with the given
// default permission and group.
func (p *Pipeline) CreateCollection(ctx context.Context, actor Actor, database, name, group string, perm permission.Permission) error {
	return p.model.CreateCollection(ctx, database, &types.CollectionMetadata{
		CollectionName: name,
		Owner:          actor.Name,
		Group:          group,
		Permission:     perm,
		CreatedAt:      time.Now().UTC(),
	})
}

// Create inserts a document, commits the tree mutation and enqueues its
// proof task as one unit. The document permission is the union of the
// requested permission and the collection default; this is the only place
// permissions are combined. An empty DocID is assigned a fresh uuid.
// Returns the committed metadata and transition record.
func (p *Pipeline) Create(ctx context.Context, actor Actor, database, collection string, doc types.Document, docPerm permission.Permission) (meta *types.DocumentMetadata, tl *types.TransitionLog, err error) {
	col, err := p.model.GetCollection(ctx, database, collection)
	if err != nil {
		return
	}
	if !permission.Has(actor.Name, col.Owner, actor.Groups, col.Group, col.Permission, permission.Create) {
		return nil, nil, types.NewAuthorizationError(actor.Name, permission.Create, "collection "+collection)
	}

	if doc.DocID == "" {
		doc.DocID = uuid.NewV4().String()
	}
	leaf, err := doc.LeafHash()
	if err != nil {
		return
	}

	st, err := p.tree(database)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, _, gerr := p.model.GetDocument(ctx, database, doc.DocID); gerr == nil {
		return nil, nil, types.NewConflictError("document "+doc.DocID, "document already exists")
	} else if _, ok := gerr.(*types.NotFoundError); !ok {
		return nil, nil, gerr
	}

	opNum, seqQuery, err := p.seq.StageNext(ctx, database, sequencer.SeqOperation)
	if err != nil {
		return
	}
	// The first operation of a database lands at leaf index 0.
	index := opNum - 1

	update, err := st.merkle.Stage(ctx, index, leaf)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	meta = &types.DocumentMetadata{
		DocID:           doc.DocID,
		CollectionName:  collection,
		MerkleIndex:     index,
		OperationNumber: opNum,
		Owner:           actor.Name,
		Group:           col.Group,
		Permission:      docPerm.Combine(col.Permission),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	insertQuery, err := p.model.StageInsertDocument(database, &doc, meta, now)
	if err != nil {
		return nil, nil, err
	}

	tl, err = p.commit(st, database, collection, &doc, update, opNum, now,
		[]storage.Query{seqQuery, insertQuery})
	if err != nil {
		return nil, nil, err
	}
	return
}

// Update rewrites the fields of the single document matching the filter.
// Zero or multiple matches is a ValidationError.
func (p *Pipeline) Update(ctx context.Context, actor Actor, database, collection string, filter map[string]string, fields []types.Field) (meta *types.DocumentMetadata, tl *types.TransitionLog, err error) {
	doc, meta, err := p.resolveOne(ctx, database, collection, filter)
	if err != nil {
		return
	}
	if !permission.Has(actor.Name, meta.Owner, actor.Groups, meta.Group, meta.Permission, permission.Write) {
		return nil, nil, types.NewAuthorizationError(actor.Name, permission.Write, "document "+doc.DocID)
	}

	doc.Fields = fields
	leaf, err := doc.LeafHash()
	if err != nil {
		return
	}

	st, err := p.tree(database)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	opNum, seqQuery, err := p.seq.StageNext(ctx, database, sequencer.SeqOperation)
	if err != nil {
		return
	}
	update, err := st.merkle.Stage(ctx, meta.MerkleIndex, leaf)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	updateQuery, err := p.model.StageUpdateDocument(database, doc, opNum, now)
	if err != nil {
		return nil, nil, err
	}

	tl, err = p.commit(st, database, collection, doc, update, opNum, now,
		[]storage.Query{seqQuery, updateQuery})
	if err != nil {
		return nil, nil, err
	}
	meta.OperationNumber = opNum
	meta.UpdatedAt = now
	return
}

// Delete tombstones the single document matching the filter: the leaf
// reverts to the canonical zero value, the metadata row survives and the
// merkle index is never reassigned.
func (p *Pipeline) Delete(ctx context.Context, actor Actor, database, collection string, filter map[string]string) (meta *types.DocumentMetadata, tl *types.TransitionLog, err error) {
	doc, meta, err := p.resolveOne(ctx, database, collection, filter)
	if err != nil {
		return
	}
	if !permission.Has(actor.Name, meta.Owner, actor.Groups, meta.Group, meta.Permission, permission.Delete) {
		return nil, nil, types.NewAuthorizationError(actor.Name, permission.Delete, "document "+doc.DocID)
	}

	st, err := p.tree(database)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	opNum, seqQuery, err := p.seq.StageNext(ctx, database, sequencer.SeqOperation)
	if err != nil {
		return
	}
	update, err := st.merkle.Stage(ctx, meta.MerkleIndex, hash.Hash{})
	if err != nil {
		return
	}

	now := time.Now().UTC()
	deleteQuery := p.model.StageDeleteDocument(database, doc.DocID, opNum, now)

	tl, err = p.commit(st, database, collection, doc, update, opNum, now,
		[]storage.Query{seqQuery, deleteQuery})
	if err != nil {
		return nil, nil, err
	}
	meta.Deleted = true
	meta.OperationNumber = opNum
	meta.UpdatedAt = now
	return
}

// Read returns the single document matching the filter, gated on the read
// permission.
func (p *Pipeline) Read(ctx context.Context, actor Actor, database, collection string, filter map[string]string) (doc *types.Document, meta *types.DocumentMetadata, err error) {
	doc, meta, err = p.resolveOne(ctx, database, collection, filter)
	if err != nil {
		return
	}
	if !permission.Has(actor.Name, meta.Owner, actor.Groups, meta.Group, meta.Permission, permission.Read) {
		return nil, nil, types.NewAuthorizationError(actor.Name, permission.Read, "document "+doc.DocID)
	}
	return
}

// History returns the transition history of a document, gated on the read
// permission. Tombstoned documents keep their history readable.
func (p *Pipeline) History(ctx context.Context, actor Actor, database, docID string) (logs []*types.TransitionLog, err error) {
	doc, meta, err := p.model.GetDocument(ctx, database, docID)
	if err != nil {
		return
	}
	if !permission.Has(actor.Name, meta.Owner, actor.Groups, meta.Group, meta.Permission, permission.Read) {
		return nil, types.NewAuthorizationError(actor.Name, permission.Read, "document "+doc.DocID)
	}
	return p.model.ListTransitions(ctx, database, docID)
}

// resolveOne requires the filter to match exactly one live document.
func (p *Pipeline) resolveOne(ctx context.Context, database, collection string, filter map[string]string) (doc *types.Document, meta *types.DocumentMetadata, err error) {
	if _, err = p.model.GetCollection(ctx, database, collection); err != nil {
		return
	}
	docs, metas, err := p.model.FindDocuments(ctx, database, collection, filter)
	if err != nil {
		return
	}
	switch len(docs) {
	case 1:
		return docs[0], metas[0], nil
	case 0:
		return nil, nil, types.NewValidationError("collection "+collection,
			"filter matches no document")
	default:
		return nil, nil, types.NewValidationError("collection "+collection,
			"filter matches %d documents, exactly one is required", len(docs))
	}
}

// commit assembles the compound batch of one mutation and drives it through
// the two-phase coordinator: document store queries plus the queue store
// enqueue, all-or-nothing. On success the staged merkle update is absorbed
// into the node cache.
func (p *Pipeline) commit(st *dbState, database, collection string, doc *types.Document, update *merkle.Update, opNum uint64, now time.Time, docQueries []storage.Query) (tl *types.TransitionLog, err error) {
	tl = &types.TransitionLog{
		OperationNumber: opNum,
		DocID:           doc.DocID,
		CollectionName:  collection,
		MerkleIndex:     update.Index,
		LeafOld:         update.OldLeaf,
		LeafNew:         update.NewLeaf,
		MerkleRootOld:   update.OldRoot,
		MerkleRootNew:   update.NewRoot,
		MerkleProof:     update.Proof,
		CreatedAt:       now,
	}
	logQuery, err := p.model.StageTransitionLog(database, tl)
	if err != nil {
		return nil, err
	}

	payload, err := queue.EncodePayload(&types.TransitionPayload{
		DatabaseName:    database,
		CollectionName:  collection,
		DocID:           doc.DocID,
		OperationNumber: opNum,
		MerkleIndex:     update.Index,
		LeafOld:         update.OldLeaf,
		LeafNew:         update.NewLeaf,
		MerkleRootOld:   update.OldRoot,
		MerkleRootNew:   update.NewRoot,
		MerkleProof:     update.Proof,
	})
	if err != nil {
		return nil, err
	}

	wb := &storage.CompoundBatch{SeqNo: atomic.AddUint64(&p.seqNo, 1)}
	for _, q := range docQueries {
		wb.AddQuery(storage.RoleDocument, q)
	}
	for _, q := range update.Queries() {
		wb.AddQuery(storage.RoleDocument, q)
	}
	wb.AddQuery(storage.RoleDocument, logQuery)
	wb.AddQuery(storage.RoleQueue, p.queue.StageEnqueue(database, opNum, payload, now))

	err = p.coord.Put([]twopc.Worker{p.docStore, p.queueStore}, wb)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, types.NewConflictError("document "+doc.DocID,
				"concurrent mutation conflict on database %s", database)
		}
		return nil, types.NewFatalStorageError("compound", err)
	}

	st.merkle.Absorb(update)
	log.WithFields(log.Fields{
		"database":  database,
		"doc":       doc.DocID,
		"operation": opNum,
	}).Debug("mutation committed")
	return
}

// isConstraintViolation reports whether err stems from a sqlite uniqueness
// or primary key constraint.
func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}
