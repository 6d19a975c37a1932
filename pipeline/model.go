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

package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/crypto/hash"
	"github.com/harris1111/zkDatabase/permission"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils"
)

// Model persists collections, documents and transition logs on the
// document store.
type Model struct {
	st *storage.Storage
}

// NewModel opens the document model, ensuring its tables exist.
func NewModel(st *storage.Storage) (m *Model, err error) {
	ddls := []string{
		"CREATE TABLE IF NOT EXISTS `collections` (" +
			"`database_name` TEXT NOT NULL, " +
			"`name` TEXT NOT NULL, " +
			"`owner` TEXT NOT NULL, " +
			"`grp` TEXT NOT NULL, " +
			"`permission` INTEGER NOT NULL, " +
			"`created_at` TIMESTAMP NOT NULL, " +
			"PRIMARY KEY (`database_name`, `name`))",
		"CREATE TABLE IF NOT EXISTS `documents` (" +
			"`database_name` TEXT NOT NULL, " +
			"`doc_id` TEXT NOT NULL, " +
			"`collection_name` TEXT NOT NULL, " +
			"`fields` BLOB NOT NULL, " +
			"`merkle_index` INTEGER NOT NULL, " +
			"`operation_number` INTEGER NOT NULL, " +
			"`owner` TEXT NOT NULL, " +
			"`grp` TEXT NOT NULL, " +
			"`permission` INTEGER NOT NULL, " +
			"`deleted` INTEGER NOT NULL DEFAULT 0, " +
			"`created_at` TIMESTAMP NOT NULL, " +
			"`updated_at` TIMESTAMP NOT NULL, " +
			"PRIMARY KEY (`database_name`, `doc_id`), " +
			"UNIQUE (`database_name`, `merkle_index`))",
		"CREATE TABLE IF NOT EXISTS `transition_logs` (" +
			"`database_name` TEXT NOT NULL, " +
			"`operation_number` INTEGER NOT NULL, " +
			"`doc_id` TEXT NOT NULL, " +
			"`collection_name` TEXT NOT NULL, " +
			"`merkle_index` INTEGER NOT NULL, " +
			"`leaf_old` BLOB NOT NULL, " +
			"`leaf_new` BLOB NOT NULL, " +
			"`root_old` BLOB NOT NULL, " +
			"`root_new` BLOB NOT NULL, " +
			"`proof` TEXT NOT NULL, " +
			"`created_at` TIMESTAMP NOT NULL, " +
			"PRIMARY KEY (`database_name`, `operation_number`))",
	}
	for _, ddl := range ddls {
		if _, err = st.DB().Exec(ddl); err != nil {
			return nil, errors.Wrap(err, "ensure document tables")
		}
	}
	return &Model{st: st}, nil
}

// CreateCollection registers a collection with its default permission.
func (m *Model) CreateCollection(ctx context.Context, database string, meta *types.CollectionMetadata) (err error) {
	_, err = m.st.DB().ExecContext(ctx,
		"INSERT INTO `collections` (`database_name`, `name`, `owner`, `grp`, `permission`, `created_at`) "+
			"VALUES (?, ?, ?, ?, ?, ?)",
		database, meta.CollectionName, meta.Owner, meta.Group, int64(uint32(meta.Permission)), meta.CreatedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return types.NewConflictError("collection "+meta.CollectionName,
				"collection already exists in database %s", database)
		}
		return types.NewFatalStorageError(storage.RoleDocument, err)
	}
	return
}

// GetCollection loads a collection's metadata.
func (m *Model) GetCollection(ctx context.Context, database, name string) (meta *types.CollectionMetadata, err error) {
	meta = &types.CollectionMetadata{CollectionName: name}
	var perm int64
	err = m.st.DB().QueryRowContext(ctx,
		"SELECT `owner`, `grp`, `permission`, `created_at` FROM `collections` "+
			"WHERE `database_name` = ? AND `name` = ?",
		database, name,
	).Scan(&meta.Owner, &meta.Group, &perm, &meta.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, types.NewNotFoundError("collection", name)
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	if meta.Permission, err = permission.From(uint32(perm)); err != nil {
		return nil, err
	}
	return
}

// encodeFields packs a document's field set for storage.
func encodeFields(fields []types.Field) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode document fields")
	}
	return buf.Bytes(), nil
}

func decodeFields(raw []byte) (fields []types.Field, err error) {
	if err = utils.DecodeMsgPack(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "decode document fields")
	}
	return
}

// StageInsertDocument returns the query creating a document row, for the
// document store share of a compound batch. The insert relies on the table
// constraints to reject duplicate doc ids and reused merkle indexes.
func (m *Model) StageInsertDocument(database string, doc *types.Document, meta *types.DocumentMetadata, now time.Time) (q storage.Query, err error) {
	raw, err := encodeFields(doc.Fields)
	if err != nil {
		return
	}
	q = storage.NewQuery(
		"INSERT INTO `documents` "+
			"(`database_name`, `doc_id`, `collection_name`, `fields`, `merkle_index`, `operation_number`, "+
			"`owner`, `grp`, `permission`, `deleted`, `created_at`, `updated_at`) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)",
		database, doc.DocID, meta.CollectionName, raw, int64(meta.MerkleIndex), int64(meta.OperationNumber),
		meta.Owner, meta.Group, int64(uint32(meta.Permission)), now, now,
	)
	return
}

// StageUpdateDocument returns the query rewriting a document's fields and
// advancing its operation number.
func (m *Model) StageUpdateDocument(database string, doc *types.Document, operationNumber uint64, now time.Time) (q storage.Query, err error) {
	raw, err := encodeFields(doc.Fields)
	if err != nil {
		return
	}
	q = storage.NewQuery(
		"UPDATE `documents` SET `fields` = ?, `operation_number` = ?, `updated_at` = ? "+
			"WHERE `database_name` = ? AND `doc_id` = ?",
		raw, int64(operationNumber), now, database, doc.DocID,
	)
	return
}

// StageDeleteDocument returns the query tombstoning a document. The row and
// its merkle index survive; the index is never reused.
func (m *Model) StageDeleteDocument(database, docID string, operationNumber uint64, now time.Time) storage.Query {
	return storage.NewQuery(
		"UPDATE `documents` SET `deleted` = 1, `operation_number` = ?, `updated_at` = ? "+
			"WHERE `database_name` = ? AND `doc_id` = ?",
		int64(operationNumber), now, database, docID,
	)
}

// StageTransitionLog returns the query appending one immutable transition
// record.
func (m *Model) StageTransitionLog(database string, tl *types.TransitionLog) (q storage.Query, err error) {
	proof, err := json.Marshal(tl.MerkleProof)
	if err != nil {
		err = errors.Wrap(err, "encode merkle proof")
		return
	}
	q = storage.NewQuery(
		"INSERT INTO `transition_logs` "+
			"(`database_name`, `operation_number`, `doc_id`, `collection_name`, `merkle_index`, "+
			"`leaf_old`, `leaf_new`, `root_old`, `root_new`, `proof`, `created_at`) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		database, int64(tl.OperationNumber), tl.DocID, tl.CollectionName, int64(tl.MerkleIndex),
		tl.LeafOld.CloneBytes(), tl.LeafNew.CloneBytes(),
		tl.MerkleRootOld.CloneBytes(), tl.MerkleRootNew.CloneBytes(),
		string(proof), tl.CreatedAt,
	)
	return
}

const documentColumns = "`doc_id`, `collection_name`, `fields`, `merkle_index`, `operation_number`, " +
	"`owner`, `grp`, `permission`, `deleted`, `created_at`, `updated_at`"

func (m *Model) scanDocument(row interface {
	Scan(dest ...interface{}) error
}) (doc *types.Document, meta *types.DocumentMetadata, err error) {
	doc = &types.Document{}
	meta = &types.DocumentMetadata{}
	var raw []byte
	var perm int64
	var deleted int
	err = row.Scan(
		&doc.DocID, &meta.CollectionName, &raw, &meta.MerkleIndex, &meta.OperationNumber,
		&meta.Owner, &meta.Group, &perm, &deleted, &meta.CreatedAt, &meta.UpdatedAt,
	)
	if err != nil {
		return nil, nil, err
	}
	meta.DocID = doc.DocID
	meta.Deleted = deleted != 0
	if meta.Permission, err = permission.From(uint32(perm)); err != nil {
		return nil, nil, err
	}
	if doc.Fields, err = decodeFields(raw); err != nil {
		return nil, nil, err
	}
	return
}

// GetDocument loads a document and its metadata by doc id, including
// tombstoned documents.
func (m *Model) GetDocument(ctx context.Context, database, docID string) (doc *types.Document, meta *types.DocumentMetadata, err error) {
	row := m.st.DB().QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM `documents` WHERE `database_name` = ? AND `doc_id` = ?",
		database, docID,
	)
	doc, meta, err = m.scanDocument(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil, types.NewNotFoundError("document", docID)
	case err != nil:
		return nil, nil, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	return
}

// FindDocuments returns the live documents of a collection whose fields
// match every entry of the filter. The special filter key "docId" matches
// the document id. A nil filter returns the whole collection.
func (m *Model) FindDocuments(ctx context.Context, database, collection string, filter map[string]string) (docs []*types.Document, metas []*types.DocumentMetadata, err error) {
	rows, err := m.st.DB().QueryContext(ctx,
		"SELECT "+documentColumns+" FROM `documents` "+
			"WHERE `database_name` = ? AND `collection_name` = ? AND `deleted` = 0 "+
			"ORDER BY `merkle_index`",
		database, collection,
	)
	if err != nil {
		return nil, nil, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, meta, err := m.scanDocument(rows)
		if err != nil {
			return nil, nil, types.NewFatalStorageError(storage.RoleDocument, err)
		}
		if matchesFilter(doc, filter) {
			docs = append(docs, doc)
			metas = append(metas, meta)
		}
	}
	return docs, metas, rows.Err()
}

func matchesFilter(doc *types.Document, filter map[string]string) bool {
	for name, want := range filter {
		if name == "docId" {
			if doc.DocID != want {
				return false
			}
			continue
		}
		var found bool
		for _, f := range doc.Fields {
			if f.Name == name {
				found = f.Value == want
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

const transitionColumns = "`operation_number`, `doc_id`, `collection_name`, `merkle_index`, " +
	"`leaf_old`, `leaf_new`, `root_old`, `root_new`, `proof`, `created_at`"

func scanTransition(row interface {
	Scan(dest ...interface{}) error
}) (tl *types.TransitionLog, err error) {
	tl = &types.TransitionLog{}
	var leafOld, leafNew, rootOld, rootNew []byte
	var proof string
	err = row.Scan(
		&tl.OperationNumber, &tl.DocID, &tl.CollectionName, &tl.MerkleIndex,
		&leafOld, &leafNew, &rootOld, &rootNew, &proof, &tl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	for dst, src := range map[*hash.Hash][]byte{
		&tl.LeafOld: leafOld, &tl.LeafNew: leafNew,
		&tl.MerkleRootOld: rootOld, &tl.MerkleRootNew: rootNew,
	} {
		if err = dst.SetBytes(src); err != nil {
			return nil, errors.Wrap(err, "decode transition hash")
		}
	}
	if err = json.Unmarshal([]byte(proof), &tl.MerkleProof); err != nil {
		return nil, errors.Wrap(err, "decode transition proof")
	}
	return
}

// ListTransitions returns the transition history of one document, oldest
// first.
func (m *Model) ListTransitions(ctx context.Context, database, docID string) (logs []*types.TransitionLog, err error) {
	rows, err := m.st.DB().QueryContext(ctx,
		"SELECT "+transitionColumns+" FROM `transition_logs` "+
			"WHERE `database_name` = ? AND `doc_id` = ? ORDER BY `operation_number`",
		database, docID,
	)
	if err != nil {
		return nil, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	defer rows.Close()

	for rows.Next() {
		tl, err := scanTransition(rows)
		if err != nil {
			return nil, types.NewFatalStorageError(storage.RoleDocument, err)
		}
		logs = append(logs, tl)
	}
	return logs, rows.Err()
}

// GetTransition returns one transition record by operation number.
func (m *Model) GetTransition(ctx context.Context, database string, operationNumber uint64) (tl *types.TransitionLog, err error) {
	row := m.st.DB().QueryRowContext(ctx,
		"SELECT "+transitionColumns+" FROM `transition_logs` "+
			"WHERE `database_name` = ? AND `operation_number` = ?",
		database, int64(operationNumber),
	)
	tl, err = scanTransition(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, types.NewNotFoundError("transition log", "")
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	return
}
