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

// Package storage implements the sqlite3 backed stores of the database core.
//
// Two physically separate stores back the system: the document store
// (documents, metadata, merkle nodes, sequences, transition logs) and the
// queue store (async task queue, rollup records). A Storage exposes its
// *sql.DB handle for reads and single-store transactions, and implements
// twopc.Worker so that one mutation can span both stores as a single
// prepare/commit/rollback unit.
package storage

import (
	"context"
	"database/sql"
	"sync"

	// Register go-sqlite3 engine.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/twopc"
)

var (
	// ErrBadBatchType indicates that a WriteBatch passed to a Storage is not
	// a *CompoundBatch.
	ErrBadBatchType = errors.New("storage: unexpected write batch type")

	// ErrBatchMismatch indicates that a Commit/Rollback does not match the
	// currently prepared batch.
	ErrBatchMismatch = errors.New("storage: write batch does not match prepared batch")

	// ErrStorageClosed indicates an operation on a closed Storage.
	ErrStorageClosed = errors.New("storage: storage is closed")
)

// Query wraps a single SQL statement with named arguments.
type Query struct {
	Pattern string
	Args    []sql.NamedArg
}

// NewQuery returns a Query over pattern with positional arguments.
func NewQuery(pattern string, args ...interface{}) (q Query) {
	q.Pattern = pattern
	q.Args = make([]sql.NamedArg, len(args))
	for i, v := range args {
		q.Args[i] = sql.Named("", v)
	}
	return
}

// CompoundBatch is the write unit of one logical mutation, holding the
// queries of every participating store keyed by store role. A store with no
// entry prepares an empty transaction and trivially commits.
type CompoundBatch struct {
	SeqNo   uint64
	Batches map[string][]Query
}

// AddQuery appends a query to the batch of the store with the given role.
func (wb *CompoundBatch) AddQuery(role string, q Query) {
	if wb.Batches == nil {
		wb.Batches = make(map[string][]Query)
	}
	wb.Batches[role] = append(wb.Batches[role], q)
}

// Storage represents a single sqlite3 backed store.
type Storage struct {
	role string
	dsn  string
	db   *sql.DB

	// busy serializes compound batches on this store; it is held from a
	// successful Prepare until the matching Commit/Rollback.
	busy sync.Mutex
	cur  *CompoundBatch
	tx   *sql.Tx
}

// New opens a store with the given role using the specified DSN. A busy
// timeout is applied unless the DSN sets its own, since compound batches of
// different processes may contend on one file.
func New(role string, dsn string) (st *Storage, err error) {
	parsed, err := NewDSN(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s store dsn", role)
	}
	if _, ok := parsed.GetParam("_busy_timeout"); !ok {
		parsed.AddParam("_busy_timeout", "5000")
	}
	dsn = parsed.Format()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", role)
	}
	// go-sqlite3 only guarantees safety of concurrent readers on one
	// connection; writes are serialized by the compound batch lock and by
	// database/sql transactions.
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s store", role)
	}
	return &Storage{role: role, dsn: dsn, db: db}, nil
}

// Role returns the store role this Storage was opened with.
func (s *Storage) Role() string {
	return s.role
}

// DSN returns the connection string this Storage was opened with.
func (s *Storage) DSN() string {
	return s.dsn
}

// DB returns the underlying database handle for reads and single-store
// transactions.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Exec runs the queries in one single-store transaction.
func (s *Storage) Exec(ctx context.Context, queries []Query) (err error) {
	if s.db == nil {
		return ErrStorageClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin on %s store", s.role)
	}
	if err = execQueries(tx, queries); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Prepare implements twopc.Worker.Prepare: it begins a transaction and
// applies this store's share of the batch, leaving the transaction open
// until Commit or Rollback.
func (s *Storage) Prepare(ctx context.Context, wb twopc.WriteBatch) (err error) {
	batch, ok := wb.(*CompoundBatch)
	if !ok {
		return ErrBadBatchType
	}

	s.busy.Lock()
	defer func() {
		if err != nil {
			s.cur = nil
			s.tx = nil
			s.busy.Unlock()
		}
	}()

	if s.db == nil {
		return ErrStorageClosed
	}

	s.cur = batch
	if s.tx, err = s.db.BeginTx(ctx, nil); err != nil {
		return errors.Wrapf(err, "prepare batch %d on %s store", batch.SeqNo, s.role)
	}
	if err = execQueries(s.tx, batch.Batches[s.role]); err != nil {
		s.tx.Rollback()
	}
	return
}

// Commit implements twopc.Worker.Commit.
func (s *Storage) Commit(ctx context.Context, wb twopc.WriteBatch) (err error) {
	batch, ok := wb.(*CompoundBatch)
	if !ok {
		return ErrBadBatchType
	}
	if s.cur != batch || s.tx == nil {
		return ErrBatchMismatch
	}

	err = s.tx.Commit()
	s.cur = nil
	s.tx = nil
	s.busy.Unlock()
	return errors.Wrapf(err, "commit batch %d on %s store", batch.SeqNo, s.role)
}

// Rollback implements twopc.Worker.Rollback. Rolling back a batch that was
// never successfully prepared on this store is a no-op, since the
// coordinator compensates every worker regardless of where prepare failed.
func (s *Storage) Rollback(ctx context.Context, wb twopc.WriteBatch) (err error) {
	batch, ok := wb.(*CompoundBatch)
	if !ok {
		return ErrBadBatchType
	}
	if s.cur != batch || s.tx == nil {
		return nil
	}

	err = s.tx.Rollback()
	s.cur = nil
	s.tx = nil
	s.busy.Unlock()
	return err
}

// Close closes the underlying database handle.
func (s *Storage) Close() (err error) {
	s.busy.Lock()
	defer s.busy.Unlock()

	if s.db == nil {
		return nil
	}
	err = s.db.Close()
	s.db = nil
	return
}

func execQueries(tx *sql.Tx, queries []Query) (err error) {
	for _, q := range queries {
		args := make([]interface{}, len(q.Args))
		for i, v := range q.Args {
			args[i] = v
		}
		if _, err = tx.Exec(q.Pattern, args...); err != nil {
			return errors.Wrapf(err, "exec %q", q.Pattern)
		}
	}
	return nil
}
