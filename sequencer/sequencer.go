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

// Package sequencer implements per-database atomic monotonic counters.
//
// A counter starts at 1 and advances by exactly 1 per reservation, with no
// gaps. Counters live in the document store so that a reservation can join
// the enclosing commit unit and roll back with it.
package sequencer

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
)

// Counter values of a fresh sequence.
const (
	InitialValue = 1
	Increment    = 1
)

// Known sequence names.
const (
	SeqOperation = "operation"
)

// Sequencer reserves ordinal positions from named per-database counters.
type Sequencer struct {
	st *storage.Storage
}

// New opens a Sequencer on the document store, ensuring the counter table
// exists.
func New(st *storage.Storage) (s *Sequencer, err error) {
	ddl := "CREATE TABLE IF NOT EXISTS `sequences` (" +
		"`database_name` TEXT NOT NULL, " +
		"`name` TEXT NOT NULL, " +
		"`seq` INTEGER NOT NULL, " +
		"PRIMARY KEY (`database_name`, `name`))"
	if _, err = st.DB().Exec(ddl); err != nil {
		return nil, errors.Wrap(err, "ensure sequence table")
	}
	return &Sequencer{st: st}, nil
}

// Current returns the last reserved value of the counter, or 0 if the
// counter does not exist yet.
func (s *Sequencer) Current(ctx context.Context, database, name string) (value uint64, err error) {
	var seq int64
	err = s.st.DB().QueryRowContext(ctx,
		"SELECT `seq` FROM `sequences` WHERE `database_name` = ? AND `name` = ?",
		database, name,
	).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	return uint64(seq), nil
}

// Next atomically reserves and returns the next counter value.
func (s *Sequencer) Next(ctx context.Context, database, name string) (value uint64, err error) {
	var seq int64
	err = s.st.DB().QueryRowContext(ctx,
		"INSERT INTO `sequences` (`database_name`, `name`, `seq`) VALUES (?, ?, ?) "+
			"ON CONFLICT (`database_name`, `name`) DO UPDATE SET `seq` = `seq` + ? "+
			"RETURNING `seq`",
		database, name, InitialValue, Increment,
	).Scan(&seq)
	if err != nil {
		return 0, types.NewFatalStorageError(storage.RoleDocument, err)
	}
	return uint64(seq), nil
}

// StageNext returns the next counter value together with the query that
// persists the reservation, for inclusion in a compound batch. Nothing is
// reserved until that batch commits, so the counter stays gapless across
// rollbacks. The caller must serialize staged reservations of one database,
// which the mutation pipeline does with its per-database write lock.
func (s *Sequencer) StageNext(ctx context.Context, database, name string) (value uint64, q storage.Query, err error) {
	current, err := s.Current(ctx, database, name)
	if err != nil {
		return
	}
	value = current + Increment
	q = storage.NewQuery(
		"INSERT INTO `sequences` (`database_name`, `name`, `seq`) VALUES (?, ?, ?) "+
			"ON CONFLICT (`database_name`, `name`) DO UPDATE SET `seq` = `excluded`.`seq`",
		database, name, int64(value),
	)
	return
}
