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

// Package queue implements the generic async task queue and the prover
// worker loop consuming it.
//
// Tasks are FIFO by sequence number per database; one queue serves any
// number of databases. A worker claims the oldest queued task of a database
// with no earlier task still in flight, through a conditional update gated
// on the current status. That conditional update is the only mechanism
// keeping two workers off the same task.
package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils"
)

// Model persists queue tasks on the queue store.
type Model struct {
	st *storage.Storage
}

// NewModel opens the task queue on the queue store, ensuring the task
// table exists.
func NewModel(st *storage.Storage) (m *Model, err error) {
	ddl := "CREATE TABLE IF NOT EXISTS `queue_tasks` (" +
		"`id` INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"`database_name` TEXT NOT NULL, " +
		"`sequence_number` INTEGER NOT NULL, " +
		"`status` TEXT NOT NULL, " +
		"`payload` BLOB NOT NULL, " +
		"`error` TEXT NOT NULL DEFAULT '', " +
		"`created_at` TIMESTAMP NOT NULL, " +
		"`updated_at` TIMESTAMP NOT NULL, " +
		"UNIQUE (`database_name`, `sequence_number`))"
	if _, err = st.DB().Exec(ddl); err != nil {
		return nil, errors.Wrap(err, "ensure queue task table")
	}
	return &Model{st: st}, nil
}

// Store returns the backing queue store.
func (m *Model) Store() *storage.Storage {
	return m.st
}

// EncodePayload encodes a transition payload for queueing.
func EncodePayload(p *types.TransitionPayload) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode task payload")
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes a queued transition payload.
func DecodePayload(raw []byte) (p *types.TransitionPayload, err error) {
	p = &types.TransitionPayload{}
	if err = utils.DecodeMsgPack(raw, p); err != nil {
		return nil, errors.Wrap(err, "decode task payload")
	}
	return
}

// StageEnqueue returns the query inserting a queued task, for inclusion in
// the mutation pipeline's compound batch.
func (m *Model) StageEnqueue(database string, sequenceNumber uint64, payload []byte, now time.Time) storage.Query {
	return storage.NewQuery(
		"INSERT INTO `queue_tasks` "+
			"(`database_name`, `sequence_number`, `status`, `payload`, `created_at`, `updated_at`) "+
			"VALUES (?, ?, ?, ?, ?, ?)",
		database, int64(sequenceNumber), string(types.TaskQueued), payload, now, now,
	)
}

// Enqueue inserts a queued task directly, outside any compound unit.
func (m *Model) Enqueue(ctx context.Context, database string, sequenceNumber uint64, payload []byte) (err error) {
	q := m.StageEnqueue(database, sequenceNumber, payload, time.Now().UTC())
	if err = m.st.Exec(ctx, []storage.Query{q}); err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}
	return
}

// Claim atomically transitions the oldest claimable queued task to proving
// and returns it. A task is claimable when no earlier task of the same
// database is still queued or proving, since each transition is
// path-dependent on the previous root. An empty database filter claims
// across all databases. Returns nil when no task is claimable.
func (m *Model) Claim(ctx context.Context, database string) (task *types.QueueTask, err error) {
	stmt := "UPDATE `queue_tasks` SET `status` = ?, `updated_at` = ? " +
		"WHERE `id` = (" +
		"  SELECT `q`.`id` FROM `queue_tasks` AS `q` WHERE `q`.`status` = ? " +
		"    AND NOT EXISTS (" +
		"      SELECT 1 FROM `queue_tasks` AS `p` " +
		"      WHERE `p`.`database_name` = `q`.`database_name` " +
		"        AND `p`.`sequence_number` < `q`.`sequence_number` " +
		"        AND `p`.`status` IN (?, ?))"
	args := []interface{}{
		string(types.TaskProving), time.Now().UTC(),
		string(types.TaskQueued),
		string(types.TaskQueued), string(types.TaskProving),
	}
	if database != "" {
		stmt += " AND `q`.`database_name` = ?"
		args = append(args, database)
	}
	stmt += "  ORDER BY `q`.`sequence_number` LIMIT 1" +
		") AND `status` = ? " +
		"RETURNING `id`, `database_name`, `sequence_number`, `status`, `payload`, `error`, `created_at`, `updated_at`"
	args = append(args, string(types.TaskQueued))

	task = &types.QueueTask{}
	err = m.st.DB().QueryRowContext(ctx, stmt, args...).Scan(
		&task.ID, &task.DatabaseName, &task.SequenceNumber, &task.Status,
		&task.Payload, &task.Error, &task.CreatedAt, &task.UpdatedAt,
	)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	return
}

// setStatus performs the conditional status transition from one state to
// another.
func (m *Model) setStatus(ctx context.Context, id int64, from, to types.TaskStatus, taskErr string) (err error) {
	res, err := m.st.DB().ExecContext(ctx,
		"UPDATE `queue_tasks` SET `status` = ?, `error` = ?, `updated_at` = ? WHERE `id` = ? AND `status` = ?",
		string(to), taskErr, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}
	if affected == 0 {
		return types.NewConflictError("queue task",
			"task %d is not in status %q", id, from)
	}
	return
}

// StageMarkProved returns the query completing a proving task, for
// inclusion in the same transaction as the rollup fold.
func (m *Model) StageMarkProved(id int64, now time.Time) storage.Query {
	return storage.NewQuery(
		"UPDATE `queue_tasks` SET `status` = ?, `updated_at` = ? WHERE `id` = ? AND `status` = ?",
		string(types.TaskProved), now, id, string(types.TaskProving),
	)
}

// MarkProved completes a proving task.
func (m *Model) MarkProved(ctx context.Context, id int64) error {
	return m.setStatus(ctx, id, types.TaskProving, types.TaskProved, "")
}

// MarkFailed records a terminal failure of a proving task. The worker does
// not retry failed tasks.
func (m *Model) MarkFailed(ctx context.Context, id int64, taskErr string) error {
	return m.setStatus(ctx, id, types.TaskProving, types.TaskFailed, taskErr)
}

// Requeue explicitly reverts a proving task to queued. This is the only
// path back from proving.
func (m *Model) Requeue(ctx context.Context, id int64) error {
	return m.setStatus(ctx, id, types.TaskProving, types.TaskQueued, "")
}

// Get returns the task with the given id.
func (m *Model) Get(ctx context.Context, id int64) (task *types.QueueTask, err error) {
	task = &types.QueueTask{}
	err = m.st.DB().QueryRowContext(ctx,
		"SELECT `id`, `database_name`, `sequence_number`, `status`, `payload`, `error`, `created_at`, `updated_at` "+
			"FROM `queue_tasks` WHERE `id` = ?", id,
	).Scan(
		&task.ID, &task.DatabaseName, &task.SequenceNumber, &task.Status,
		&task.Payload, &task.Error, &task.CreatedAt, &task.UpdatedAt,
	)
	switch {
	case err == sql.ErrNoRows:
		return nil, types.NewNotFoundError("queue task", "")
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	return
}

// CountByStatus returns the task count per status for one database.
func (m *Model) CountByStatus(ctx context.Context, database string) (counts map[types.TaskStatus]int, err error) {
	rows, err := m.st.DB().QueryContext(ctx,
		"SELECT `status`, COUNT(1) FROM `queue_tasks` WHERE `database_name` = ? GROUP BY `status`",
		database,
	)
	if err != nil {
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	defer rows.Close()

	counts = make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err = rows.Scan(&status, &count); err != nil {
			return nil, types.NewFatalStorageError(storage.RoleQueue, err)
		}
		counts[types.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}
