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

// Package rollup folds proved transitions into per-database aggregate
// steps and drives their on-chain submission.
//
// The off-chain path is gapless: step n+1 must chain onto step n's new
// root, and a gap or root regression aborts the fold as a defect rather
// than being corrected. The on-chain path allows at most one non-failed
// submission per off-chain proof.
package rollup

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/harris1111/zkDatabase/chainbus"
	"github.com/harris1111/zkDatabase/queue"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils/log"
)

// Tracker signs, broadcasts and tracks one on-chain transaction. The
// implementation is external; status updates flow back through
// UpdateSubmission.
type Tracker interface {
	Submit(ctx context.Context, record *types.RollupOnChainHistory, proof []byte) (txHash string, err error)
}

// Coordinator owns the rollup records on the queue store.
type Coordinator struct {
	st      *storage.Storage
	queue   *queue.Model
	tracker Tracker
	bus     chainbus.Bus

	// mu serializes folds and submissions per database.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator opens the rollup tables on the queue store. Tracker and
// bus may be nil; submission then stops at the unsigned record.
func NewCoordinator(st *storage.Storage, qm *queue.Model, tracker Tracker, bus chainbus.Bus) (c *Coordinator, err error) {
	ddls := []string{
		"CREATE TABLE IF NOT EXISTS `rollup_offchain` (" +
			"`id` INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"`database_name` TEXT NOT NULL, " +
			"`step` INTEGER NOT NULL, " +
			"`root_old` BLOB NOT NULL, " +
			"`root_new` BLOB NOT NULL, " +
			"`transition_operation` INTEGER NOT NULL, " +
			"`proof` BLOB NOT NULL, " +
			"`created_at` TIMESTAMP NOT NULL, " +
			"UNIQUE (`database_name`, `step`))",
		"CREATE TABLE IF NOT EXISTS `rollup_onchain` (" +
			"`id` INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"`database_name` TEXT NOT NULL, " +
			"`offchain_id` INTEGER NOT NULL, " +
			"`step` INTEGER NOT NULL, " +
			"`root_onchain_old` BLOB NOT NULL, " +
			"`root_onchain_new` BLOB NOT NULL, " +
			"`tx_hash` TEXT NOT NULL DEFAULT '', " +
			"`status` TEXT NOT NULL, " +
			"`error` TEXT NOT NULL DEFAULT '', " +
			"`created_at` TIMESTAMP NOT NULL, " +
			"`updated_at` TIMESTAMP NOT NULL)",
	}
	for _, ddl := range ddls {
		if _, err = st.DB().Exec(ddl); err != nil {
			return nil, errors.Wrap(err, "ensure rollup tables")
		}
	}
	return &Coordinator{
		st:      st,
		queue:   qm,
		tracker: tracker,
		bus:     bus,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (c *Coordinator) lock(database string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.locks[database]
	if l == nil {
		l = &sync.Mutex{}
		c.locks[database] = l
	}
	return l
}

const offChainColumns = "`id`, `database_name`, `step`, `root_old`, `root_new`, " +
	"`transition_operation`, `proof`, `created_at`"

func scanOffChain(row *sql.Row) (rec *types.RollupOffChainRecord, err error) {
	rec = &types.RollupOffChainRecord{}
	var rootOld, rootNew []byte
	err = row.Scan(
		&rec.ID, &rec.DatabaseName, &rec.Step, &rootOld, &rootNew,
		&rec.TransitionOperation, &rec.Proof, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err = rec.MerkleRootOld.SetBytes(rootOld); err != nil {
		return nil, errors.Wrap(err, "decode rollup root")
	}
	if err = rec.MerkleRootNew.SetBytes(rootNew); err != nil {
		return nil, errors.Wrap(err, "decode rollup root")
	}
	return
}

// latestOffChain returns the newest fold step of a database, or nil when no
// step was folded yet.
func (c *Coordinator) latestOffChain(ctx context.Context, database string) (rec *types.RollupOffChainRecord, err error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT "+offChainColumns+" FROM `rollup_offchain` "+
			"WHERE `database_name` = ? ORDER BY `step` DESC LIMIT 1",
		database,
	)
	rec, err = scanOffChain(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	return
}

// LatestProof implements queue.Aggregator.
func (c *Coordinator) LatestProof(ctx context.Context, database string) (proof []byte, step uint64, err error) {
	rec, err := c.latestOffChain(ctx, database)
	if err != nil || rec == nil {
		return
	}
	return rec.Proof, rec.Step, nil
}

// FoldProved implements queue.Aggregator: it appends the proved transition
// as the next fold step and marks the task proved in the same queue store
// transaction. Step numbering is strictly sequential and each step must
// chain onto the previous root; a gap or regression is a ConsistencyError.
func (c *Coordinator) FoldProved(ctx context.Context, task *types.QueueTask, payload *types.TransitionPayload, proof []byte) (err error) {
	l := c.lock(payload.DatabaseName)
	l.Lock()
	defer l.Unlock()

	prev, err := c.latestOffChain(ctx, payload.DatabaseName)
	if err != nil {
		return
	}

	step := uint64(1)
	if prev != nil {
		step = prev.Step + 1
		if !prev.MerkleRootNew.IsEqual(&payload.MerkleRootOld) {
			return types.NewConsistencyError("rollup "+payload.DatabaseName,
				"transition %d does not chain onto fold step %d: old root %s, folded root %s",
				payload.OperationNumber, prev.Step,
				payload.MerkleRootOld.String(), prev.MerkleRootNew.String())
		}
		if payload.OperationNumber <= prev.TransitionOperation {
			return types.NewConsistencyError("rollup "+payload.DatabaseName,
				"transition %d regresses behind folded transition %d",
				payload.OperationNumber, prev.TransitionOperation)
		}
	}

	now := time.Now().UTC()
	queries := []storage.Query{
		storage.NewQuery(
			"INSERT INTO `rollup_offchain` "+
				"(`database_name`, `step`, `root_old`, `root_new`, `transition_operation`, `proof`, `created_at`) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?)",
			payload.DatabaseName, int64(step),
			payload.MerkleRootOld.CloneBytes(), payload.MerkleRootNew.CloneBytes(),
			int64(payload.OperationNumber), proof, now,
		),
		c.queue.StageMarkProved(task.ID, now),
	}
	if err = c.st.Exec(ctx, queries); err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}

	log.WithFields(log.Fields{
		"database": payload.DatabaseName,
		"step":     step,
		"root":     payload.MerkleRootNew.String(),
	}).Debug("transition folded into rollup")
	return
}

const onChainColumns = "`id`, `database_name`, `offchain_id`, `step`, `root_onchain_old`, " +
	"`root_onchain_new`, `tx_hash`, `status`, `error`, `created_at`, `updated_at`"

func scanOnChain(row *sql.Row) (rec *types.RollupOnChainHistory, err error) {
	rec = &types.RollupOnChainHistory{}
	var rootOld, rootNew []byte
	var status string
	err = row.Scan(
		&rec.ID, &rec.DatabaseName, &rec.OffChainID, &rec.Step, &rootOld, &rootNew,
		&rec.TransactionHash, &status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = types.TransactionStatus(status)
	if err = rec.MerkleRootOnChainOld.SetBytes(rootOld); err != nil {
		return nil, errors.Wrap(err, "decode rollup root")
	}
	if err = rec.MerkleRootOnChainNew.SetBytes(rootNew); err != nil {
		return nil, errors.Wrap(err, "decode rollup root")
	}
	return
}

// submissionFor returns the newest non-failed submission referencing an
// off-chain record, or nil.
func (c *Coordinator) submissionFor(ctx context.Context, offChainID int64) (rec *types.RollupOnChainHistory, err error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT "+onChainColumns+" FROM `rollup_onchain` "+
			"WHERE `offchain_id` = ? AND `status` != ? ORDER BY `id` DESC LIMIT 1",
		offChainID, string(types.TxFailed),
	)
	rec, err = scanOnChain(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	return
}

// SubmitOnChain submits the latest off-chain proof of a database to the
// tracker. A proof with a confirmed submission can never be submitted
// again; an in-flight submission blocks a second attempt until it fails.
func (c *Coordinator) SubmitOnChain(ctx context.Context, database string) (rec *types.RollupOnChainHistory, err error) {
	l := c.lock(database)
	l.Lock()
	defer l.Unlock()

	latest, err := c.latestOffChain(ctx, database)
	if err != nil {
		return
	}
	if latest == nil {
		return nil, types.NewNotFoundError("rollup proof",
			"no proof generated yet for database "+database)
	}

	existing, err := c.submissionFor(ctx, latest.ID)
	if err != nil {
		return
	}
	if existing != nil {
		if existing.Status == types.TxConfirmed {
			return nil, types.NewConflictError("rollup proof",
				"cannot roll up the same proof twice: step %d is confirmed on chain", latest.Step)
		}
		return nil, types.NewConflictError("rollup proof",
			"an in-flight submission already exists for step %d (status %s)", latest.Step, existing.Status)
	}

	now := time.Now().UTC()
	rec = &types.RollupOnChainHistory{
		DatabaseName:         database,
		OffChainID:           latest.ID,
		Step:                 latest.Step,
		MerkleRootOnChainOld: latest.MerkleRootOld,
		MerkleRootOnChainNew: latest.MerkleRootNew,
		Status:               types.TxUnsigned,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	res, err := c.st.DB().ExecContext(ctx,
		"INSERT INTO `rollup_onchain` "+
			"(`database_name`, `offchain_id`, `step`, `root_onchain_old`, `root_onchain_new`, "+
			"`status`, `created_at`, `updated_at`) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		database, latest.ID, int64(latest.Step),
		latest.MerkleRootOld.CloneBytes(), latest.MerkleRootNew.CloneBytes(),
		string(types.TxUnsigned), now, now,
	)
	if err != nil {
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}

	if c.tracker != nil {
		txHash, terr := c.tracker.Submit(ctx, rec, latest.Proof)
		if terr != nil {
			// The submission never left the process; release the proof
			// for a retry.
			uerr := c.UpdateSubmission(ctx, rec.ID, types.TxFailed, terr.Error())
			if uerr != nil {
				return nil, uerr
			}
			return nil, errors.Wrap(terr, "submit rollup proof")
		}
		rec.TransactionHash = txHash
		rec.Status = types.TxSigned
		if _, err = c.st.DB().ExecContext(ctx,
			"UPDATE `rollup_onchain` SET `tx_hash` = ?, `status` = ?, `updated_at` = ? WHERE `id` = ?",
			txHash, string(types.TxSigned), time.Now().UTC(), rec.ID,
		); err != nil {
			return nil, types.NewFatalStorageError(storage.RoleQueue, err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(chainbus.TopicRollupSubmitted, rec)
	}
	log.WithFields(log.Fields{
		"database": database,
		"step":     latest.Step,
		"tx":       rec.TransactionHash,
	}).Info("rollup proof submitted")
	return
}

// UpdateSubmission records an externally observed status change of an
// on-chain submission.
func (c *Coordinator) UpdateSubmission(ctx context.Context, id int64, status types.TransactionStatus, submitErr string) (err error) {
	res, err := c.st.DB().ExecContext(ctx,
		"UPDATE `rollup_onchain` SET `status` = ?, `error` = ?, `updated_at` = ? WHERE `id` = ?",
		string(status), submitErr, time.Now().UTC(), id,
	)
	if err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.NewFatalStorageError(storage.RoleQueue, err)
	}
	if affected == 0 {
		return types.NewNotFoundError("rollup submission", "")
	}
	return
}

// State answers the drift query: how many fold steps the chain is behind.
func (c *Coordinator) State(ctx context.Context, database string) (summary *types.RollupStateSummary, err error) {
	summary = &types.RollupStateSummary{
		DatabaseName: database,
		State:        types.RollupUpdated,
	}

	latest, err := c.latestOffChain(ctx, database)
	if err != nil {
		return
	}
	var offChainStep uint64
	if latest != nil {
		offChainStep = latest.Step
	}

	// The newest submission counts toward drift whatever its status, so an
	// in-flight transaction does not report the database as outdated. Only
	// the success timestamp is restricted to confirmed rows.
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT "+onChainColumns+" FROM `rollup_onchain` "+
			"WHERE `database_name` = ? ORDER BY `id` DESC LIMIT 1",
		database,
	)
	newest, err := scanOnChain(row)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	default:
		old, cur := newest.MerkleRootOnChainOld, newest.MerkleRootOnChainNew
		summary.MerkleRootOnChainOld = &old
		summary.MerkleRootOnChainNew = &cur
	}

	row = c.st.DB().QueryRowContext(ctx,
		"SELECT "+onChainColumns+" FROM `rollup_onchain` "+
			"WHERE `database_name` = ? AND `status` = ? ORDER BY `step` DESC LIMIT 1",
		database, string(types.TxConfirmed),
	)
	confirmed, err := scanOnChain(row)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	default:
		at := confirmed.UpdatedAt
		summary.LatestOnChainSuccess = &at
	}

	var onChainStep uint64
	if newest != nil {
		onChainStep = newest.Step
	}
	summary.RollupDifferent = int64(offChainStep) - int64(onChainStep)
	if summary.RollupDifferent > 0 {
		summary.State = types.RollupOutdated
	}
	return
}

// History returns the on-chain submission history of a database, newest
// first.
func (c *Coordinator) History(ctx context.Context, database string, limit int) (recs []*types.RollupOnChainHistory, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.st.DB().QueryContext(ctx,
		"SELECT "+onChainColumns+" FROM `rollup_onchain` "+
			"WHERE `database_name` = ? ORDER BY `id` DESC LIMIT ?",
		database, limit,
	)
	if err != nil {
		return nil, types.NewFatalStorageError(storage.RoleQueue, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &types.RollupOnChainHistory{}
		var rootOld, rootNew []byte
		var status string
		err = rows.Scan(
			&rec.ID, &rec.DatabaseName, &rec.OffChainID, &rec.Step, &rootOld, &rootNew,
			&rec.TransactionHash, &status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, types.NewFatalStorageError(storage.RoleQueue, err)
		}
		rec.Status = types.TransactionStatus(status)
		if err = rec.MerkleRootOnChainOld.SetBytes(rootOld); err != nil {
			return nil, errors.Wrap(err, "decode rollup root")
		}
		if err = rec.MerkleRootOnChainNew.SetBytes(rootNew); err != nil {
			return nil, errors.Wrap(err, "decode rollup root")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
