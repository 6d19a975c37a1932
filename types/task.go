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
)

// TaskStatus is the lifecycle state of a queued task. Transitions are
// monotonic and one-directional; queued may be restored from proving only
// via an explicit requeue.
type TaskStatus string

// Task lifecycle states.
const (
	TaskQueued  TaskStatus = "queued"
	TaskProving TaskStatus = "proving"
	TaskProved  TaskStatus = "proved"
	TaskFailed  TaskStatus = "failed"
)

// Valid reports whether the status is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskProving, TaskProved, TaskFailed:
		return true
	}
	return false
}

// QueueTask is one generic unit of async work. Ordering guarantees apply
// per database by SequenceNumber.
type QueueTask struct {
	ID             int64
	DatabaseName   string
	SequenceNumber uint64
	Status         TaskStatus
	Payload        []byte
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
