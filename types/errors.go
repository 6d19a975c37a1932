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
	"fmt"

	"github.com/harris1111/zkDatabase/permission"
)

// ValidationError indicates a request of bad shape or range, including
// ambiguous document filters.
type ValidationError struct {
	Resource string
	Msg      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Resource, e.Msg)
}

// NewValidationError returns a ValidationError on resource.
func NewValidationError(resource, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError indicates an actor lacking the required action on a
// resource. It always names all three.
type AuthorizationError struct {
	Actor    string
	Action   permission.Action
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("access denied: actor %q does not have %q permission for %s",
		e.Actor, e.Action, e.Resource)
}

// NewAuthorizationError returns an AuthorizationError for actor, action and
// resource.
func NewAuthorizationError(actor string, action permission.Action, resource string) *AuthorizationError {
	return &AuthorizationError{Actor: actor, Action: action, Resource: resource}
}

// NotFoundError indicates a missing collection, document, proof or rollup
// record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NewNotFoundError returns a NotFoundError for the resource.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError indicates duplicate creation, a concurrent index violation
// or a duplicate rollup submission.
type ConflictError struct {
	Resource string
	Msg      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Msg)
}

// NewConflictError returns a ConflictError on resource.
func NewConflictError(resource, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError indicates a sequence gap or regression. It is fatal for
// the enclosing unit and is never silently corrected.
type ConsistencyError struct {
	Resource string
	Msg      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", e.Resource, e.Msg)
}

// NewConsistencyError returns a ConsistencyError on resource.
func NewConsistencyError(resource, format string, args ...interface{}) *ConsistencyError {
	return &ConsistencyError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// TransientProverError indicates a retryable prover failure. It drives the
// worker backoff and is never surfaced as a terminal task failure.
type TransientProverError struct {
	Err error
}

func (e *TransientProverError) Error() string {
	return fmt.Sprintf("transient prover failure: %v", e.Err)
}

// Unwrap returns the underlying prover error.
func (e *TransientProverError) Unwrap() error {
	return e.Err
}

// FatalStorageError indicates an unreachable store. It propagates for
// process-level handling after the enclosing unit has rolled back.
type FatalStorageError struct {
	Store string
	Err   error
}

func (e *FatalStorageError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *FatalStorageError) Unwrap() error {
	return e.Err
}

// NewFatalStorageError wraps a storage failure on the named store.
func NewFatalStorageError(store string, err error) *FatalStorageError {
	return &FatalStorageError{Store: store, Err: err}
}
