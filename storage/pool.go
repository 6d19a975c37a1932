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

package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// Known store roles.
const (
	RoleDocument = "document"
	RoleQueue    = "queue"
)

// Pool holds the opened stores of one process. It replaces implicit global
// dsn-keyed registries: every consumer receives its store handles from an
// explicitly constructed Pool and the whole set is torn down with one Close.
type Pool struct {
	mu     sync.Mutex
	stores map[string]*Storage
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{
		stores: make(map[string]*Storage),
	}
}

// Open opens the store with the given role and DSN and registers it in the
// pool. Opening an already registered role is an error.
func (p *Pool) Open(role string, dsn string) (st *Storage, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stores == nil {
		return nil, ErrStorageClosed
	}
	if _, ok := p.stores[role]; ok {
		return nil, errors.Errorf("storage: role %q already opened", role)
	}

	if st, err = New(role, dsn); err != nil {
		return nil, err
	}
	p.stores[role] = st
	return st, nil
}

// Get returns the registered store with the given role.
func (p *Pool) Get(role string) (st *Storage, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok = p.stores[role]
	return
}

// Close closes every registered store. The pool cannot be reused afterwards.
func (p *Pool) Close() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for role, st := range p.stores {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close %s store", role)
		}
	}
	p.stores = nil
	return
}
