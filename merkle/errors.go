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

package merkle

import (
	"errors"
)

var (
	// ErrInvalidHeight indicates a tree height outside the valid range of 8
	// to 256 levels.
	ErrInvalidHeight = errors.New("merkle: tree height must be in [8, 256]")

	// ErrProofVerification indicates a witness path that does not fold back
	// to the expected root.
	ErrProofVerification = errors.New("merkle: proof verification failed")
)
