/*
 * Copyright 2024 The zkDatabase Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package chainbus

// Bus topics of the proof pipeline. The prover worker publishes transition
// outcomes; the rollup coordinator folds proved transitions into the
// off-chain aggregate.
const (
	// TopicTransitionProved carries (*types.QueueTask, *types.TransitionPayload).
	TopicTransitionProved = "/transition/proved"
	// TopicTransitionFailed carries (*types.QueueTask, error): the task and
	// the cause of its terminal failure.
	TopicTransitionFailed = "/transition/failed"
	// TopicRollupSubmitted carries (*types.RollupOnChainHistory).
	TopicRollupSubmitted = "/rollup/submitted"
)
