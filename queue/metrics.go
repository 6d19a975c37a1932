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

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	provedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkdb",
		Subsystem: "queue",
		Name:      "tasks_proved_total",
		Help:      "Number of queue tasks proved and folded into the rollup.",
	})
	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkdb",
		Subsystem: "queue",
		Name:      "tasks_failed_total",
		Help:      "Number of queue tasks terminally failed.",
	})
	requeuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkdb",
		Subsystem: "queue",
		Name:      "tasks_requeued_total",
		Help:      "Number of queue tasks requeued after a transient prover error.",
	})
	emptyPollGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkdb",
		Subsystem: "queue",
		Name:      "worker_backoff_seconds",
		Help:      "Current worker poll backoff delay in seconds.",
	})
)

func init() {
	prometheus.MustRegister(provedCounter)
	prometheus.MustRegister(failedCounter)
	prometheus.MustRegister(requeuedCounter)
	prometheus.MustRegister(emptyPollGauge)
}
