// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxyvisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_task_starts_total",
			Help: "Successful process launches by task",
		},
		[]string{"task"},
	)

	taskExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_task_exits_total",
			Help: "Process exits by task, solicited or not",
		},
		[]string{"task"},
	)

	taskRelaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_task_relaunches_total",
			Help: "Automatic relaunches by task",
		},
		[]string{"task"},
	)

	taskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_task_spawn_failures_total",
			Help: "Failed process launches by task",
		},
		[]string{"task"},
	)

	// tasksConfigured is shared by every Manager in the process.
	tasksConfigured = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_tasks_configured",
			Help: "Number of tasks currently known to the supervisor",
		},
	)
)
