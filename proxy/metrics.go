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

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_proxy_requests_total",
			Help: "Requests by listener and outcome",
		},
		[]string{"listener", "outcome"},
	)

	upstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_proxy_upstream_errors_total",
			Help: "Requests answered with 502 because no upstream could serve them",
		},
	)

	activeConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_proxy_active_connections",
			Help: "Open client connections, upgraded ones included",
		},
	)
)
