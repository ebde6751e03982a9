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

package certstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_certificate_resolutions_total",
			Help: "TLS handshakes by the source of the certificate served",
		},
		[]string{"source"},
	)

	acmeExpiry = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxyvisor_acme_certificate_expiry_seconds",
			Help: "NotAfter of the installed ACME certificate, as a Unix time",
		},
		[]string{"host"},
	)
)
