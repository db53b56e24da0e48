// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package steer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the data-plane counters, labeled by port ID.
type Metrics struct {
	ConnsAccepted   *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec
	DialErrors      *prometheus.CounterVec
	ActiveConns     *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steer",
			Name:      "conns_accepted_total",
			Help:      "Connections accepted, per port.",
		}, []string{"port"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steer",
			Name:      "tls_handshake_errors_total",
			Help:      "TLS handshakes that failed, per port.",
		}, []string{"port"}),
		DialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steer",
			Name:      "upstream_dial_errors_total",
			Help:      "Upstream dials that failed, per port.",
		}, []string{"port"}),
		ActiveConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "steer",
			Name:      "active_conns",
			Help:      "Connections currently proxied, per port.",
		}, []string{"port"}),
	}
}
