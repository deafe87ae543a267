/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hopshell/hopshell/conn_errors"
)

var (
	// Chain metrics
	ChainAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hopshell_chain_attempts_total",
		Help: "Total number of connection chains attempted, by outcome",
	}, []string{"result"}) // result: success/authentication/network/protocol/configuration/cancelled

	HandshakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hopshell_ssh_handshake_duration_seconds",
		Help:    "SSH handshake and authentication duration per hop",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "result"}) // method: password/publickey/certificate/hardware/agent

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hopshell_active_sessions",
		Help: "Number of interactive sessions currently open",
	})

	SessionBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hopshell_session_bytes_total",
		Help: "Bytes carried by interactive sessions",
	}, []string{"direction"})

	SessionFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hopshell_session_flushes_total",
		Help: "Number of batched data events emitted by sessions",
	})

	// Tunnel metrics
	ActiveTunnels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hopshell_active_tunnels",
		Help: "Number of port forwards currently active",
	}, []string{"kind"}) // kind: local/remote/dynamic

	TunnelConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hopshell_tunnel_connections_total",
		Help: "Connections accepted by port forwards, by outcome",
	}, []string{"kind", "result"})

	TunnelBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hopshell_tunnel_bytes_total",
		Help: "Bytes relayed by port forwards",
	}, []string{"kind", "direction"})
)

// Direction constants for byte counters
const (
	DirectionIn  = "in"  // from the remote side
	DirectionOut = "out" // towards the remote side
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// RecordChainAttempt counts a finished connect attempt under its error kind.
func RecordChainAttempt(err error) {
	result := ResultSuccess
	if err != nil {
		result = conn_errors.Classify(err).String()
	}
	ChainAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordHandshake(method string, ok bool, elapsed time.Duration) {
	result := ResultSuccess
	if !ok {
		result = ResultFailure
	}
	HandshakeDuration.WithLabelValues(method, result).Observe(elapsed.Seconds())
}
