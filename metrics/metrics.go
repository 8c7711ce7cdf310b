// Copyright (c) 2022 The rcproxy Authors
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

// Package metrics holds the process-wide Prometheus registrations every
// other package reaches into from whatever goroutine it runs on. The
// collectors themselves are safe for concurrent use; callers still own not
// mutating any table metrics merely observes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var Stats = NewRuntimeStats("hydranet")

// RuntimeStats mirrors the teacher's ProxyStats shape (one struct of
// pre-registered vectors, a namespace-scoped constructor, MustRegister at
// construction) generalized from "Redis command proxy" labels to this
// runtime's own connection/service/cluster surface.
type RuntimeStats struct {
	TotalConnections *prometheus.CounterVec
	CurrConnections  *prometheus.GaugeVec
	BytesIn          *prometheus.CounterVec
	BytesOut         *prometheus.CounterVec
	ConnErrors       *prometheus.CounterVec

	ServiceQueueDepth *prometheus.GaugeVec
	TimingWheelLen    *prometheus.GaugeVec

	RedisClientActive *prometheus.GaugeVec
	RedisClientErrors *prometheus.CounterVec

	ClusterNodesConnected prometheus.Gauge
	ClusterRPCInFlight    prometheus.Gauge
}

// NewRuntimeStats builds and registers every collector under namespace. It
// panics on double-registration, same as prometheus.MustRegister always
// has, so it must only be called once per process (Stats is that call).
func NewRuntimeStats(namespace string) RuntimeStats {
	s := RuntimeStats{
		TotalConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_connections",
			Help:      "total connections accepted or dialed, by packet type",
		}, []string{"type"}),
		CurrConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "curr_connections",
			Help:      "currently open connections, by packet type",
		}, []string{"type"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "bytes read off the wire, by packet type",
		}, []string{"type"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "bytes written to the wire, by packet type",
		}, []string{"type"}),
		ConnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conn_errors_total",
			Help:      "connections lost to a non-EOF error, by packet type",
		}, []string{"type"}),
		ServiceQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_queue_depth",
			Help:      "pending tasks in a service's mailbox, by service id",
		}, []string{"service"}),
		TimingWheelLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timing_wheel_len",
			Help:      "scheduled entries outstanding on a service's timing wheel",
		}, []string{"service"}),
		RedisClientActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_client_active",
			Help:      "1 if the redis client connection to addr is ready, else 0",
		}, []string{"addr"}),
		RedisClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_client_errors_total",
			Help:      "redis client connection losses or protocol errors, by addr",
		}, []string{"addr"}),
		ClusterNodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_nodes_connected",
			Help:      "number of peer cluster nodes currently linked",
		}),
		ClusterRPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_rpc_in_flight",
			Help:      "cluster RPC calls awaiting a return",
		}),
	}
	prometheus.MustRegister(
		s.TotalConnections, s.CurrConnections, s.BytesIn, s.BytesOut, s.ConnErrors,
		s.ServiceQueueDepth, s.TimingWheelLen,
		s.RedisClientActive, s.RedisClientErrors,
		s.ClusterNodesConnected, s.ClusterRPCInFlight,
	)
	return s
}
