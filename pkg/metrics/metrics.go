// Copyright 2024 The rosmq Authors
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

// Package metrics exposes the broker's Prometheus metrics.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts every accepted TCP connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosmq_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// PacketsReceivedTotal counts decoded control packets, by type.
	PacketsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosmq_packets_received_total",
		Help: "The total number of MQTT control packets received, by packet type.",
	},
		[]string{"type"},
	)

	// PacketsSentTotal counts encoded control packets, by type.
	PacketsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosmq_packets_sent_total",
		Help: "The total number of MQTT control packets sent, by packet type.",
	},
		[]string{"type"},
	)

	// MessagesRoutedTotal counts PUBLISH messages accepted for routing.
	MessagesRoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosmq_messages_routed_total",
		Help: "The total number of application messages routed to subscribers.",
	})

	// DeliveryFailuresTotal counts deliveries dropped because a
	// subscriber's outbound queue was full or its connection was gone.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosmq_delivery_failures_total",
		Help: "The total number of message deliveries dropped.",
	})

	// KeepaliveTimeoutsTotal counts connections closed for missing their
	// keepalive deadline.
	KeepaliveTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosmq_keepalive_timeouts_total",
		Help: "The total number of connections closed by keepalive timeout.",
	})

	// AuthFailuresTotal counts rejected CONNECT attempts.
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosmq_auth_failures_total",
		Help: "The total number of CONNECT attempts rejected by authentication.",
	})

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosmq_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)

	// ConnectedClients tracks the number of live client sessions.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosmq_connected_clients",
		Help: "The number of currently connected clients.",
	})

	// Topics tracks the number of live topics in the registry.
	Topics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosmq_topics",
		Help: "The number of topics currently tracked by the registry.",
	})

	// RetainedMessages tracks the number of retained messages held.
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosmq_retained_messages",
		Help: "The number of retained messages currently held.",
	})

	// Subscriptions tracks the total subscription count across topics
	// and wildcard patterns.
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosmq_subscriptions",
		Help: "The number of active subscriptions.",
	})
)

// Serve starts an HTTP server exposing /metrics. It blocks.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
