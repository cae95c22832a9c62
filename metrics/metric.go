// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "CloudKV"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	StoreCASRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cas_retries_total",
		Help:      "compare and swap attempts lost to a concurrent writer",
	})
	StoreKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "keys",
		Help:      "keys held by the local store",
	})
	PersistOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "ops_total",
		Help:      "persistence engine operations",
	}, []string{"op", "result"})

	CloudEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cloud",
		Name:      "epoch",
		Help:      "epoch of the installed cloud",
	})
	CloudSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cloud",
		Name:      "size",
		Help:      "members of the installed cloud",
	})
	StaleMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cloud",
		Name:      "stale_messages_total",
		Help:      "inbound messages dropped for carrying a superseded cloud",
	})

	TaskForks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "forks_total",
		Help:      "fork invocations by task name and result",
	}, []string{"task", "result"})
	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "retries_total",
		Help:      "sub-request retries by kind",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		StoreCASRetries,
		StoreKeys,
		PersistOps,
		CloudEpoch,
		CloudSize,
		StaleMessages,
		TaskForks,
		TaskRetries,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
