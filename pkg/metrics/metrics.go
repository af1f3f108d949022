// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the prometheus collectors the queue engine
// and discovery registry update: caravan flush/short-write counters,
// in-flight command gauges, and active-queue counts. AppMetrics
// implements both queue.Metrics and discovery.RegistryMetrics so both
// packages can depend on their own narrow interfaces instead of this
// one directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics is the collection of metrics this target exposes.
type AppMetrics struct {
	// TCPServingStatus shows whether the listener is currently serving.
	TCPServingStatus *prometheus.GaugeVec
	// TCPQueues shows how many open TCP queues we currently have.
	TCPQueues *prometheus.GaugeVec
	// CaravanFlushTotal counts caravan flushes, labeled by caravan name.
	CaravanFlushTotal *prometheus.CounterVec
	// CaravanBytesTotal sums bytes sent per caravan flush.
	CaravanBytesTotal *prometheus.CounterVec
	// CaravanShortWriteTotal counts short sendmsg()-equivalent writes.
	CaravanShortWriteTotal *prometheus.CounterVec
	// CommandsInflightGauge gauges commands currently admitted but not
	// completed, across all queues.
	CommandsInflightGauge prometheus.Gauge
	// DigestErrorsTotal counts header/data digest mismatches.
	DigestErrorsTotal prometheus.Counter
	// CaravanFlushDurationSeconds times each caravan flush.
	CaravanFlushDurationSeconds *prometheus.HistogramVec
	// QueueTeardownTotal counts released slots at queue teardown, split
	// by whether they had already finished their data phase (drained)
	// or were cut short (aborted).
	QueueTeardownTotal *prometheus.CounterVec
}

var Metrics AppMetrics

func init() {
	Metrics.TCPServingStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "target_tcp_server_serving_states",
			Help: "Shows whether the TCP listener is currently serving.",
		},
		[]string{"id"},
	)
	Metrics.TCPQueues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "target_tcp_queues_total",
			Help: "Number of TCP queues currently registered.",
		},
		[]string{"id"},
	)
	Metrics.CaravanFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "target_caravan_flush_total",
			Help: "Number of caravan flushes, by caravan name.",
		},
		[]string{"caravan"},
	)
	Metrics.CaravanBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "target_caravan_bytes_total",
			Help: "Bytes sent via caravan flush, by caravan name.",
		},
		[]string{"caravan"},
	)
	Metrics.CaravanShortWriteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "target_caravan_short_write_total",
			Help: "Number of caravan flushes that wrote fewer bytes than requested.",
		},
		[]string{"caravan"},
	)
	Metrics.CommandsInflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "target_commands_inflight",
			Help: "Number of NVMe commands admitted but not yet completed.",
		},
	)
	Metrics.DigestErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "target_digest_errors_total",
			Help: "Number of header/data digest mismatches observed.",
		},
	)
	Metrics.CaravanFlushDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "target",
			Name:      "caravan_flush_duration_seconds",
			Help:      "Time it took to flush a caravan's gather vector.",
		},
		[]string{"caravan"},
	)
	Metrics.QueueTeardownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "target_queue_teardown_slots_total",
			Help: "Command slots released at queue teardown, by outcome.",
		},
		[]string{"outcome"},
	)

	prometheus.MustRegister(Metrics.TCPServingStatus)
	prometheus.MustRegister(Metrics.TCPQueues)
	prometheus.MustRegister(Metrics.CaravanFlushTotal)
	prometheus.MustRegister(Metrics.CaravanBytesTotal)
	prometheus.MustRegister(Metrics.CaravanShortWriteTotal)
	prometheus.MustRegister(Metrics.CommandsInflightGauge)
	prometheus.MustRegister(Metrics.DigestErrorsTotal)
	prometheus.MustRegister(Metrics.CaravanFlushDurationSeconds)
	prometheus.MustRegister(Metrics.QueueTeardownTotal)
}

// CaravanShortWrite implements queue.Metrics.
func (AppMetrics) CaravanShortWrite(name string) {
	Metrics.CaravanShortWriteTotal.WithLabelValues(name).Inc()
}

// CaravanFlush implements queue.Metrics.
func (AppMetrics) CaravanFlush(name string, bytes int) {
	Metrics.CaravanFlushTotal.WithLabelValues(name).Inc()
	Metrics.CaravanBytesTotal.WithLabelValues(name).Add(float64(bytes))
}

// CommandsInflight implements queue.Metrics.
func (AppMetrics) CommandsInflight(delta int) {
	Metrics.CommandsInflightGauge.Add(float64(delta))
}

// DigestError implements queue.Metrics.
func (AppMetrics) DigestError() {
	Metrics.DigestErrorsTotal.Inc()
}

// QueueTeardown implements queue.Metrics.
func (AppMetrics) QueueTeardown(drained, aborted int) {
	Metrics.QueueTeardownTotal.WithLabelValues("drained").Add(float64(drained))
	Metrics.QueueTeardownTotal.WithLabelValues("aborted").Add(float64(aborted))
}

// SetActiveQueues implements discovery.RegistryMetrics.
func (AppMetrics) SetActiveQueues(n int) {
	Metrics.TCPQueues.WithLabelValues("target").Set(float64(n))
}
