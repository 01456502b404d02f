// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	connectionCurrent       atomic.Int32
	connectionStartAttempts atomic.Int32
	connectionStartSuccess  atomic.Int32
	connectionFailures      atomic.Int32
	liveMemberCurrent       atomic.Int32
	autoLeaveTotal          atomic.Int32

	promConnectionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: callcoreNamespace,
		Subsystem: "connection",
		Name:      "total",
	})
	promConnectionStart = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: callcoreNamespace,
		Subsystem: "connection",
		Name:      "start_counter",
	}, []string{"state"})
	promConnectionStartTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: callcoreNamespace,
		Subsystem: "connection",
		Name:      "start_time_ms",
		Buckets:   prometheus.ExponentialBucketsRange(50, 30000, 15),
	})
	promConnectionState = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: callcoreNamespace,
		Subsystem: "connection",
		Name:      "state_counter",
	}, []string{"state"})
	promConnectionFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: callcoreNamespace,
		Subsystem: "connection",
		Name:      "failure_counter",
	}, []string{"kind"})
	promLiveMemberCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: callcoreNamespace,
		Subsystem: "member",
		Name:      "total",
	}, []string{"publishing"})
	promPickupState = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: callcoreNamespace,
		Subsystem: "pickup",
		Name:      "state_counter",
	}, []string{"state"})
	promAutoLeave = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: callcoreNamespace,
		Subsystem: "pickup",
		Name:      "auto_leave_counter",
	}, []string{"reason"})
)

func initCallStats() {
	prometheus.MustRegister(promConnectionCurrent)
	prometheus.MustRegister(promConnectionStart)
	prometheus.MustRegister(promConnectionStartTime)
	prometheus.MustRegister(promConnectionState)
	prometheus.MustRegister(promConnectionFailure)
	prometheus.MustRegister(promLiveMemberCurrent)
	prometheus.MustRegister(promPickupState)
	prometheus.MustRegister(promAutoLeave)
}

func ConnectionAdded() {
	promConnectionCurrent.Add(1)
	connectionCurrent.Inc()
}

func ConnectionRemoved() {
	promConnectionCurrent.Sub(1)
	connectionCurrent.Dec()
}

func ConnectionStartAttempt() {
	promConnectionStart.WithLabelValues("attempt").Inc()
	connectionStartAttempts.Inc()
}

func ConnectionStartSucceeded(startedAt time.Time) {
	promConnectionStart.WithLabelValues("success").Inc()
	promConnectionStartTime.Observe(float64(time.Since(startedAt).Milliseconds()))
	connectionStartSuccess.Inc()
}

func ConnectionStateChanged(state string) {
	promConnectionState.WithLabelValues(state).Inc()
}

func ConnectionFailed(kind string) {
	promConnectionFailure.WithLabelValues(kind).Inc()
	connectionFailures.Inc()
}

func SetLiveMembers(publishing, waiting int) {
	promLiveMemberCurrent.WithLabelValues("true").Set(float64(publishing))
	promLiveMemberCurrent.WithLabelValues("false").Set(float64(waiting))
	liveMemberCurrent.Store(int32(publishing + waiting))
}

func PickupStateChanged(state string) {
	promPickupState.WithLabelValues(state).Inc()
}

func AutoLeaveTriggered(reason string) {
	promAutoLeave.WithLabelValues(reason).Inc()
	autoLeaveTotal.Inc()
}

type CallStats struct {
	Connections             int32
	ConnectionStartAttempts int32
	ConnectionStartSuccess  int32
	ConnectionFailures      int32
	LiveMembers             int32
	AutoLeaves              int32
}

func GetCallStats() CallStats {
	return CallStats{
		Connections:             connectionCurrent.Load(),
		ConnectionStartAttempts: connectionStartAttempts.Load(),
		ConnectionStartSuccess:  connectionStartSuccess.Load(),
		ConnectionFailures:      connectionFailures.Load(),
		LiveMembers:             liveMemberCurrent.Load(),
		AutoLeaves:              autoLeaveTotal.Load(),
	}
}
