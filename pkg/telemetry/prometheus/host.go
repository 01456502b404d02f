// Copyright 2024 LiveKit, Inc.
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
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	callcoreNamespace string = "callcore"
)

var (
	initialized atomic.Bool

	promHostCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: callcoreNamespace,
		Subsystem: "host",
		Name:      "cpu_load",
	})
	promHostMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: callcoreNamespace,
		Subsystem: "host",
		Name:      "memory_load",
		Help:      "Used memory as a fraction of total memory.",
	})
	promHostLoadAvg = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: callcoreNamespace,
		Subsystem: "host",
		Name:      "load_avg",
	}, []string{"window"})
)

// Init registers all collectors with the default registry. Recording works
// without it, for tests and tools that never expose metrics.
func Init() {
	if initialized.Swap(true) {
		return
	}

	prometheus.MustRegister(promHostCPULoad)
	prometheus.MustRegister(promHostMemoryLoad)
	prometheus.MustRegister(promHostLoadAvg)

	initCallStats()
}

type HostStats struct {
	NumCPUs    uint32
	CPULoad    float32
	MemoryLoad float32
	LoadAvg1   float64
	LoadAvg5   float64
	LoadAvg15  float64
}

func getMemoryLoad() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// UpdateHostStats samples the host and updates the host gauges.
func UpdateHostStats() (*HostStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// not available everywhere, use it when it is
	memoryLoad, _ := getMemoryLoad()

	promHostCPULoad.Set(float64(cpuLoad))
	promHostMemoryLoad.Set(float64(memoryLoad))
	promHostLoadAvg.WithLabelValues("1m").Set(loadAvg.Loadavg1)
	promHostLoadAvg.WithLabelValues("5m").Set(loadAvg.Loadavg5)
	promHostLoadAvg.WithLabelValues("15m").Set(loadAvg.Loadavg15)

	return &HostStats{
		NumCPUs:    numCPUs,
		CPULoad:    cpuLoad,
		MemoryLoad: memoryLoad,
		LoadAvg1:   loadAvg.Loadavg1,
		LoadAvg5:   loadAvg.Loadavg5,
		LoadAvg15:  loadAvg.Loadavg15,
	}, nil
}
