package coordinator

import (
	"runtime"
	"sync"
)

// LoadSample is one reading of system pressure, in percent.
type LoadSample struct {
	// CPUPercent is approximate CPU utilization, 0-100.
	CPUPercent float64
	// MemoryPercent is heap utilization against the runtime's observed
	// ceiling, 0-100.
	MemoryPercent float64
	// Goroutines is the current goroutine count.
	Goroutines int
}

// Sampler produces load readings. Tests and platform-specific builds
// plug in their own.
type Sampler interface {
	Sample() LoadSample
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() LoadSample

// Sample calls f.
func (f SamplerFunc) Sample() LoadSample { return f() }

// runtimeSampler reads heap pressure from the Go runtime. It has no CPU
// visibility; hosts that need CPU-driven degradation supply a platform
// sampler instead.
type runtimeSampler struct{}

func (runtimeSampler) Sample() LoadSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memPercent := 0.0
	if ms.HeapSys > 0 {
		memPercent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	return LoadSample{
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
	}
}

// healthMonitor tracks load against a two-threshold hysteresis band.
// Degradation begins when either CPU or memory crosses the enter mark
// and ends only when both drop below the exit mark, so a reading
// hovering near one threshold cannot flap the state.
type healthMonitor struct {
	sampler      Sampler
	enterPercent float64
	exitPercent  float64

	mu       sync.Mutex
	degraded bool
	last     LoadSample
}

func newHealthMonitor(sampler Sampler, enterPercent, exitPercent float64) *healthMonitor {
	if sampler == nil {
		sampler = runtimeSampler{}
	}
	if enterPercent <= 0 {
		enterPercent = 90
	}
	if exitPercent <= 0 || exitPercent >= enterPercent {
		exitPercent = enterPercent - 10
	}
	return &healthMonitor{
		sampler:      sampler,
		enterPercent: enterPercent,
		exitPercent:  exitPercent,
	}
}

// check takes a sample and returns the degraded flag plus whether it
// changed on this reading.
func (m *healthMonitor) check() (degraded, changed bool) {
	s := m.sampler.Sample()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = s

	was := m.degraded
	if !m.degraded {
		if s.CPUPercent >= m.enterPercent || s.MemoryPercent >= m.enterPercent {
			m.degraded = true
		}
	} else {
		if s.CPUPercent < m.exitPercent && s.MemoryPercent < m.exitPercent {
			m.degraded = false
		}
	}
	return m.degraded, m.degraded != was
}

// snapshot returns the most recent sample.
func (m *healthMonitor) snapshot() LoadSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
