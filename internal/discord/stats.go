package discord

import (
	"math"
	"slices"
	"sync"
	"time"
)

// ApprovalStats collects how long approvals wait for a DM, per content kind,
// and counts outcomes. Each kind keeps a bounded window of recent samples
// from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type ApprovalStats struct {
	mu       sync.Mutex
	window   int
	waits    map[string]*latencyBuffer
	outcomes map[string]int64
}

// NewApprovalStats creates an ApprovalStats keeping at most windowSize
// samples per kind.
func NewApprovalStats(windowSize int) *ApprovalStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &ApprovalStats{
		window:   windowSize,
		waits:    make(map[string]*latencyBuffer),
		outcomes: make(map[string]int64),
	}
}

// Record adds one decided approval of kind that waited d.
func (as *ApprovalStats) Record(kind, outcome string, d time.Duration) {
	as.mu.Lock()
	defer as.mu.Unlock()
	lb, ok := as.waits[kind]
	if !ok {
		lb = newLatencyBuffer(as.window)
		as.waits[kind] = lb
	}
	lb.add(d)
	as.outcomes[outcome]++
}

// LatencyPercentiles holds p50 and p95 values.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// StatsSnapshot is a point-in-time view of [ApprovalStats].
type StatsSnapshot struct {
	Waits    map[string]LatencyPercentiles
	Outcomes map[string]int64
}

// Kinds returns the kinds with samples, sorted.
func (s StatsSnapshot) Kinds() []string {
	kinds := make([]string, 0, len(s.Waits))
	for k := range s.Waits {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Snapshot returns a copy of the current statistics.
func (as *ApprovalStats) Snapshot() StatsSnapshot {
	as.mu.Lock()
	defer as.mu.Unlock()
	snap := StatsSnapshot{
		Waits:    make(map[string]LatencyPercentiles, len(as.waits)),
		Outcomes: make(map[string]int64, len(as.outcomes)),
	}
	for k, lb := range as.waits {
		snap.Waits[k] = lb.percentiles()
	}
	for k, n := range as.outcomes {
		snap.Outcomes[k] = n
	}
	return snap
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) *latencyBuffer {
	return &latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
