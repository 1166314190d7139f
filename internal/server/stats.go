package server

import (
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Stats collects server-side query statistics. All methods are safe for
// concurrent use.
type Stats struct {
	queriesTotal   atomic.Uint64
	dropped        atomic.Uint64
	responsesNX    atomic.Uint64
	responsesErr   atomic.Uint64
	latencyTotalNs atomic.Uint64
}

// NewStats creates a statistics collector.
func NewStats() *Stats {
	return &Stats{}
}

// RecordQuery counts one decoded query.
func (s *Stats) RecordQuery() {
	s.queriesTotal.Add(1)
}

// RecordDropped counts a datagram discarded before routing (decode failure
// or rate limit).
func (s *Stats) RecordDropped() {
	s.dropped.Add(1)
}

// RecordRcode counts a response by its outcome.
func (s *Stats) RecordRcode(rcode int) {
	switch rcode {
	case dns.RcodeNameError:
		s.responsesNX.Add(1)
	case dns.RcodeServerFailure, dns.RcodeFormatError, dns.RcodeRefused:
		s.responsesErr.Add(1)
	}
}

// RecordLatency accumulates time spent answering.
func (s *Stats) RecordLatency(d time.Duration) {
	if d > 0 {
		s.latencyTotalNs.Add(uint64(d.Nanoseconds()))
	}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	QueriesTotal uint64  `json:"queries_total"`
	Dropped      uint64  `json:"dropped"`
	ResponsesNX  uint64  `json:"responses_nxdomain"`
	ResponsesErr uint64  `json:"responses_error"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() Snapshot {
	total := s.queriesTotal.Load()
	avg := 0.0
	if total > 0 {
		avg = float64(s.latencyTotalNs.Load()) / float64(total) / 1e6
	}
	return Snapshot{
		QueriesTotal: total,
		Dropped:      s.dropped.Load(),
		ResponsesNX:  s.responsesNX.Load(),
		ResponsesErr: s.responsesErr.Load(),
		AvgLatencyMs: avg,
	}
}
