package stats

import (
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// StatsCollector manages application-wide RPC statistics
type StatsCollector struct {
	StartTime        time.Time
	RequestsServed   uint64
	RequestsFailed   uint64
	CallsIssued      uint64
	CallsFailed      uint64
	CallsTimedOut    uint64
	UnmatchedReplies uint64
	MessagesDropped  uint64
	lastUpdate       atomic.Int64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	s := &StatsCollector{StartTime: time.Now()}
	s.touch()
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

// RequestServed records an inbound request; failed marks an error response
func (s *StatsCollector) RequestServed(failed bool) {
	atomic.AddUint64(&s.RequestsServed, 1)
	if failed {
		atomic.AddUint64(&s.RequestsFailed, 1)
	}
	s.touch()
}

// CallIssued records an outbound call
func (s *StatsCollector) CallIssued() {
	atomic.AddUint64(&s.CallsIssued, 1)
	s.touch()
}

// CallFailed records an outbound call that ended in an error response
func (s *StatsCollector) CallFailed() {
	atomic.AddUint64(&s.CallsFailed, 1)
	s.touch()
}

// CallTimedOut records an outbound call that hit its deadline
func (s *StatsCollector) CallTimedOut() {
	atomic.AddUint64(&s.CallsTimedOut, 1)
	s.touch()
}

// UnmatchedReply records a response with no pending request
func (s *StatsCollector) UnmatchedReply() {
	atomic.AddUint64(&s.UnmatchedReplies, 1)
	s.touch()
}

// MessageDropped records an envelope that could not be decoded
func (s *StatsCollector) MessageDropped() {
	atomic.AddUint64(&s.MessagesDropped, 1)
	s.touch()
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":            uptime.String(),
		"requests_served":   atomic.LoadUint64(&s.RequestsServed),
		"requests_failed":   atomic.LoadUint64(&s.RequestsFailed),
		"calls_issued":      atomic.LoadUint64(&s.CallsIssued),
		"calls_failed":      atomic.LoadUint64(&s.CallsFailed),
		"calls_timed_out":   atomic.LoadUint64(&s.CallsTimedOut),
		"unmatched_replies": atomic.LoadUint64(&s.UnmatchedReplies),
		"messages_dropped":  atomic.LoadUint64(&s.MessagesDropped),
		"last_update":       time.Unix(0, s.lastUpdate.Load()),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the request serving rate per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.RequestsServed)) / uptime
}
