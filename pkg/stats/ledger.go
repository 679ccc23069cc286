// Package stats tracks per-instance request accounting. The ledger is the
// single mutable focal point feeding the scorer: active counts, cumulative
// outcomes, consecutive errors and an EWMA of response latency.
package stats

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/modelmux/modelmux/pkg/types"
)

// ewmaAlpha weights the latest latency sample in the moving average.
const ewmaAlpha = 0.2

type instanceStats struct {
	mu sync.Mutex
	m  types.InstanceMetrics
}

// Ledger keeps one metrics record per instance ID. All operations are atomic
// per instance; begin/report pairs for one request are ordered by the caller.
type Ledger struct {
	instances *xsync.MapOf[string, *instanceStats]
	now       func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		instances: xsync.NewMapOf[string, *instanceStats](),
		now:       time.Now,
	}
}

func (l *Ledger) get(id string) *instanceStats {
	s, _ := l.instances.LoadOrCompute(id, func() *instanceStats {
		return &instanceStats{}
	})
	return s
}

// BeginRequest marks one request in flight on the instance.
func (l *Ledger) BeginRequest(id string) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.ActiveRequests++
}

// ReportSuccess settles an in-flight request as succeeded and folds its
// latency into the EWMA.
func (l *Ledger) ReportSuccess(id string, latencyMs float64) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.ActiveRequests > 0 {
		s.m.ActiveRequests--
	}
	s.m.TotalRequests++
	s.m.SuccessCount++
	s.m.ConsecutiveErrors = 0
	s.m.LastResponseTimeMs = latencyMs
	if s.m.AvgResponseTimeMs == 0 {
		s.m.AvgResponseTimeMs = latencyMs
	} else {
		s.m.AvgResponseTimeMs = (1-ewmaAlpha)*s.m.AvgResponseTimeMs + ewmaAlpha*latencyMs
	}
}

// ReportFailure settles an in-flight request as failed.
func (l *Ledger) ReportFailure(id string, code types.ErrorKind) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.ActiveRequests > 0 {
		s.m.ActiveRequests--
	}
	s.m.TotalRequests++
	s.m.ErrorCount++
	s.m.ConsecutiveErrors++
	s.m.LastErrorAt = l.now()
	s.m.LastErrorCode = string(code)
}

// Cancel settles an in-flight request that was cancelled by the caller.
// Cancellation is not an instance failure: no counter other than the active
// count moves.
func (l *Ledger) Cancel(id string) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.ActiveRequests > 0 {
		s.m.ActiveRequests--
	}
}

// ResetConsecutiveErrors clears the breaker arithmetic after a successful
// probe restores an instance.
func (l *Ledger) ResetConsecutiveErrors(id string) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.ConsecutiveErrors = 0
}

// Reset zeroes the whole record, for a manual breaker reset.
func (l *Ledger) Reset(id string) {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = types.InstanceMetrics{}
}

// Snapshot returns a copy of the instance's metrics. Unknown IDs yield a
// zero record.
func (l *Ledger) Snapshot(id string) types.InstanceMetrics {
	s := l.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}
