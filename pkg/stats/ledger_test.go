package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelmux/modelmux/pkg/types"
)

func TestLedger_SuccessAccounting(t *testing.T) {
	l := NewLedger()

	l.BeginRequest("a")
	m := l.Snapshot("a")
	assert.Equal(t, int64(1), m.ActiveRequests)

	l.ReportSuccess("a", 50)
	m = l.Snapshot("a")
	assert.Equal(t, int64(0), m.ActiveRequests)
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(0), m.ErrorCount)
	assert.Equal(t, 50.0, m.AvgResponseTimeMs)
	assert.Equal(t, 50.0, m.LastResponseTimeMs)
}

func TestLedger_EWMA(t *testing.T) {
	l := NewLedger()

	// First sample seeds the average, later ones fold in at alpha=0.2.
	l.BeginRequest("a")
	l.ReportSuccess("a", 200)
	l.BeginRequest("a")
	l.ReportSuccess("a", 150)

	m := l.Snapshot("a")
	assert.InDelta(t, 0.8*200+0.2*150, m.AvgResponseTimeMs, 1e-9)
	assert.Equal(t, 190.0, m.AvgResponseTimeMs)
}

func TestLedger_FailureAccounting(t *testing.T) {
	l := NewLedger()

	for i := 0; i < 3; i++ {
		l.BeginRequest("a")
		l.ReportFailure("a", types.ErrKindDownstream)
	}

	m := l.Snapshot("a")
	assert.Equal(t, int64(0), m.ActiveRequests)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(3), m.ErrorCount)
	assert.Equal(t, 3, m.ConsecutiveErrors)
	assert.Equal(t, string(types.ErrKindDownstream), m.LastErrorCode)
	assert.False(t, m.LastErrorAt.IsZero())
}

func TestLedger_SuccessResetsConsecutiveErrors(t *testing.T) {
	l := NewLedger()

	l.BeginRequest("a")
	l.ReportFailure("a", types.ErrKindDownstream)
	l.BeginRequest("a")
	l.ReportFailure("a", types.ErrKindTimeout)
	l.BeginRequest("a")
	l.ReportSuccess("a", 10)

	m := l.Snapshot("a")
	assert.Equal(t, 0, m.ConsecutiveErrors)
	assert.Equal(t, int64(2), m.ErrorCount)
	assert.Equal(t, int64(1), m.SuccessCount)
}

func TestLedger_CancelOnlyMovesActiveCount(t *testing.T) {
	l := NewLedger()

	l.BeginRequest("a")
	l.Cancel("a")

	m := l.Snapshot("a")
	assert.Equal(t, int64(0), m.ActiveRequests)
	assert.Equal(t, int64(0), m.TotalRequests)
	assert.Equal(t, int64(0), m.ErrorCount)
	assert.Equal(t, int64(0), m.SuccessCount)
}

// Any interleaving of matched begin/report pairs ends with zero in flight and
// never drives the active count negative.
func TestLedger_ConcurrentConservation(t *testing.T) {
	l := NewLedger()

	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				l.BeginRequest("shared")
				if i%3 == 0 {
					l.ReportFailure("shared", types.ErrKindTransient)
				} else {
					l.ReportSuccess("shared", float64(i%100))
				}
			}
		}(w)
	}
	wg.Wait()

	m := l.Snapshot("shared")
	assert.Equal(t, int64(0), m.ActiveRequests)
	assert.Equal(t, int64(workers*perWorker), m.TotalRequests)
	assert.Equal(t, m.TotalRequests, m.SuccessCount+m.ErrorCount)
	assert.GreaterOrEqual(t, m.AvgResponseTimeMs, 0.0)
}

func TestLedger_MonotoneCounters(t *testing.T) {
	l := NewLedger()

	var lastTotal, lastSuccess, lastError int64
	for i := 0; i < 50; i++ {
		l.BeginRequest("a")
		if i%2 == 0 {
			l.ReportSuccess("a", 10)
		} else {
			l.ReportFailure("a", types.ErrKindDownstream)
		}
		m := l.Snapshot("a")
		assert.GreaterOrEqual(t, m.TotalRequests, lastTotal)
		assert.GreaterOrEqual(t, m.SuccessCount, lastSuccess)
		assert.GreaterOrEqual(t, m.ErrorCount, lastError)
		lastTotal, lastSuccess, lastError = m.TotalRequests, m.SuccessCount, m.ErrorCount
	}
}

func TestLedger_Reset(t *testing.T) {
	l := NewLedger()

	l.BeginRequest("a")
	l.ReportFailure("a", types.ErrKindDownstream)
	l.Reset("a")

	assert.Equal(t, types.InstanceMetrics{}, l.Snapshot("a"))
}

func TestLedger_SnapshotUnknownInstance(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, types.InstanceMetrics{}, l.Snapshot("never-seen"))
}
