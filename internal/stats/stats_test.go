package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshStatsAreNeutral(t *testing.T) {
	s := New("u0")
	assert.False(t, s.IsHealthy())
	assert.Equal(t, 0.0, s.HealthScore())
}

func TestRespOKMakesHealthyAndRaisesUpScore(t *testing.T) {
	s := New("u0")
	t0 := time.Now()

	s.HandleRespOK(t0, 0, 50*time.Millisecond)
	require.True(t, s.IsHealthy())
	assert.Greater(t, s.HealthScore(), 0.0)
	assert.InDelta(t, 50.0, s.LatencyEMAMillis(), 0.5)

	first := s.HealthScore()
	s.HandleRespOK(t0.Add(time.Second), 0, 50*time.Millisecond)
	assert.Greater(t, s.HealthScore(), first)
}

func TestRespErrFlipsUnhealthyAndLowersHealthScore(t *testing.T) {
	s := New("u0")
	t0 := time.Now()
	s.HandleRespOK(t0, 0, 10*time.Millisecond)
	require.True(t, s.IsHealthy())

	s.HandleRespErr(t0.Add(time.Second), 0, FailureNoServerResponding)
	assert.False(t, s.IsHealthy())
	assert.Less(t, s.HealthScore(), 0.0)
}

func TestOutOfOrderReportsDoNotFlipHealth(t *testing.T) {
	s := New("u0")
	t0 := time.Now()

	// Newest (by initiation) report first: healthy.
	s.HandleRespOK(t0.Add(2*time.Second), 0, 10*time.Millisecond)
	require.True(t, s.IsHealthy())

	// An older failure delivered after the fact must not flip health.
	s.HandleRespErr(t0, 0, FailureNoServerResponding)
	assert.True(t, s.IsHealthy())
}

func TestClientFaultDoesNotPenaliseHealth(t *testing.T) {
	s := New("u0")
	t0 := time.Now()
	s.HandleRespOK(t0, 0, 10*time.Millisecond)
	scoreBefore := s.HealthScore()

	s.HandleRespErr(t0.Add(time.Second), 0, FailureBadRequestHTTP)
	assert.True(t, s.IsHealthy(), "client fault must not flip health")
	assert.Equal(t, scoreBefore, s.HealthScore(), "client fault must not move up_score")
}

func TestLatencyClampedAtSixtySeconds(t *testing.T) {
	s := New("u0")
	t0 := time.Now()
	s.HandleRespOK(t0, 0, 10*time.Minute)
	assert.InDelta(t, 60_000.0, s.LatencyEMAMillis(), 0.5)
}

func TestHealthRecoveryAfterFailureStreak(t *testing.T) {
	s := New("u0")
	t0 := time.Now()
	for i := 0; i < 10; i++ {
		s.HandleRespErr(t0.Add(time.Duration(i)*time.Second), 0, FailureNoServerResponding)
	}
	require.False(t, s.IsHealthy())
	require.Less(t, s.HealthScore(), 0.0)
	downPeak := -s.HealthScore()

	for i := 10; i < 20; i++ {
		s.HandleRespOK(t0.Add(time.Duration(i)*time.Second), 0, 10*time.Millisecond)
	}
	assert.True(t, s.IsHealthy())
	assert.Greater(t, s.HealthScore(), 0.0)

	// down_score must have decayed from its peak since recovery began.
	s.mu.Lock()
	decayedDown := s.downScore
	s.mu.Unlock()
	assert.Less(t, decayedDown, downPeak)
}

func TestClearResetsToFreshState(t *testing.T) {
	s := New("u0")
	s.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	s.Clear()
	assert.False(t, s.IsHealthy())
	assert.Equal(t, 0.0, s.HealthScore())
	assert.Equal(t, "u0", s.Alias())
}

func TestRateLimitHitDoesNotTouchHealth(t *testing.T) {
	s := New("u0")
	s.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	before := s.HealthScore()
	s.HandleRateLimitHit()
	assert.Equal(t, before, s.HealthScore())
	assert.Equal(t, uint64(1), s.Snapshot().RateLimitHits)
}

func TestHandleSendFailedFormatsHTTPStatus(t *testing.T) {
	s := New("u0")
	s.HandleSendFailed(time.Now(), SendFailureRespHTTPStatus, 500)
	assert.Contains(t, s.ErrorInfo(), "500")
}

func TestHandleLatencyReportRaisesHealthWithoutCountingAsTraffic(t *testing.T) {
	s := New("u0")
	t0 := time.Now()

	s.HandleLatencyReport(t0, 20*time.Millisecond)
	require.True(t, s.IsHealthy())
	assert.Greater(t, s.HealthScore(), 0.0)
	assert.InDelta(t, 20.0, s.LatencyEMAMillis(), 0.5)

	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.SuccessOnFirstAttempt)
	assert.Equal(t, uint64(0), snap.SuccessOnRetry)
}

func TestSnapshotReqFailuresAggregatesRealFailuresOnly(t *testing.T) {
	s := New("u0")
	t0 := time.Now()

	s.HandleRespErr(t0, 0, FailureNoServerResponding)
	s.HandleRespErr(t0.Add(time.Second), 0, FailureRespBuilder)
	s.HandleReqFailedInternal(t0.Add(2*time.Second), FailureNoServerResponding)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.ReqFailures)
	assert.Equal(t, uint64(1), snap.ReqFailureInternal)
}

func TestUpDownScoreBoundedZeroToHundred(t *testing.T) {
	s := New("u0")
	t0 := time.Now()
	for i := 0; i < 200; i++ {
		s.HandleRespOK(t0.Add(time.Duration(i)*time.Second), 0, 10*time.Millisecond)
	}
	s.mu.Lock()
	up := s.upScore
	down := s.downScore
	s.mu.Unlock()
	assert.LessOrEqual(t, up, 100.0)
	assert.GreaterOrEqual(t, up, 0.0)
	assert.LessOrEqual(t, down, 100.0)
	assert.GreaterOrEqual(t, down, 0.0)
}
