package scheduler

import (
	"sync"
	"time"
)

// Stats are the process-lifetime polling counters. They are owned by the
// scheduler and read by status surfaces.
type Stats struct {
	mu sync.Mutex
	s  Snapshot
}

type Snapshot struct {
	StartedAt          time.Time
	TotalChecks        int64
	SuccessfulChecks   int64
	FailedChecks       int64
	AppointmentsFound  int64
	ConsecutiveFailure int
	LastCheck          time.Time
	LastSuccess        time.Time
	BookingsStarted    int64
	BookingsCompleted  int64
	BookingsFailed     int64
}

// SuccessRate is successful/total checks in percent.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalChecks == 0 {
		return 0
	}
	return float64(s.SuccessfulChecks) / float64(s.TotalChecks) * 100
}

func (s Snapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

func NewStats(now time.Time) *Stats {
	return &Stats{s: Snapshot{StartedAt: now}}
}

func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

func (st *Stats) cycleStarted(now time.Time) {
	st.mu.Lock()
	st.s.TotalChecks++
	st.s.LastCheck = now
	st.mu.Unlock()
	checksTotal.Inc()
	lastCheckTime.Set(float64(now.Unix()))
}

func (st *Stats) checkSucceeded(now time.Time, found bool) {
	st.mu.Lock()
	st.s.SuccessfulChecks++
	st.s.LastSuccess = now
	st.s.ConsecutiveFailure = 0
	if found {
		st.s.AppointmentsFound++
	}
	st.mu.Unlock()
	checksSucceeded.Inc()
	consecutiveFailures.Set(0)
	if found {
		appointmentsFound.Inc()
	}
}

// checkFailed records a failure and returns the consecutive failure count.
func (st *Stats) checkFailed() int {
	st.mu.Lock()
	st.s.FailedChecks++
	st.s.ConsecutiveFailure++
	n := st.s.ConsecutiveFailure
	st.mu.Unlock()
	checksFailed.Inc()
	consecutiveFailures.Set(float64(n))
	return n
}

func (st *Stats) BookingStarted() {
	st.mu.Lock()
	st.s.BookingsStarted++
	st.mu.Unlock()
	bookings.WithLabelValues("started").Inc()
}

func (st *Stats) BookingCompleted(ok bool) {
	st.mu.Lock()
	if ok {
		st.s.BookingsCompleted++
	} else {
		st.s.BookingsFailed++
	}
	st.mu.Unlock()
	if ok {
		bookings.WithLabelValues("completed").Inc()
	} else {
		bookings.WithLabelValues("failed").Inc()
	}
}
