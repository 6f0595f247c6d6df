// Package progress renders session progress on the terminal: a rate meter,
// a line renderer for logs and pipes, and an interactive view.
package progress

import (
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	Done      int64
	Total     int64
	Rate      float64 // units per second, smoothed
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks progress in arbitrary units (chunks for a sync session) and
// computes a smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	started   bool
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rate      float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter with a total.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rate = 0
	m.started = true
}

// Observe records absolute progress as reported by the session. A total that
// changes (the receiver learns it late, or a reconnect offers fewer files) is
// taken as is; going backwards restarts the rate estimate.
func (m *Meter) Observe(done, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.started {
		m.started = true
		m.startedAt = now
		m.lastAt = now
	}
	m.total = total
	if done < m.lastDone {
		m.done = done
		m.lastDone = done
		m.lastAt = now
		m.rate = 0
		return
	}
	m.done = done
	m.sample(now)
}

// Add increments the completed count.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += int64(n)
	m.sample(m.now())
}

func (m *Meter) sample(now time.Time) {
	delta := m.done - m.lastDone
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 || delta == 0 && elapsed < 1 {
		return
	}
	inst := float64(delta) / elapsed
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = m.alpha*inst + (1-m.alpha)*m.rate
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Done:      m.done,
		Total:     m.total,
		Rate:      m.rate,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
		if stats.Percent > 100 {
			stats.Percent = 100
		}
	}
	if m.rate > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rate * float64(time.Second))
	}
	return stats
}
