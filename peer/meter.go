package peer

import (
	"sync"
	"time"
)

// meter is an exponentially weighted rate estimate, ticked once per second
// by the manager's stats loop.
type meter struct {
	mu    sync.Mutex
	total int64
	accum int64
	rate  float64
	last  time.Time
}

func newMeter() *meter {
	return &meter{last: time.Now()}
}

func (m *meter) add(n int) {
	m.mu.Lock()
	m.total += int64(n)
	m.accum += int64(n)
	m.mu.Unlock()
}

// tick folds the bytes seen since the last tick into the EWMA.
func (m *meter) tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dt := now.Sub(m.last).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.accum) / dt
	m.rate = m.rate*0.66 + inst*0.34
	m.accum = 0
	m.last = now
}

func (m *meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

func (m *meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
