package pmem

import (
	"time"
)

// Monitor tracks one register; bits set in Mask are ignored when looking
// for changes.
type Monitor struct {
	M        Region
	Off      int64
	Mask     uint32
	OldVal   uint32
	OldValid bool
}

type Change struct {
	Time time.Duration
	Old  uint32
	New  uint32
	Mon  *Monitor
}

// Poll samples the register. The first sample only records a reference
// value and never reports a change.
func (m *Monitor) Poll() (old, val uint32, changed bool) {
	val = m.M.Read32(m.Off)
	old = m.OldVal
	changed = m.OldValid && val&^m.Mask != old&^m.Mask
	m.OldVal, m.OldValid = val, true
	return
}

// Watch polls mons every interval and calls fn on each change until stop
// is closed.
func Watch(mons []*Monitor, interval time.Duration, stop <-chan struct{}, fn func(Change)) {
	start := time.Now()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		for _, m := range mons {
			if old, val, changed := m.Poll(); changed {
				fn(Change{Time: time.Since(start), Old: old, New: val, Mon: m})
			}
		}
		select {
		case <-stop:
			return
		case <-tick.C:
		}
	}
}
