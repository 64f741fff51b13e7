package call

import (
	"sync"
	"time"
)

// timer is the one debounce/backoff primitive in the engine: arm replaces
// any pending fire, cancel invalidates it, and the armed function always
// runs on the session loop. A fire that lost the race with Cancel is
// discarded by the generation check.
type timer struct {
	s *CallSession

	mu   sync.Mutex
	t    *time.Timer
	gen  uint64
	live bool
}

func (s *CallSession) newTimer() *timer {
	return &timer{s: s}
}

// Arm schedules fn after d, replacing any pending schedule.
func (tm *timer) Arm(d time.Duration, fn task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.gen++
	gen := tm.gen
	tm.live = true
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		fire := tm.gen == gen
		if fire {
			tm.live = false
		}
		tm.mu.Unlock()
		if fire {
			tm.s.post(fn)
		}
	})
}

// Cancel invalidates any pending fire.
func (tm *timer) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.gen++
	tm.live = false
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}

// Armed reports whether a fire is still pending.
func (tm *timer) Armed() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.live
}
