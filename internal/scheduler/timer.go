package scheduler

import (
	"math"
	"runtime/debug"
	"sort"
	"time"

	logx "taskmill/pkg/logx"
)

// Timer delay clamp. The lower bound guarantees a wake even when the
// instant is already past; the upper bound keeps overdue far-future
// arming inside the signed 32-bit millisecond range some timer paths
// are limited to, at the cost of an occasional no-op wake.
const (
	minWakeDelay = time.Millisecond
	maxWakeDelay = time.Duration(math.MaxInt32) * time.Millisecond
)

// armLocked (re)arms the one-shot wake timer to the earliest next-run
// instant among enabled, idle jobs. No candidate disarms the timer.
func (s *Service) armLocked() { s.armAfterLocked(0) }

// armAfterLocked arms the timer for the earliest next-run instant
// strictly after floorMS. Wakes that leave past-due jobs behind a full
// concurrency ceiling pass their deadline as the floor: those jobs wait
// on capacity, not on time, and finishRun re-arms for them.
func (s *Service) armAfterLocked(floorMS int64) {
	if !s.startedLocked() || !s.cfg.Enabled {
		if s.wakeTimer != nil {
			s.wakeTimer.Stop()
		}
		return
	}

	earliest := s.nextWakeLocked(floorMS)
	if earliest == 0 {
		if s.wakeTimer != nil {
			s.wakeTimer.Stop()
		}
		return
	}

	delay := time.Duration(earliest-s.now().UnixMilli()) * time.Millisecond
	if delay < minWakeDelay {
		delay = minWakeDelay
	}
	if delay > maxWakeDelay {
		delay = maxWakeDelay
	}

	if s.wakeTimer == nil {
		s.wakeTimer = time.AfterFunc(delay, s.onWake)
	} else {
		s.wakeTimer.Stop()
		s.wakeTimer.Reset(delay)
	}
	s.log.Debug("wake armed", logx.Duration("in", delay), logx.Time("at", time.UnixMilli(earliest)))
}

func (s *Service) nextWakeLocked(floorMS int64) int64 {
	var earliest int64
	for _, j := range s.state.Jobs {
		if !j.Enabled || j.RunningAtMS != 0 || j.NextRunAtMS == 0 || j.NextRunAtMS <= floorMS {
			continue
		}
		if earliest == 0 || j.NextRunAtMS < earliest {
			earliest = j.NextRunAtMS
		}
	}
	return earliest
}

// onWake fires on the timer goroutine: start every due job up to the
// concurrency ceiling, then re-arm. Leftover due jobs are picked up by
// the re-arm in finishRun when a slot frees.
func (s *Service) onWake() {
	if !s.wakeBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.wakeBusy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in wake handler", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.startedLocked() || !s.cfg.Enabled {
		return
	}

	nowMS := s.now().UnixMilli()
	var due []*Job
	for _, j := range s.state.Jobs {
		if j.Enabled && j.RunningAtMS == 0 && j.NextRunAtMS != 0 && j.NextRunAtMS <= nowMS {
			due = append(due, j)
		}
	}
	// Oldest deadline first so a saturated ceiling starves no job forever.
	sort.Slice(due, func(i, k int) bool { return due[i].NextRunAtMS < due[k].NextRunAtMS })

	capacity := s.cfg.MaxConcurrentRuns - len(s.running)
	started := 0
	for _, j := range due {
		if started >= capacity {
			break
		}
		s.startRunLocked(j)
		started++
	}
	if started > 0 || len(due) > started {
		s.log.Debug("wake", logx.Int("due", len(due)), logx.Int("started", started), logx.Int("running", len(s.running)))
	}
	if len(due) > started {
		s.armAfterLocked(nowMS)
		return
	}
	s.armLocked()
}
