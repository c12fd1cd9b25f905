// Package debounce coalesces bursts of setpoint edits into a single simulation request.
package debounce

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultQuietPeriod is how long edits must pause before a request is issued.
const DefaultQuietPeriod = 300 * time.Millisecond

// Scheduler arms one Timer per burst of triggers. The fire callback runs once the quiet
// period elapses with no further Trigger, and is expected to read the latest input at that
// moment rather than anything captured when the burst started. fire runs with the
// scheduler locked, so it must not call back into the Scheduler.
type Scheduler struct {
	quiet time.Duration
	fire  func()
	log   logrus.FieldLogger

	timer Timer

	mu      sync.Mutex
	seq     uint64
	fired   uint64
	stopped bool
}

func NewScheduler(quiet time.Duration, fire func(), log logrus.FieldLogger) *Scheduler {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		quiet: quiet,
		fire:  fire,
		log:   log.WithField("component", "debounce"),
	}
}

func (s *Scheduler) QuietPeriod() time.Duration {
	return s.quiet
}

// Trigger cancels the scheduled call, if any, and schedules a new one. It is a no-op after
// Stop.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.seq++
	seq := s.seq
	s.timer.Arm(s.quiet, func() { s.onFire(seq) })
}

// Pending reports whether a call is scheduled and has not fired yet.
func (s *Scheduler) Pending() bool {
	return s.timer.Armed()
}

// Fired returns how many times the callback has run.
func (s *Scheduler) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Stop tears the scheduler down. A scheduled call never fires after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer.Cancel() {
		s.log.Debug("scheduled simulation dropped on teardown")
	}
}

func (s *Scheduler) onFire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A Trigger that slipped in between expiry and this lock owns the next fire.
	if s.stopped || seq != s.seq {
		return
	}
	s.fired++
	s.fire()
}
