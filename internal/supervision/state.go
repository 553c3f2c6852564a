package supervision

import (
	"sync"
	"sync/atomic"
	"time"
)

// state is the per-server supervision state machine's storage. The two
// atomics are the only cross-goroutine guards: busy single-flights
// mutating operations (update/backup and their process manipulation),
// checking marks an update check in flight so a second one cannot start
// while liveness continues. Neither is a lock; a tick that loses the CAS
// records intent and returns. Never persisted.
type state struct {
	busy     atomic.Bool
	checking atomic.Bool

	mu                 sync.Mutex
	pendingUpdate      bool
	pendingUpdateForce bool
	pendingBackup      bool
	updateOcc          time.Time
	backupOcc          time.Time

	// In-memory attempt markers keep a failed occurrence from re-firing on
	// every subsequent tick: the persisted timestamps advance only on
	// success, but schedule evaluation uses max(persisted, attempted).
	lastUpdateAttempt time.Time
	lastBackupAttempt time.Time

	startupDone bool
}

// tryAcquireBusy returns true when this caller now owns the single-flight.
func (s *state) tryAcquireBusy() bool { return s.busy.CompareAndSwap(false, true) }

// releaseBusy must run exactly once per successful acquire, on every path.
func (s *state) releaseBusy() { s.busy.Store(false) }

func (s *state) tryAcquireChecking() bool { return s.checking.CompareAndSwap(false, true) }
func (s *state) releaseChecking()         { s.checking.Store(false) }

func (s *state) isBusy() bool     { return s.busy.Load() }
func (s *state) isChecking() bool { return s.checking.Load() }

// markStartupDone reports true the first time only.
func (s *state) markStartupDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startupDone {
		return false
	}
	s.startupDone = true
	return true
}

func (s *state) setPendingUpdate(occ time.Time, force bool) {
	s.mu.Lock()
	s.pendingUpdate = true
	s.pendingUpdateForce = s.pendingUpdateForce || force
	s.updateOcc = occ
	s.mu.Unlock()
}

func (s *state) setPendingBackup(occ time.Time) {
	s.mu.Lock()
	s.pendingBackup = true
	s.backupOcc = occ
	s.mu.Unlock()
}

// takePendingUpdate consumes the pending-update intent, if any.
func (s *state) takePendingUpdate() (occ time.Time, force, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingUpdate {
		return time.Time{}, false, false
	}
	occ, force = s.updateOcc, s.pendingUpdateForce
	s.pendingUpdate, s.pendingUpdateForce = false, false
	return occ, force, true
}

func (s *state) takePendingBackup() (occ time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingBackup {
		return time.Time{}, false
	}
	occ = s.backupOcc
	s.pendingBackup = false
	return occ, true
}

func (s *state) pending() (update, backup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingUpdate, s.pendingBackup
}

func (s *state) markUpdateAttempt(occ time.Time) {
	s.mu.Lock()
	if occ.After(s.lastUpdateAttempt) {
		s.lastUpdateAttempt = occ
	}
	s.mu.Unlock()
}

func (s *state) markBackupAttempt(occ time.Time) {
	s.mu.Lock()
	if occ.After(s.lastBackupAttempt) {
		s.lastBackupAttempt = occ
	}
	s.mu.Unlock()
}

func (s *state) updateAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdateAttempt
}

func (s *state) backupAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBackupAttempt
}

// laterOf picks the effective lastRun for schedule evaluation.
func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
