package supervision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gsward/internal/history"
	"github.com/loykin/gsward/internal/metrics"
	"github.com/loykin/gsward/internal/notify"
	"github.com/loykin/gsward/internal/schedule"
	"github.com/loykin/gsward/internal/store"
	"github.com/loykin/gsward/internal/updater"
)

// Capability interfaces the loop consumes. Concrete implementations live in
// procwatch, backup, updater and store; tests substitute fakes.

type ProcessControl interface {
	IsRunning(name string) bool
	Stop(name string, wait time.Duration) bool
	Kill(name string)
	Start(name, executable string, args []string, workDir string) error
}

type Archiver interface {
	Backup(ctx context.Context, srcPath, destPath, prefix string, keep int) (string, error)
}

type Updater interface {
	Check(ctx context.Context, sourceID, knownBuild string) (*updater.Result, error)
	ForceCheck(ctx context.Context, sourceID, knownBuild string) *updater.Result
	Install(ctx context.Context, installDir, sourceID string) error
}

type StateStore interface {
	Load(name string) store.ServerState
	SaveField(name, field string, value any) error
}

// Deps are the loop's collaborators. Procs, Backups, Updates and Store are
// required; Notifier and History default to no-ops when nil.
type Deps struct {
	Procs    ProcessControl
	Backups  Archiver
	Updates  Updater
	Store    StateStore
	Notifier notify.Notifier
	History  history.Sink
}

// Options tune timing. Zero values take the production defaults.
type Options struct {
	TickInterval time.Duration // default 30s
	SettleWait   time.Duration // wait after restarting a process, default 30s
	StopWait     time.Duration // graceful-stop window, default 30s
	Now          func() time.Time
}

const (
	defaultTickInterval = 30 * time.Second
	defaultSettleWait   = 30 * time.Second
	defaultStopWait     = 30 * time.Second
)

// Loop is the per-server supervision state machine. One Loop owns one
// server; loops for different servers run independently.
type Loop struct {
	srv ManagedServer
	d   Deps
	opt Options
	st  state
	wg  sync.WaitGroup
}

// NewLoop panics on a missing required dependency: wiring bugs must surface
// at construction, never inside a tick.
func NewLoop(srv ManagedServer, d Deps, opt Options) *Loop {
	if d.Procs == nil || d.Backups == nil || d.Updates == nil || d.Store == nil {
		panic("supervision: nil required dependency")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Multi(nil)
	}
	if d.History == nil {
		d.History = history.NewMulti()
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = defaultTickInterval
	}
	if opt.SettleWait <= 0 {
		opt.SettleWait = defaultSettleWait
	}
	if opt.StopWait <= 0 {
		opt.StopWait = defaultStopWait
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Loop{srv: srv, d: d, opt: opt}
}

func (l *Loop) Server() ManagedServer { return l.srv }

// Run drives ticks until ctx is cancelled, then waits for in-flight
// operations to finish or abandon (their exec children die with the ctx).
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.opt.TickInterval)
	defer t.Stop()
	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.sendHistory(history.EventSupervisorStop, "", "supervision stopped")
			return
		case <-t.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one supervision evaluation. It never blocks on long
// operations: update and backup work runs in a spawned goroutine guarded
// by the busy/checking atomics, so ticks stay responsive and a crashed
// tick never stops future ticks.
func (l *Loop) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("supervision tick panicked", "server", l.srv.Name, "panic", r)
		}
	}()
	metrics.IncTick(l.srv.Name)
	now := l.opt.Now()

	if l.st.markStartupDone() {
		if l.startupCatchup(ctx, now) {
			return
		}
	}

	// Busy: no liveness, no new operations; remember due schedules.
	if l.st.isBusy() {
		l.noteDueWhileOccupied(now, true)
		return
	}
	// Checking: the in-flight check owns the update path; backup may not
	// start either, but liveness proceeds.
	if l.st.isChecking() {
		l.noteDueWhileOccupied(now, false)
		l.checkLiveness(ctx)
		return
	}

	// Idle: pending intents first, then fresh schedule evaluation. Update
	// wins over backup; the update cycle re-evaluates backup afterwards so
	// a shared schedule cannot starve backups.
	upOcc, upForce, upPending := l.st.takePendingUpdate()
	if !upPending {
		if r := l.updateDue(now); r.Due {
			upOcc, upPending = r.Occurrence, true
		}
	}
	bkOcc, bkPending := l.st.takePendingBackup()
	if !bkPending {
		if r := l.backupDue(now); r.Due {
			bkOcc, bkPending = r.Occurrence, true
		}
	}

	if upPending {
		if bkPending {
			l.st.setPendingBackup(bkOcc)
		}
		l.spawn(func() { l.updateCycle(ctx, upOcc, upForce) })
		return
	}
	if bkPending {
		l.spawn(func() { l.backupCycle(ctx, bkOcc) })
		return
	}
	l.checkLiveness(ctx)
}

// TriggerUpdate requests a forced update cycle on the next tick, routed
// through the same single-flight path as scheduled updates.
func (l *Loop) TriggerUpdate() { l.st.setPendingUpdate(l.opt.Now(), true) }

// TriggerBackup requests a backup on the next tick.
func (l *Loop) TriggerBackup() { l.st.setPendingBackup(l.opt.Now()) }

// UpdateNow runs a forced update cycle synchronously (CLI one-shot path).
func (l *Loop) UpdateNow(ctx context.Context) { l.updateCycle(ctx, l.opt.Now(), true) }

// BackupNow runs a backup synchronously (CLI one-shot path).
func (l *Loop) BackupNow(ctx context.Context) { l.backupCycle(ctx, l.opt.Now()) }

// Snapshot is a read-only copy of the server's supervision state for
// status surfaces; no mutable reference escapes the loop.
type Snapshot struct {
	Name          string    `json:"name"`
	ProcessName   string    `json:"process_name"`
	Running       bool      `json:"running"`
	Busy          bool      `json:"busy"`
	Checking      bool      `json:"checking"`
	PendingUpdate bool      `json:"pending_update"`
	PendingBackup bool      `json:"pending_backup"`
	LastUpdate    time.Time `json:"last_update,omitzero"`
	LastBackup    time.Time `json:"last_backup,omitzero"`
	LastCheck     time.Time `json:"last_check,omitzero"`
	BuildID       string    `json:"build_id,omitempty"`
}

func (l *Loop) Snapshot() Snapshot {
	st := l.d.Store.Load(l.srv.Name)
	pu, pb := l.st.pending()
	return Snapshot{
		Name:          l.srv.Name,
		ProcessName:   l.srv.ProcessName,
		Running:       l.d.Procs.IsRunning(l.srv.ProcessName),
		Busy:          l.st.isBusy(),
		Checking:      l.st.isChecking(),
		PendingUpdate: pu,
		PendingBackup: pb,
		LastUpdate:    st.LastUpdate,
		LastBackup:    st.LastBackup,
		LastCheck:     st.LastCheck,
		BuildID:       st.BuildID,
	}
}

// --- tick helpers ---

func (l *Loop) spawn(f func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("supervision operation panicked", "server", l.srv.Name, "panic", r)
			}
		}()
		f()
	}()
}

// startupCatchup runs a missed backup and update once at process start so
// a freshly started supervisor does not wait a full schedule cycle.
// Returns true when it spawned catch-up work (that tick does nothing else).
func (l *Loop) startupCatchup(ctx context.Context, now time.Time) bool {
	st := l.d.Store.Load(l.srv.Name)
	needBackup := l.srv.AutoBackup && st.LastBackup.IsZero()
	needUpdate := l.srv.AutoUpdate && st.LastUpdate.IsZero()
	if !needBackup && !needUpdate {
		return false
	}
	slog.Info("startup catch-up", "server", l.srv.Name, "backup", needBackup, "update", needUpdate)
	l.spawn(func() {
		if needBackup {
			l.backupCycle(ctx, now)
		}
		if needUpdate {
			l.updateCycle(ctx, now, false)
		}
	})
	return true
}

// noteDueWhileOccupied records due schedules as pending intents while an
// operation or check is in flight. includeUpdate is false while checking:
// the in-flight check already owns the update path.
func (l *Loop) noteDueWhileOccupied(now time.Time, includeUpdate bool) {
	if includeUpdate {
		if r := l.updateDue(now); r.Due {
			l.st.setPendingUpdate(r.Occurrence, false)
		}
	}
	if r := l.backupDue(now); r.Due {
		l.st.setPendingBackup(r.Occurrence)
	}
}

func (l *Loop) updateDue(now time.Time) schedule.Result {
	if !l.srv.AutoUpdate {
		return schedule.Result{}
	}
	st := l.d.Store.Load(l.srv.Name)
	return schedule.IsDue(l.srv.UpdateSchedule, laterOf(st.LastUpdate, l.st.updateAttempt()), now)
}

func (l *Loop) backupDue(now time.Time) schedule.Result {
	if !l.srv.AutoBackup {
		return schedule.Result{}
	}
	st := l.d.Store.Load(l.srv.Name)
	return schedule.IsDue(l.srv.BackupSchedule, laterOf(st.LastBackup, l.st.backupAttempt()), now)
}

// checkLiveness restarts an absent process. Never runs while busy: the
// busy flag is checked by every caller, and update/backup process
// manipulation happens only under that same flag.
func (l *Loop) checkLiveness(ctx context.Context) {
	if !l.srv.AutoRestart || l.st.isBusy() {
		return
	}
	if l.d.Procs.IsRunning(l.srv.ProcessName) {
		return
	}
	slog.Warn("process not running, restarting", "server", l.srv.Name, "process", l.srv.ProcessName)
	if err := l.startProcess("liveness"); err == nil {
		l.sendHistory(history.EventLivenessStart, "", "restarted absent process")
	} else {
		l.reportFailure(ctx, "liveness restart failed",
			fmt.Sprintf("server %s: %v", l.srv.Name, err))
	}
}

// --- update path ---

// updateCycle is the full update protocol: rate-limited oracle check under
// the checking flag, then, when an update is available, the install
// protocol under the busy single-flight. Afterwards it re-evaluates the
// backup schedule in the same logical cycle.
func (l *Loop) updateCycle(ctx context.Context, occ time.Time, force bool) {
	res := l.checkPhase(ctx, occ, force)
	if res != nil && res.Success && res.UpdateAvailable {
		l.installPhase(ctx, occ, res)
	}
	// Same logical cycle: a backup sharing the update's schedule must not
	// starve behind it. A pending occurrence already covered by the
	// pre-update backup is dropped, not re-run.
	if bkOcc, ok := l.st.takePendingBackup(); ok {
		st := l.d.Store.Load(l.srv.Name)
		if bkOcc.After(laterOf(st.LastBackup, l.st.backupAttempt())) {
			l.backupCycle(ctx, bkOcc)
		}
	} else if r := l.backupDue(l.opt.Now()); r.Due {
		l.backupCycle(ctx, r.Occurrence)
	}
}

func (l *Loop) checkPhase(ctx context.Context, occ time.Time, force bool) *updater.Result {
	if !l.st.tryAcquireChecking() {
		l.st.setPendingUpdate(occ, force)
		return nil
	}
	defer l.st.releaseChecking()

	st := l.d.Store.Load(l.srv.Name)
	var res *updater.Result
	if force {
		res = l.d.Updates.ForceCheck(ctx, l.srv.UpdateSourceID, st.BuildID)
	} else {
		res, _ = l.d.Updates.Check(ctx, l.srv.UpdateSourceID, st.BuildID)
	}
	if res == nil {
		// Rate-limited; leave schedule state untouched so a later tick
		// retries once the limiter allows.
		slog.Debug("update check rate-limited", "server", l.srv.Name)
		return nil
	}
	if !res.Success {
		l.st.markUpdateAttempt(occ)
		metrics.IncUpdate(l.srv.Name, false)
		l.sendHistory(history.EventUpdateFailure, "", res.Err)
		l.reportFailure(ctx, "update check failed", fmt.Sprintf("server %s: %s", l.srv.Name, res.Err))
		return res
	}
	l.saveField(store.FieldLastCheck, l.opt.Now())
	if !res.UpdateAvailable {
		l.st.markUpdateAttempt(occ)
		slog.Info("no update available", "server", l.srv.Name, "build", res.NewBuild)
	}
	return res
}

func (l *Loop) installPhase(ctx context.Context, occ time.Time, res *updater.Result) {
	if !l.st.tryAcquireBusy() {
		// Re-queue forced: the check already proved an update exists.
		l.st.setPendingUpdate(occ, true)
		return
	}
	defer l.st.releaseBusy()
	metrics.SetBusy(l.srv.Name, true)
	defer metrics.SetBusy(l.srv.Name, false)
	started := time.Now()
	defer func() { metrics.ObserveOperation(l.srv.Name, "update", time.Since(started).Seconds()) }()

	l.st.markUpdateAttempt(occ)
	wasRunning := l.d.Procs.IsRunning(l.srv.ProcessName)
	slog.Info("updating server", "server", l.srv.Name,
		"from", res.PreviousBuild, "to", res.NewBuild, "running", wasRunning)

	// Pre-update backup when a backup policy is paired with updates. A
	// failed pre-update backup aborts the whole update.
	if l.srv.AutoBackup {
		if err := l.archiveOnce(ctx, wasRunning); err != nil {
			metrics.IncUpdate(l.srv.Name, false)
			l.sendHistory(history.EventUpdateFailure, "", "pre-update backup failed: "+err.Error())
			l.reportFailure(ctx, "update aborted",
				fmt.Sprintf("server %s: pre-update backup failed: %v", l.srv.Name, err))
			l.restartIf(wasRunning, "rollback")
			return
		}
	}

	if l.d.Procs.IsRunning(l.srv.ProcessName) {
		if !l.d.Procs.Stop(l.srv.ProcessName, l.opt.StopWait) {
			l.d.Procs.Kill(l.srv.ProcessName)
		}
	}

	if err := l.d.Updates.Install(ctx, l.srv.InstallDir(), l.srv.UpdateSourceID); err != nil {
		// Timestamps and build id keep their pre-call values.
		metrics.IncUpdate(l.srv.Name, false)
		l.sendHistory(history.EventUpdateFailure, "", err.Error())
		l.reportFailure(ctx, "update failed", fmt.Sprintf("server %s: %v", l.srv.Name, err))
		l.restartIf(wasRunning, "rollback")
		return
	}

	l.saveField(store.FieldBuildID, res.NewBuild)
	l.saveField(store.FieldLastUpdate, occ)
	metrics.IncUpdate(l.srv.Name, true)
	l.sendHistory(history.EventUpdateSuccess, res.NewBuild, "updated from "+res.PreviousBuild)
	slog.Info("update complete", "server", l.srv.Name, "build", res.NewBuild)
	l.restartIf(wasRunning, "post_update")
	if wasRunning {
		l.settle(ctx)
	}
}

// --- backup path ---

func (l *Loop) backupCycle(ctx context.Context, occ time.Time) {
	if !l.st.tryAcquireBusy() {
		l.st.setPendingBackup(occ)
		return
	}
	defer l.st.releaseBusy()
	metrics.SetBusy(l.srv.Name, true)
	defer metrics.SetBusy(l.srv.Name, false)
	started := time.Now()
	defer func() { metrics.ObserveOperation(l.srv.Name, "backup", time.Since(started).Seconds()) }()

	l.st.markBackupAttempt(occ)
	wasRunning := l.d.Procs.IsRunning(l.srv.ProcessName)
	stopped := false
	if wasRunning && !l.srv.BackupWithoutShutdown {
		if !l.d.Procs.Stop(l.srv.ProcessName, l.opt.StopWait) {
			l.d.Procs.Kill(l.srv.ProcessName)
		}
		stopped = true
	}

	path, err := l.d.Backups.Backup(ctx, l.srv.BackupSourcePath, l.srv.BackupDestPath,
		l.srv.Name, l.srv.BackupsToKeep)
	if err != nil {
		metrics.IncBackup(l.srv.Name, false)
		l.sendHistory(history.EventBackupFailure, "", err.Error())
		l.reportFailure(ctx, "backup failed", fmt.Sprintf("server %s: %v", l.srv.Name, err))
		l.restartIf(stopped, "rollback")
		if stopped {
			l.settle(ctx)
		}
		return
	}

	l.saveField(store.FieldLastBackup, occ)
	metrics.IncBackup(l.srv.Name, true)
	l.sendHistory(history.EventBackupSuccess, "", path)
	slog.Info("backup complete", "server", l.srv.Name, "archive", path)
	l.restartIf(stopped, "post_backup")
	if stopped {
		l.settle(ctx)
	}
}

// archiveOnce is the pre-update backup: same stop semantics as a scheduled
// backup, but the caller owns the busy flag and process restart.
func (l *Loop) archiveOnce(ctx context.Context, wasRunning bool) error {
	now := l.opt.Now()
	l.st.markBackupAttempt(now)
	if wasRunning && !l.srv.BackupWithoutShutdown {
		if !l.d.Procs.Stop(l.srv.ProcessName, l.opt.StopWait) {
			l.d.Procs.Kill(l.srv.ProcessName)
		}
	}
	path, err := l.d.Backups.Backup(ctx, l.srv.BackupSourcePath, l.srv.BackupDestPath,
		l.srv.Name, l.srv.BackupsToKeep)
	if err != nil {
		metrics.IncBackup(l.srv.Name, false)
		l.sendHistory(history.EventBackupFailure, "", err.Error())
		return err
	}
	l.saveField(store.FieldLastBackup, now)
	metrics.IncBackup(l.srv.Name, true)
	l.sendHistory(history.EventBackupSuccess, "", path)
	return nil
}

// --- shared plumbing ---

func (l *Loop) restartIf(cond bool, reason string) {
	if !cond {
		return
	}
	if err := l.startProcess(reason); err != nil {
		slog.Error("restart failed", "server", l.srv.Name, "reason", reason, "err", err)
	}
}

func (l *Loop) startProcess(reason string) error {
	err := l.d.Procs.Start(l.srv.ProcessName, l.srv.Executable, l.srv.Args, l.srv.WorkDir)
	if err != nil {
		return err
	}
	metrics.IncRestart(l.srv.Name, reason)
	if reason != "liveness" {
		l.sendHistory(history.EventRestart, "", reason)
	}
	return nil
}

// settle absorbs slow server boot after a restart. Fixed wait, not a
// timeout: the point is to always give the server this long.
func (l *Loop) settle(ctx context.Context) {
	select {
	case <-time.After(l.opt.SettleWait):
	case <-ctx.Done():
	}
}

func (l *Loop) saveField(field string, value any) {
	if err := l.d.Store.SaveField(l.srv.Name, field, value); err != nil {
		slog.Error("state save failed", "server", l.srv.Name, "field", field, "err", err)
	}
}

func (l *Loop) sendHistory(t history.EventType, buildID, detail string) {
	e := history.Event{Type: t, Server: l.srv.Name, OccurredAt: time.Now().UTC(), BuildID: buildID, Detail: detail}
	if err := l.d.History.Send(context.Background(), e); err != nil {
		slog.Warn("history send failed", "server", l.srv.Name, "err", err)
	}
}

func (l *Loop) reportFailure(ctx context.Context, subject, message string) {
	if err := l.d.Notifier.Notify(ctx, subject, message); err != nil {
		slog.Warn("notify failed", "server", l.srv.Name, "err", err)
	}
}
