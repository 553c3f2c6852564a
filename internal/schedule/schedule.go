// Package schedule evaluates server maintenance schedules. Two syntaxes are
// accepted: a standard 5-field cron expression, or a daily clock time such
// as "05:30" or "5:30 AM". Evaluation is pure: callers pass the last run
// time and now, and get back whether a new occurrence is due along with the
// occurrence itself. Advancing lastRun to the returned occurrence (rather
// than to now) collapses multiple missed windows into a single trigger.
package schedule

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// dailyLayouts cover HH:mm, H:mm, hh:mm tt and h:mm tt forms.
var dailyLayouts = []string{"15:04", "03:04 PM", "3:04 PM"}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Result reports one evaluation. Occurrence is meaningful only when Due.
type Result struct {
	Due        bool
	Occurrence time.Time
}

// Validate reports whether expr parses as either supported syntax.
// An empty expression is valid (it simply never fires).
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err == nil {
		return nil
	}
	if _, ok := parseDaily(expr); ok {
		return nil
	}
	return fmt.Errorf("schedule %q is neither a cron expression nor a daily time", expr)
}

// IsDue evaluates expr against (lastRun, now). An unparseable non-empty
// expression logs a warning and reports not due; it never fails.
func IsDue(expr string, lastRun, now time.Time) Result {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Result{}
	}
	if sched, err := cronParser.Parse(expr); err == nil {
		return cronDue(sched, lastRun, now)
	}
	if tod, ok := parseDaily(expr); ok {
		return dailyDue(tod, lastRun, now)
	}
	slog.Warn("unrecognized schedule expression", "schedule", expr)
	return Result{}
}

// cronDue finds the most recent cron occurrence at or before now. Walking
// Next forward from lastRun costs one iteration per missed occurrence,
// which for a minutely expression and a months-stale lastRun is enormous;
// instead the search window grows backward from now, doubling until it
// contains an occurrence or reaches lastRun. The latest occurrence in any
// window is the latest overall, so the collapse semantics are unchanged.
// A zero lastRun has no meaningful anchor, so the window bottoms out one
// minute before now; that also guards the -1s adjustment against the zero
// time.
func cronDue(sched cron.Schedule, lastRun, now time.Time) Result {
	floor := lastRun.Add(-time.Second)
	if neverRan(lastRun) {
		floor = now.Add(-time.Minute)
	}
	start := now.Add(-time.Minute)
	if start.Before(floor) {
		start = floor
	}
	for {
		if occ, ok := latestWithin(sched, start, now); ok {
			if lastRun.Before(occ) {
				return Result{Due: true, Occurrence: occ}
			}
			return Result{}
		}
		if !start.After(floor) {
			return Result{}
		}
		start = now.Add(-2 * now.Sub(start))
		if start.Before(floor) {
			start = floor
		}
	}
}

// latestWithin returns the last occurrence in (start, end], if any.
func latestWithin(sched cron.Schedule, start, end time.Time) (time.Time, bool) {
	var occ time.Time
	found := false
	for next := sched.Next(start); !next.IsZero() && !next.After(end); next = sched.Next(next) {
		occ, found = next, true
	}
	return occ, found
}

// dailyDue computes today's occurrence of the clock time in now's location,
// falling back to yesterday's when now precedes it.
func dailyDue(tod time.Duration, lastRun, now time.Time) Result {
	y, m, d := now.Date()
	occ := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(tod)
	if now.Before(occ) {
		occ = occ.AddDate(0, 0, -1)
	}
	if lastRun.Before(occ) && !occ.After(now) {
		return Result{Due: true, Occurrence: occ}
	}
	return Result{}
}

// neverRan reports whether lastRun is a "never run" sentinel. Both the zero
// time and the unix epoch appear in persisted state from older versions.
func neverRan(lastRun time.Time) bool {
	return lastRun.IsZero() || lastRun.Unix() <= 0
}

// parseDaily parses a daily clock time and returns the offset from midnight.
func parseDaily(expr string) (time.Duration, bool) {
	up := strings.ToUpper(strings.TrimSpace(expr))
	for _, layout := range dailyLayouts {
		t, err := time.Parse(layout, up)
		if err != nil {
			continue
		}
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
	}
	return 0, false
}
