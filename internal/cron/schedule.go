package cron

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	// MaxTimerDelay bounds how long the scheduler sleeps between ticks.
	MaxTimerDelay = 60 * time.Second
	// StuckRunThreshold ages out running markers left by crashed runs.
	StuckRunThreshold = 2 * time.Hour
	// CronRefireGap is the minimum spacing between cron-kind fires,
	// defending against same-second spin loops.
	CronRefireGap = 2 * time.Second
	// DefaultJobTimeout bounds agent-turn runs without an explicit
	// timeoutSeconds.
	DefaultJobTimeout = 10 * time.Minute
	// MaxScheduleErrors auto-disables a job after this many consecutive
	// schedule-computation failures.
	MaxScheduleErrors = 3
	// defaultStaggerMs spreads identical daily cron expressions.
	defaultStaggerMs = 60_000
)

// scheduleErrorBackoff spaces retries after failed runs; the last value
// repeats.
var scheduleErrorBackoff = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

func errorBackoff(consecutive int) time.Duration {
	if consecutive <= 0 {
		return 0
	}
	idx := consecutive - 1
	if idx >= len(scheduleErrorBackoff) {
		idx = len(scheduleErrorBackoff) - 1
	}
	return scheduleErrorBackoff[idx]
}

// ComputeNextRun returns the next fire time in unix ms for a job, or 0
// when the schedule yields no further runs (an "at" job already ok).
func ComputeNextRun(j *Job, now time.Time) (int64, error) {
	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.State.LastStatus == StatusOK {
			return 0, nil
		}
		at, err := time.Parse(time.RFC3339, j.Schedule.At)
		if err != nil {
			return 0, fmt.Errorf("schedule.at: %w", err)
		}
		return at.UnixMilli(), nil

	case ScheduleEvery:
		every := j.Schedule.EveryMs
		if every <= 0 {
			return 0, fmt.Errorf("schedule.everyMs must be positive")
		}
		if last := j.State.LastRunAtMs; last > 0 && last+every > now.UnixMilli() {
			return last + every, nil
		}
		anchor := j.Schedule.AnchorMs
		if anchor == 0 {
			anchor = j.CreatedAtMs
		}
		elapsed := now.UnixMilli() - anchor
		if elapsed < 0 {
			return anchor, nil
		}
		steps := elapsed/every + 1
		return anchor + steps*every, nil

	case ScheduleCron:
		ref := now
		if j.Schedule.TZ != "" {
			if loc, err := time.LoadLocation(j.Schedule.TZ); err == nil {
				ref = ref.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(j.Schedule.Expr, ref, false)
		if err != nil {
			return 0, fmt.Errorf("schedule.expr %q: %w", j.Schedule.Expr, err)
		}
		return next.UnixMilli() + staggerOffset(j), nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownScheduleKind, j.Schedule.Kind)
}

// staggerOffset derives the stable per-job offset so identical
// expressions across jobs do not fire in the same instant.
func staggerOffset(j *Job) int64 {
	stagger := j.Schedule.StaggerMs
	if stagger == 0 && isDailyExpr(j.Schedule.Expr) {
		stagger = defaultStaggerMs
	}
	if stagger <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(j.ID))
	return int64(h.Sum32()) % stagger
}

// isDailyExpr detects expressions that fire at most once per day (fixed
// minute and hour fields).
func isDailyExpr(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) < 5 {
		return false
	}
	return !strings.ContainsAny(fields[0], "*/,-") && !strings.ContainsAny(fields[1], "*/,-")
}
