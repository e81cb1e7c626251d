// Package scheduler fires persisted jobs at their scheduled times and
// delivers results. One master timer drives all jobs; per-job state
// lives in a JSON store written with atomic replace.
package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Session targets.
const (
	TargetMain     = "main"
	TargetIsolated = "isolated"
)

// Delivery modes.
const (
	DeliverNone     = "none"
	DeliverAnnounce = "announce"
	DeliverWebhook  = "webhook"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// staggerWindow spreads top-of-hour cron jobs over five minutes.
const staggerWindow = 5 * time.Minute

// Schedule is the tagged schedule variant.
type Schedule struct {
	Kind string `json:"kind"`

	// At is the one-shot fire time (RFC3339). Kind "at".
	At string `json:"at,omitempty"`

	// EveryMs/AnchorMs define a periodic schedule. Kind "every".
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// Expr is a 5- or 6-field cron expression in TZ. Kind "cron".
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`

	// StaggerMs offsets cron fires. Nil means "default": top-of-hour
	// expressions get a deterministic offset so they do not all fire
	// together; an explicit 0 means exact.
	StaggerMs *int64 `json:"staggerMs,omitempty"`
}

// Payload is what a fire executes.
type Payload struct {
	Kind string `json:"kind"` // "systemEvent" | "agentTurn"

	// Text is the system event text. Kind "systemEvent".
	Text string `json:"text,omitempty"`

	// Message is the agent prompt. Kind "agentTurn".
	Message string `json:"message,omitempty"`

	// TimeoutSeconds bounds an agent turn; explicit 0 means no timeout.
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty"`

	AllowUnsafeExternalContent bool `json:"allowUnsafeExternalContent,omitempty"`
}

// Delivery routes a job's result.
type Delivery struct {
	Mode       string `json:"mode"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// JobState is the mutable per-job run state.
type JobState struct {
	NextRunAtMs     int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs     int64  `json:"lastRunAtMs,omitempty"`
	LastDurationMs  int64  `json:"lastDurationMs,omitempty"`
	LastStatus      string `json:"lastStatus,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	CooldownUntilMs int64  `json:"cooldownUntilMs,omitempty"`
}

// Job is one persisted scheduled job.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Enabled nil means enabled; persisted state without the field
	// keeps firing.
	Enabled *bool `json:"enabled,omitempty"`

	DeleteAfterRun bool  `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64 `json:"createdAtMs"`
	UpdatedAtMs    int64 `json:"updatedAtMs"`

	Schedule      Schedule  `json:"schedule"`
	SessionTarget string    `json:"sessionTarget"`
	WakeMode      string    `json:"wakeMode"` // "now" | "next-heartbeat"
	Payload       Payload   `json:"payload"`
	Delivery      *Delivery `json:"delivery,omitempty"`
	State         JobState  `json:"state,omitempty"`
}

// IsEnabled treats a missing enabled field as enabled.
func (j *Job) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// terminal reports a one-shot job that already reached a final status
// and must not re-fire on restart.
func (j *Job) terminal() bool {
	if j.Schedule.Kind != ScheduleAt {
		return false
	}
	switch j.State.LastStatus {
	case StatusOK, StatusError, StatusSkipped:
		return true
	}
	return false
}

// cronParser accepts both 5-field (minute) and 6-field (second)
// expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun computes the next fire strictly after from.
func (s Schedule) NextRun(jobID string, from time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: bad at time %q: %w", s.At, err)
		}
		if at.After(from) {
			return at, nil
		}
		return time.Time{}, nil // past one-shot; caller decides

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: everyMs must be positive")
		}
		anchor := s.AnchorMs
		if anchor == 0 {
			anchor = from.UnixMilli()
		}
		elapsed := from.UnixMilli() - anchor
		periods := elapsed/s.EveryMs + 1
		if elapsed < 0 {
			periods = 0
		}
		return time.UnixMilli(anchor + periods*s.EveryMs), nil

	case ScheduleCron:
		loc := time.UTC
		if s.TZ != "" {
			l, err := time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("scheduler: bad tz %q: %w", s.TZ, err)
			}
			loc = l
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: bad cron expr %q: %w", s.Expr, err)
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			// Some expressions cannot resolve from this exact instant;
			// retry one second later.
			next = sched.Next(from.In(loc).Add(time.Second))
		}
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("scheduler: cron expr %q yields no next run", s.Expr)
		}
		return next.Add(s.stagger(jobID)), nil

	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}

// stagger resolves the effective cron offset: explicit StaggerMs wins
// (0 = exact), otherwise top-of-hour expressions get a deterministic
// offset inside the five-minute window derived from the job id.
func (s Schedule) stagger(jobID string) time.Duration {
	if s.StaggerMs != nil {
		return time.Duration(*s.StaggerMs) * time.Millisecond
	}
	if !isTopOfHour(s.Expr) {
		return 0
	}
	return stableStagger(jobID)
}

// stableStagger maps a job id into [0, staggerWindow).
func stableStagger(jobID string) time.Duration {
	sum := sha256.Sum256([]byte(jobID))
	n := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(n%uint64(staggerWindow.Milliseconds())) * time.Millisecond
}

// isTopOfHour reports whether the minute field pins the expression to a
// fixed minute with no second-granularity component.
func isTopOfHour(expr string) bool {
	fields := strings.Fields(expr)
	minute := ""
	switch len(fields) {
	case 5:
		minute = fields[0]
	case 6:
		// Second-granularity jobs never stagger: the second field pins
		// the fire precisely.
		if fields[0] != "0" && fields[0] != "*" {
			return false
		}
		minute = fields[1]
	default:
		return false
	}
	_, err := strconv.Atoi(minute)
	return err == nil
}
