// Package models defines workflow schedules and their run history.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Schedule types.
const (
	TypeOnce     = "once"
	TypeInterval = "interval"
	TypeDaily    = "daily"
	TypeWeekly   = "weekly"
	TypeMonthly  = "monthly"
	TypeCron     = "cron"
)

// Run statuses recorded in history.
const (
	RunSuccess        = "success"
	RunFailed         = "failed"
	RunTimeout        = "timeout"
	RunCanceled       = "canceled"
	RunSkippedOverlap = "skipped_overlap"
)

// Schedule fires a workflow at user-declared times without holding a live
// user session.
type Schedule struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	// SessionID is the owning user session; runs execute under a
	// synthesized scheduler session, never this one.
	SessionID string `json:"session_id" db:"session_id"`
	Type      string `json:"type" db:"type"`

	// Firing spec; which fields apply depends on Type.
	RunAt           *time.Time `json:"run_at,omitempty" db:"run_at"`
	IntervalMinutes int        `json:"interval_minutes,omitempty" db:"interval_minutes"`
	TimeOfDay       string     `json:"time_of_day,omitempty" db:"time_of_day"` // "HH:MM"
	DaysOfWeek      []int      `json:"days_of_week,omitempty" db:"-"`          // 0=Sunday
	DayOfMonth      int        `json:"day_of_month,omitempty" db:"day_of_month"`
	CronExpr        string     `json:"cron_expr,omitempty" db:"cron_expr"`
	Timezone        string     `json:"timezone,omitempty" db:"timezone"`

	Enabled        bool `json:"enabled" db:"enabled"`
	RunCount       int  `json:"run_count" db:"run_count"`
	MaxRuns        int  `json:"max_runs,omitempty" db:"max_runs"`
	TimeoutS       int  `json:"timeout_s,omitempty" db:"timeout_s"`
	RetryOnFailure bool `json:"retry_on_failure" db:"retry_on_failure"`
	MaxRetries     int  `json:"max_retries,omitempty" db:"max_retries"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CronSpec renders the robfig/cron expression for recurring types. The
// timezone rides along as a CRON_TZ prefix.
func (s *Schedule) CronSpec() (string, error) {
	var spec string
	switch s.Type {
	case TypeOnce:
		if s.RunAt == nil {
			return "", fmt.Errorf("once schedule needs run_at")
		}
		// Fires on the matching minute; the scheduler self-disables after
		// the first run.
		at := s.RunAt.UTC()
		return fmt.Sprintf("%d %d %d %d *", at.Minute(), at.Hour(), at.Day(), int(at.Month())), nil
	case TypeInterval:
		if s.IntervalMinutes <= 0 {
			return "", fmt.Errorf("interval schedule needs interval_minutes > 0")
		}
		return fmt.Sprintf("@every %dm", s.IntervalMinutes), nil
	case TypeDaily:
		hh, mm, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", err
		}
		spec = fmt.Sprintf("%d %d * * *", mm, hh)
	case TypeWeekly:
		hh, mm, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", err
		}
		if len(s.DaysOfWeek) == 0 {
			return "", fmt.Errorf("weekly schedule needs days_of_week")
		}
		days := make([]string, len(s.DaysOfWeek))
		for i, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return "", fmt.Errorf("day_of_week %d out of range", d)
			}
			days[i] = fmt.Sprintf("%d", d)
		}
		spec = fmt.Sprintf("%d %d * * %s", mm, hh, strings.Join(days, ","))
	case TypeMonthly:
		hh, mm, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", err
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return "", fmt.Errorf("monthly schedule needs day_of_month in 1..31")
		}
		spec = fmt.Sprintf("%d %d %d * *", mm, hh, s.DayOfMonth)
	case TypeCron:
		if s.CronExpr == "" {
			return "", fmt.Errorf("cron schedule needs cron_expr")
		}
		spec = s.CronExpr
	default:
		return "", fmt.Errorf("unknown schedule type %q", s.Type)
	}
	if s.Timezone != "" {
		spec = "CRON_TZ=" + s.Timezone + " " + spec
	}
	return spec, nil
}

func parseTimeOfDay(v string) (hh, mm int, err error) {
	if _, err = fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, fmt.Errorf("time_of_day %q is not HH:MM", v)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("time_of_day %q out of range", v)
	}
	return hh, mm, nil
}

// RunRecord is one row of schedule history.
type RunRecord struct {
	ID          string     `json:"id" db:"id"`
	ScheduleID  string     `json:"schedule_id" db:"schedule_id"`
	SessionID   string     `json:"session_id" db:"session_id"` // synthesized run session
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Status      string     `json:"status" db:"status"`
	// ExecutionTimeS is wall-clock seconds for the run.
	ExecutionTimeS float64 `json:"execution_time_s" db:"execution_time_s"`
	ResultExcerpt  string  `json:"result_excerpt,omitempty" db:"result_excerpt"`
	Error          string  `json:"error,omitempty" db:"error"`
}

// Upcoming is one entry of the next-fires listing.
type Upcoming struct {
	ScheduleID string    `json:"schedule_id"`
	WorkflowID string    `json:"workflow_id"`
	NextRun    time.Time `json:"next_run"`
}
