package digest

import (
	"fmt"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
)

// Kind names a digest cadence
type Kind string

const (
	Daily  Kind = "daily"
	Weekly Kind = "weekly"
)

// Kinds lists every digest kind
var Kinds = []Kind{Daily, Weekly}

// ParseKind parses "daily" or "weekly"
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Daily, Weekly:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown digest kind %q (want daily or weekly)", s)
	}
}

// Schedule places period boundaries for one kind. A period runs from one
// fire time up to, but not including, the next.
type Schedule struct {
	Kind      Kind
	Enabled   bool
	Hour      int
	Minute    int
	Weekday   time.Weekday
	Threshold core.Tier
	Location  *time.Location
}

// Schedules returns the daily and weekly schedules of a settings snapshot
func Schedules(d config.DigestConfig) []Schedule {
	return []Schedule{
		ScheduleFor(d, Daily),
		ScheduleFor(d, Weekly),
	}
}

// ScheduleFor returns the schedule of one kind
func ScheduleFor(d config.DigestConfig, kind Kind) Schedule {
	sc := d.Daily
	if kind == Weekly {
		sc = d.Weekly
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return Schedule{
		Kind:      kind,
		Enabled:   sc.Enabled,
		Hour:      sc.Hour,
		Minute:    sc.Minute,
		Weekday:   sc.Weekday,
		Threshold: sc.Threshold,
		Location:  loc,
	}
}

// PeriodStart returns the latest fire time at or before t
func (s Schedule) PeriodStart(t time.Time) time.Time {
	t = t.In(s.Location)
	b := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, s.Location)
	if s.Kind == Weekly {
		back := (int(t.Weekday()) - int(s.Weekday) + 7) % 7
		b = b.AddDate(0, 0, -back)
		if b.After(t) {
			b = b.AddDate(0, 0, -7)
		}
		return b
	}
	if b.After(t) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// Next returns the fire time after the period starting at start
func (s Schedule) Next(start time.Time) time.Time {
	if s.Kind == Weekly {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 0, 1)
}

// Previous returns the start of the period before the one starting at start
func (s Schedule) Previous(start time.Time) time.Time {
	if s.Kind == Weekly {
		return start.AddDate(0, 0, -7)
	}
	return start.AddDate(0, 0, -1)
}

// ClosedAt returns the start of the period that most recently closed at or
// before now
func (s Schedule) ClosedAt(now time.Time) time.Time {
	return s.Previous(s.PeriodStart(now))
}

// CronSpec is the six-field cron expression (with seconds) of the schedule
func (s Schedule) CronSpec() string {
	if s.Kind == Weekly {
		return fmt.Sprintf("0 %d %d * * %s", s.Minute, s.Hour, weekdayAbbrev(s.Weekday))
	}
	return fmt.Sprintf("0 %d %d * * *", s.Minute, s.Hour)
}

func weekdayAbbrev(d time.Weekday) string {
	return [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}[d]
}
