// Package schedule implements the Schedule Evaluator:
// membership testing and nominal pricing for named time-of-week
// schedules, including dawn/dusk symbolic times and midnight-wrapping
// windows.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"nrgchamp/powercontroller/internal/clock"
	"nrgchamp/powercontroller/internal/config"
)

// Window is a resolved, comparable form of config.ScheduleWindow.
type Window struct {
	StartTime string
	EndTime   string
	Days      dayMask
	Price     *float64
}

type dayMask uint8

const allDays dayMask = 0x7f

func dayBit(d time.Weekday) dayMask { return 1 << dayMask(d) }

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDayMask(s string) (dayMask, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "All") {
		return allDays, nil
	}
	var mask dayMask
	for _, part := range strings.Split(s, ",") {
		key := strings.ToLower(strings.TrimSpace(part))[:3]
		d, ok := dayNames[key]
		if !ok {
			return 0, fmt.Errorf("schedule: unknown weekday %q", part)
		}
		mask |= dayBit(d)
	}
	return mask, nil
}

// Evaluator resolves schedule windows against an instant, using the
// configured Ephemeris for dawn/dusk symbolic times.
type Evaluator struct {
	ephemeris clock.Ephemeris
	schedules map[string][]Window
}

func New(ephemeris clock.Ephemeris, cfgSchedules []config.Schedule) (*Evaluator, error) {
	e := &Evaluator{ephemeris: ephemeris, schedules: map[string][]Window{}}
	for _, s := range cfgSchedules {
		windows := make([]Window, 0, len(s.Windows))
		for _, w := range s.Windows {
			mask, err := parseDayMask(w.DaysOfWeek)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
			}
			windows = append(windows, Window{StartTime: w.StartTime, EndTime: w.EndTime, Days: mask, Price: w.Price})
		}
		e.schedules[s.Name] = windows
	}
	return e, nil
}

// resolveTimeOfDay turns "HH:MM", "dawn" or "dusk" into a concrete local
// time on the same calendar date as `at`.
func (e *Evaluator) resolveTimeOfDay(spec string, at time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "dawn":
		return e.ephemeris.Dawn(at), nil
	case "dusk":
		return e.ephemeris.Dusk(at), nil
	}
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("schedule: bad time-of-day %q", spec)
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return time.Time{}, fmt.Errorf("schedule: bad time-of-day %q", spec)
	}
	y, m, d := at.Date()
	return time.Date(y, m, d, hh, mm, 0, 0, at.Location()), nil
}

// InWindow reports whether `at` falls within any window of the named
// schedule, and the lowest nominal price among the windows it matched
// (ties across overlapping windows return the lowest price).
func (e *Evaluator) InWindow(scheduleName string, at time.Time) (bool, *float64, error) {
	windows, ok := e.schedules[scheduleName]
	if !ok {
		return false, nil, fmt.Errorf("schedule: unknown schedule %q", scheduleName)
	}
	var hit bool
	var best *float64
	for _, w := range windows {
		ok, err := e.windowContains(w, at)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			continue
		}
		hit = true
		if w.Price != nil && (best == nil || *w.Price < *best) {
			best = w.Price
		}
	}
	return hit, best, nil
}

// windowContains implements membership for a single window, handling
// midnight wrap (end <= start means the window spans into the next day)
// and weekday-mask membership evaluated against the window's *start* day.
func (e *Evaluator) windowContains(w Window, at time.Time) (bool, error) {
	start, err := e.resolveTimeOfDay(w.StartTime, at)
	if err != nil {
		return false, err
	}
	end, err := e.resolveTimeOfDay(w.EndTime, at)
	if err != nil {
		return false, err
	}

	if !end.After(start) {
		// Wraps midnight: window is [start, 24:00) today plus [00:00, end) tomorrow.
		// Check against "at" on today's window and against "at" as if it
		// were the tail end of yesterday's window.
		if !at.Before(start) {
			return w.Days&dayBit(start.Weekday()) != 0, nil
		}
		yesterdayStart := start.AddDate(0, 0, -1)
		yesterdayEnd := end.AddDate(0, 0, 0) // end already resolved for `at`'s date, which is the "tomorrow" side
		if at.Before(yesterdayEnd) && w.Days&dayBit(yesterdayStart.Weekday()) != 0 {
			return true, nil
		}
		return false, nil
	}

	if at.Before(start) || !at.Before(end) {
		return false, nil
	}
	return w.Days&dayBit(start.Weekday()) != 0, nil
}
