package snooze

import (
	"fmt"
	"time"
)

type Preset string

const (
	PresetLaterToday  Preset = "later_today"
	PresetTomorrow    Preset = "tomorrow"
	PresetThisWeekend Preset = "this_weekend"
	PresetNextWeek    Preset = "next_week"
)

const (
	morningHour = 8
	eveningHour = 18
	laterDelay  = 3 * time.Hour
)

// WakeTime resolves a preset against now, in now's location.
//
//	later_today:  max(now+3h, 18:00), or tomorrow 08:00 once it is past 18:00
//	tomorrow:     next day 08:00
//	this_weekend: the coming Saturday 08:00
//	next_week:    the coming Monday 08:00
func WakeTime(p Preset, now time.Time) (time.Time, error) {
	switch p {
	case PresetLaterToday:
		evening := at(now, 0, eveningHour)
		if !now.Before(evening) {
			return at(now, 1, morningHour), nil
		}
		later := now.Add(laterDelay)
		if later.After(evening) {
			return later, nil
		}
		return evening, nil
	case PresetTomorrow:
		return at(now, 1, morningHour), nil
	case PresetThisWeekend:
		days := (int(time.Saturday) - int(now.Weekday()) + 7) % 7
		if days == 0 && !now.Before(at(now, 0, morningHour)) {
			days = 7
		}
		return at(now, days, morningHour), nil
	case PresetNextWeek:
		days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return at(now, days, morningHour), nil
	default:
		return time.Time{}, fmt.Errorf("unknown snooze preset %q", p)
	}
}

func at(now time.Time, addDays, hour int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+addDays, hour, 0, 0, 0, now.Location())
}
