package adapter

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "techcal/internal/log"
)

const maxOccurrencesPerEvent = 500

// expandWindow limits which instances of a recurring event are emitted.
// Non-recurring events are never filtered; history keeps past events.
type expandWindow struct {
	Start time.Time
	End   time.Time
}

// expand turns parsed VEVENTs into concrete events. Recurring ones are
// expanded inside win with EXDATE applied; RECURRENCE-ID overrides replace
// the matching instance.
func expand(events []vevent, win expandWindow) []vevent {
	overrides := map[string][]vevent{}
	var bases []vevent
	for _, ev := range events {
		if ev.Recurrence != nil && ev.UID != "" {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	out := make([]vevent, 0, len(bases))
	used := map[*vevent]bool{}
	for _, ev := range bases {
		if ev.RRule == "" || ev.Start.IsZero() {
			out = append(out, ev)
			continue
		}
		out = append(out, expandRecurring(ev, overrides[ev.UID], win, used)...)
	}

	// Overrides whose base is missing or outside the window still describe a
	// real instance.
	for uid := range overrides {
		for i := range overrides[uid] {
			if !used[&overrides[uid][i]] {
				o := overrides[uid][i]
				o.Recurrence = nil
				out = append(out, o)
			}
		}
	}
	return out
}

func expandRecurring(ev vevent, overrides []vevent, win expandWindow, used map[*vevent]bool) []vevent {
	// DTSTART must be set before the rule is built; weekday and hour
	// defaults derive from it.
	opt, err := rrule.StrToROption(ev.RRule)
	var r *rrule.RRule
	if err == nil {
		opt.Dtstart = ev.Start
		r, err = rrule.NewRRule(*opt)
	}
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		ev.RRule = ""
		return []vevent{ev}
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	times := set.Between(win.Start.In(loc), win.End.In(loc), true)
	if len(times) > maxOccurrencesPerEvent {
		appLog.Error("expand: truncated occurrences", errors.New("max occurrences reached"),
			"uid", ev.UID, "cap", maxOccurrencesPerEvent)
		times = times[:maxOccurrencesPerEvent]
	}

	var dur time.Duration
	if !ev.End.IsZero() {
		dur = ev.End.Sub(ev.Start)
	}
	out := make([]vevent, 0, len(times))
	for _, start := range times {
		inst := ev
		inst.RRule = ""
		inst.ExDates = nil
		inst.Start = start
		if dur > 0 {
			inst.End = start.Add(dur)
		} else {
			inst.End = time.Time{}
		}
		for i := range overrides {
			if overrides[i].Recurrence.Equal(start) {
				inst = overrides[i]
				inst.Recurrence = nil
				used[&overrides[i]] = true
				break
			}
		}
		out = append(out, inst)
	}
	return out
}
