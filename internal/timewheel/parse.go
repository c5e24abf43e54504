package timewheel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/nathan-osman/go-sunrise"

	"github.com/songokas/hvents/internal/herrors"
)

// Location is the latitude/longitude pair the time wheel uses to compute
// sunrise/sunset fires, sourced from config.Root.Location.
type Location struct {
	Latitude  float64
	Longitude float64
}

var relativeSpec = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(second|seconds|minute|minutes|hour|hours|day|days)$`)

var unitDurations = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseSpec resolves a human time specification (spec.md §4.3) to an
// absolute instant relative to now. The second return value reports
// whether the resolved instant rolled forward (useful only for callers
// that care; Repeat always recomputes unconditionally on fire).
func ParseSpec(s string, loc Location, now time.Time) (time.Time, bool, error) {
	s = strings.TrimSpace(s)

	if m := relativeSpec.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false, herrors.NewConfig("timewheel.ParseSpec", s, err)
		}
		unit := unitDurations[strings.ToLower(m[2])]
		return now.Add(time.Duration(n) * unit), false, nil
	}

	if clock, ok := parseClockTime(s); ok {
		t := time.Date(now.Year(), now.Month(), now.Day(), clock.hour, clock.min, clock.sec, 0, now.Location())
		rolled := false
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
			rolled = true
		}
		return t, rolled, nil
	}

	if rest, ok := cutPrefix(s, "sunrise"); ok {
		return sunEvent(rest, loc, now, true)
	}
	if rest, ok := cutPrefix(s, "sunset"); ok {
		return sunEvent(rest, loc, now, false)
	}

	t, err := dateparse.ParseLocal(s)
	if err != nil {
		return time.Time{}, false, herrors.NewConfig("timewheel.ParseSpec", s, fmt.Errorf("unrecognized time spec: %w", err))
	}
	return t, false, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	low := strings.ToLower(s)
	if low == strings.ToLower(prefix) {
		return "", true
	}
	if strings.HasPrefix(low, strings.ToLower(prefix)+" ") {
		return strings.TrimSpace(s[len(prefix):]), true
	}
	return "", false
}

// sunEvent computes today's sunrise or sunset for loc, applies an
// optional "in N unit" offset parsed from rest, and rolls to tomorrow if
// the resulting instant has already passed.
func sunEvent(rest string, loc Location, now time.Time, rise bool) (time.Time, bool, error) {
	base, err := sunInstant(loc, now, rise)
	if err != nil {
		return time.Time{}, false, err
	}

	var offset time.Duration
	if rest != "" {
		m := relativeSpec.FindStringSubmatch(rest)
		if m == nil {
			return time.Time{}, false, herrors.NewConfig("timewheel.ParseSpec", rest, fmt.Errorf("invalid sunrise/sunset offset"))
		}
		n, _ := strconv.Atoi(m[1])
		unit := unitDurations[strings.ToLower(m[2])]
		offset = time.Duration(n) * unit
	}
	base = base.Add(offset)

	rolled := false
	if !base.After(now) {
		base, err = sunInstant(loc, now.AddDate(0, 0, 1), rise)
		if err != nil {
			return time.Time{}, false, err
		}
		base = base.Add(offset)
		rolled = true
	}
	return base, rolled, nil
}

func sunInstant(loc Location, day time.Time, rise bool) (time.Time, error) {
	riseUTC, setUTC := sunrise.SunriseSunset(loc.Latitude, loc.Longitude, day.Year(), day.Month(), day.Day())
	if rise {
		return riseUTC.In(day.Location()), nil
	}
	return setUTC.In(day.Location()), nil
}

type clockTime struct {
	hour, min, sec int
}

var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

func parseClockTime(s string) (clockTime, bool) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return clockTime{}, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	if h > 23 || mi > 59 || sec > 59 {
		return clockTime{}, false
	}
	return clockTime{hour: h, min: mi, sec: sec}, true
}

// InWindow implements the Period gate of spec.md §4.3: from/to are
// parsed as HH:MM[:SS] clock times only (a period boundary is always a
// wall-clock time of day, never relative or sunrise-based), wrapping
// across midnight when from > to.
func InWindow(from, to string, now time.Time) (bool, error) {
	fc, ok := parseClockTime(strings.TrimSpace(from))
	if !ok {
		return false, herrors.NewConfig("timewheel.InWindow", from, fmt.Errorf("period.from must be HH:MM[:SS]"))
	}
	tc, ok := parseClockTime(strings.TrimSpace(to))
	if !ok {
		return false, herrors.NewConfig("timewheel.InWindow", to, fmt.Errorf("period.to must be HH:MM[:SS]"))
	}

	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	f := fc.hour*3600 + fc.min*60 + fc.sec
	t := tc.hour*3600 + tc.min*60 + tc.sec

	if f <= t {
		return cur >= f && cur <= t, nil
	}
	// Wraps across midnight: in-window if at or after `from` OR at/before `to`.
	return cur >= f || cur <= t, nil
}
