// Package schedule evaluates five-field cron specifications. It is a thin,
// stateless wrapper around the robfig/cron parser: given a spec, a timezone,
// and a half-open time window it enumerates the instants at which the job is
// expected to fire.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBadSpec is wrapped by all errors arising from an unparseable cron
// specification or an unknown timezone. Jobs whose schedule fails with it
// are marked misconfigured and excluded from liveness until fixed.
var ErrBadSpec = errors.New("schedule: bad spec")

// parser accepts the standard five fields (minute, hour, day-of-month,
// month, day-of-week) including lists, ranges, steps and *.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed cron specification bound to a timezone.
type Schedule struct {
	spec string
	loc  *time.Location
	s    cron.Schedule
}

// Parse validates spec against the five-field grammar and resolves tz (an
// IANA zone name; empty means UTC). Errors wrap ErrBadSpec.
func Parse(spec, tz string) (*Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadSpec, spec, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrBadSpec, tz, err)
		}
	}
	return &Schedule{spec: spec, loc: loc, s: s}, nil
}

// Spec returns the original specification string.
func (s *Schedule) Spec() string { return s.spec }

// Next returns the first fire instant strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.s.Next(t.In(s.loc))
}

// Fires enumerates the fire instants in [t0, t1), sorted ascending and
// reported in UTC. The evaluation is deterministic: the same (spec, tz,
// window) always yields the same instants, and the union over adjacent
// windows equals the single-window result.
//
// Local times skipped by a DST spring-forward transition never fire; local
// times repeated by a fall-back transition fire once, at the first
// occurrence.
func (s *Schedule) Fires(t0, t1 time.Time) []time.Time {
	var fires []time.Time
	// Next is strictly-after, so step back one instant to include a fire
	// exactly at t0.
	t := t0.In(s.loc).Add(-time.Second)
	for {
		t = s.s.Next(t)
		if t.IsZero() || !t.Before(t1) {
			return fires
		}
		// After a fall-back transition the wall clock repeats; a fire whose
		// local reading already occurred in the previous zone offset is the
		// second occurrence and is skipped.
		if start, _ := t.ZoneBounds(); !start.IsZero() {
			_, off := t.Zone()
			_, prevOff := start.Add(-time.Second).Zone()
			if prevOff > off && t.Add(time.Duration(off-prevOff)*time.Second).Before(start) {
				continue
			}
		}
		fires = append(fires, t.UTC())
	}
}

// ExpectedFires is the package-level convenience form of Fires.
func ExpectedFires(spec, tz string, t0, t1 time.Time) ([]time.Time, error) {
	s, err := Parse(spec, tz)
	if err != nil {
		return nil, err
	}
	return s.Fires(t0, t1), nil
}
