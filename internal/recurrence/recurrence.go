// Package recurrence turns a schedule's recurrence rule into concrete trigger instants.
//
// Interval rules are pure duration arithmetic in absolute time. Cron and fixed rules are
// evaluated in the rule's timezone and converted to UTC for storage and comparison.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/agent-scheduler/internal/model"
)

const (
	// MaxIntervalMinutes bounds INTERVAL rules to one year
	MaxIntervalMinutes = 525600

	// a cron expression must match at least once inside this window
	matchHorizon = 5 * 365 * 24 * time.Hour

	// hours 0-23 all set
	allHoursMask = uint64(1)<<24 - 1
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrInvalidRule is wrapped by every RuleError
var ErrInvalidRule = errors.New("invalid recurrence rule")

// RuleError describes which field of a rule is inconsistent and why
type RuleError struct {
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *RuleError) Unwrap() error {
	return ErrInvalidRule
}

func ruleErr(field, format string, args ...interface{}) error {
	return &RuleError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rule shape against its type and that it can fire at least once after now.
func Validate(rule model.Rule, now time.Time) error {
	if _, err := rule.Location(); err != nil {
		return ruleErr("timezone", "unknown timezone %q", rule.Timezone)
	}

	switch rule.Type {
	case model.ScheduleTypeInterval:
		if rule.CronExpression != nil || rule.FixedTime != nil {
			return ruleErr("type", "INTERVAL schedules only accept interval")
		}
		if rule.Interval == nil {
			return ruleErr("interval", "required for INTERVAL schedules")
		}
		if *rule.Interval <= 0 || *rule.Interval > MaxIntervalMinutes {
			return ruleErr("interval", "must be between 1 and %d minutes", MaxIntervalMinutes)
		}
		return nil

	case model.ScheduleTypeCron:
		if rule.Interval != nil || rule.FixedTime != nil {
			return ruleErr("type", "CRON schedules only accept cronExpression and timezone")
		}
		if rule.CronExpression == nil || strings.TrimSpace(*rule.CronExpression) == "" {
			return ruleErr("cronExpression", "required for CRON schedules")
		}
		sched, err := ParseCron(*rule.CronExpression)
		if err != nil {
			return err
		}
		loc, _ := rule.Location()
		next := sched.Next(now.In(loc))
		if next.IsZero() || next.Sub(now) > matchHorizon {
			return ruleErr("cronExpression", "%q never matches", *rule.CronExpression)
		}
		return nil

	case model.ScheduleTypeFixed:
		if rule.Interval != nil || rule.CronExpression != nil {
			return ruleErr("type", "FIXED schedules only accept fixedTime")
		}
		if rule.FixedTime == nil {
			return ruleErr("fixedTime", "required for FIXED schedules")
		}
		if !rule.FixedTime.After(now) {
			return ruleErr("fixedTime", "must be in the future")
		}
		return nil

	default:
		return ruleErr("type", "must be one of INTERVAL, CRON, FIXED (got %q)", rule.Type)
	}
}

// ParseCron parses a five-field expression or descriptor. Timezone prefixes and @every
// are rejected: the timezone field and INTERVAL rules cover those.
func ParseCron(expr string) (*cron.SpecSchedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, ruleErr("cronExpression", "set the timezone field instead of a TZ prefix")
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, ruleErr("cronExpression", "%v", err)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, ruleErr("cronExpression", "@every is not supported, use an INTERVAL schedule")
	}
	return spec, nil
}

// Next returns the smallest trigger instant strictly after from, in UTC, or nil when the
// rule will never fire again. Rules are assumed to have passed Validate.
func Next(rule model.Rule, from time.Time) *time.Time {
	switch rule.Type {
	case model.ScheduleTypeInterval:
		if rule.Interval == nil || *rule.Interval <= 0 {
			return nil
		}
		next := from.Add(time.Duration(*rule.Interval) * time.Minute).UTC()
		return &next

	case model.ScheduleTypeCron:
		if rule.CronExpression == nil {
			return nil
		}
		spec, err := ParseCron(*rule.CronExpression)
		if err != nil {
			return nil
		}
		loc, err := rule.Location()
		if err != nil {
			return nil
		}
		return nextCron(spec, loc, from)

	case model.ScheduleTypeFixed:
		if rule.FixedTime == nil || !from.Before(*rule.FixedTime) {
			return nil
		}
		next := rule.FixedTime.UTC()
		return &next
	}
	return nil
}

// nextCron evaluates spec in loc without double-firing on repeated wall-clock times and
// without dropping wall-clock times that a forward transition skipped.
func nextCron(spec *cron.SpecSchedule, loc *time.Location, from time.Time) *time.Time {
	local := from.In(loc)
	next := spec.Next(local)
	if next.IsZero() {
		return nil
	}

	if spec.Hour&allHoursMask != allHoursMask {
		for i := 0; i < 1500 && isRepeatedWallClock(next); i++ {
			next = spec.Next(next)
			if next.IsZero() {
				return nil
			}
		}
	}

	_, fromOffset := local.Zone()
	_, nextOffset := next.Zone()
	if nextOffset > fromOffset {
		// Clocks moved forward between from and next. Evaluate against the old offset to
		// find a wall-clock time that fell into the gap.
		candidate := spec.Next(from.In(time.FixedZone("", fromOffset)))
		if !candidate.IsZero() && candidate.Before(next) && !wallClockExists(candidate, loc) {
			next = candidate
		}
	}

	utc := next.UTC()
	return &utc
}

// isRepeatedWallClock reports whether t is the second occurrence of its wall-clock time,
// i.e. clocks were set back and the same reading was already shown earlier.
func isRepeatedWallClock(t time.Time) bool {
	_, offset := t.Zone()
	_, dayBefore := t.Add(-24 * time.Hour).Zone()
	if dayBefore <= offset {
		return false
	}
	first := t.Add(-time.Duration(dayBefore-offset) * time.Second)
	_, firstOffset := first.Zone()
	return firstOffset == dayBefore &&
		first.Hour() == t.Hour() && first.Minute() == t.Minute() && first.Day() == t.Day()
}

// wallClockExists reports whether t's wall-clock reading exists in loc.
func wallClockExists(t time.Time, loc *time.Location) bool {
	y, mo, d := t.Date()
	in := time.Date(y, mo, d, t.Hour(), t.Minute(), t.Second(), 0, loc)
	return in.Hour() == t.Hour() && in.Minute() == t.Minute() && in.Day() == d
}
