package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// Rule is a schedule's recurrence: either a cron pattern or a single
// absolute time, evaluated in Location.
type Rule struct {
	Pattern   Pattern
	OneTimeAt *time.Time
	Location  *time.Location
}

// NewRule builds a rule from a schedule's stored fields. Exactly one of
// cronExpr and oneTimeAt must be set.
func NewRule(cronExpr *string, oneTimeAt *time.Time, timezone string) (Rule, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return Rule{}, err
	}
	switch {
	case cronExpr != nil && oneTimeAt != nil:
		return Rule{}, errors.New("recurrence: schedule has both cron and one-time")
	case oneTimeAt != nil:
		at := *oneTimeAt
		return Rule{OneTimeAt: &at, Location: loc}, nil
	case cronExpr != nil:
		p, err := Parse(*cronExpr)
		if err != nil {
			return Rule{Pattern: p, Location: loc}, err
		}
		return Rule{Pattern: p, Location: loc}, nil
	}
	return Rule{}, errors.New("recurrence: schedule has neither cron nor one-time")
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("recurrence: timezone %q: %w", timezone, err)
	}
	return loc, nil
}

// Next returns the next run after now. exhausted is true when the rule will
// never fire again: a one-time rule that already ran.
func (r Rule) Next(now time.Time, lastRunAt *time.Time) (next time.Time, exhausted bool, err error) {
	if r.OneTimeAt != nil {
		if lastRunAt != nil {
			return time.Time{}, true, nil
		}
		return r.OneTimeAt.In(r.Location), false, nil
	}
	next, err = ComputeNextOccurrence(r.Pattern, now, r.Location)
	if err != nil {
		if errors.Is(err, ErrNoOccurrence) {
			return time.Time{}, true, err
		}
		return time.Time{}, false, err
	}
	return next, false, nil
}
