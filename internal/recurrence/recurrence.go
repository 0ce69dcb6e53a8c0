// Package recurrence parses the restricted cron grammar accepted for job
// schedules and computes next run times in a schedule's timezone.
//
// Five fields are accepted: minute hour day-of-month month day-of-week.
// Minute and hour are literals. Day-of-month is *, */N or a literal; month is
// * or */N; day-of-week is * or a comma list of MON..SUN. Combinations are
// restricted to the shapes listed on Kind; anything else is Unknown and is
// never approximated.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnsupportedRecurrence marks a pattern outside the supported grammar.
var ErrUnsupportedRecurrence = errors.New("recurrence: unsupported pattern")

// ErrNoOccurrence is returned when a valid pattern has no future run.
var ErrNoOccurrence = errors.New("recurrence: no next occurrence")

// Kind is the parsed shape of a pattern.
type Kind int

const (
	Unknown       Kind = iota
	DailyAtTime        // M H * * *
	DailyEveryN        // M H */N * *
	WeeklyAtTime       // M H * * MON,WED
	MonthlyOnDay       // M H D * *
	MonthlyEveryN      // M H D */N *
)

func (k Kind) String() string {
	switch k {
	case DailyAtTime:
		return "dailyAtTime"
	case DailyEveryN:
		return "dailyEveryN"
	case WeeklyAtTime:
		return "weeklyAtTime"
	case MonthlyOnDay:
		return "monthlyOnDay"
	case MonthlyEveryN:
		return "monthlyEveryN"
	default:
		return "unknown"
	}
}

// Pattern is a parsed expression.
type Pattern struct {
	Kind     Kind
	Expr     string
	Minute   int
	Hour     int
	Day      int
	Interval int
	Weekdays []time.Weekday
}

var weekdayTokens = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

// field is one parsed cron field.
type field struct {
	star     bool
	step     int // */N
	literal  int
	isLit    bool
	weekdays []time.Weekday
}

// Parse classifies expr. An unsupported expression returns a Pattern of Kind
// Unknown together with an error wrapping ErrUnsupportedRecurrence.
func Parse(expr string) (Pattern, error) {
	p := Pattern{Kind: Unknown, Expr: strings.TrimSpace(expr)}
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return p, unsupported(expr, "expected 5 fields")
	}

	minute, err := parseLiteral(parts[0], 0, 59)
	if err != nil {
		return p, unsupported(expr, "minute: "+err.Error())
	}
	hour, err := parseLiteral(parts[1], 0, 23)
	if err != nil {
		return p, unsupported(expr, "hour: "+err.Error())
	}
	dom, err := parseStepField(parts[2], 1, 31)
	if err != nil {
		return p, unsupported(expr, "day-of-month: "+err.Error())
	}
	month, err := parseStepField(parts[3], 1, 12)
	if err != nil {
		return p, unsupported(expr, "month: "+err.Error())
	}
	if month.isLit {
		return p, unsupported(expr, "month: literal months are not supported")
	}
	dow, err := parseWeekdays(parts[4])
	if err != nil {
		return p, unsupported(expr, "day-of-week: "+err.Error())
	}

	p.Minute, p.Hour = minute, hour
	switch {
	case dom.star && month.star && dow.star:
		p.Kind = DailyAtTime
	case dom.step > 0 && month.star && dow.star:
		p.Kind = DailyEveryN
		p.Interval = dom.step
	case dom.star && month.star && !dow.star:
		p.Kind = WeeklyAtTime
		p.Weekdays = dow.weekdays
	case dom.isLit && month.star && dow.star:
		p.Kind = MonthlyOnDay
		p.Day = dom.literal
	case dom.isLit && month.step > 0 && dow.star:
		p.Kind = MonthlyEveryN
		p.Day = dom.literal
		p.Interval = month.step
	default:
		return Pattern{Kind: Unknown, Expr: p.Expr}, unsupported(expr, "unsupported field combination")
	}
	return p, nil
}

func unsupported(expr, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrUnsupportedRecurrence, expr, reason)
}

func parseLiteral(s string, min, max int) (int, error) {
	if s == "" || len(s) > 2 || strings.Trim(s, "0123456789") != "" {
		return 0, fmt.Errorf("%q is not a literal", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a literal", s)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range %d-%d", n, min, max)
	}
	return n, nil
}

func parseStepField(s string, min, max int) (field, error) {
	if s == "*" {
		return field{star: true}, nil
	}
	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		n, err := parseLiteral(rest, 1, max)
		if err != nil {
			return field{}, err
		}
		return field{step: n}, nil
	}
	n, err := parseLiteral(s, min, max)
	if err != nil {
		return field{}, err
	}
	return field{literal: n, isLit: true}, nil
}

func parseWeekdays(s string) (field, error) {
	if s == "*" {
		return field{star: true}, nil
	}
	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, tok := range strings.Split(s, ",") {
		d, ok := weekdayTokens[strings.ToUpper(strings.TrimSpace(tok))]
		if !ok {
			return field{}, fmt.Errorf("%q is not a weekday token", tok)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	return field{weekdays: days}, nil
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronSpec renders p back into a canonical expression for the cron search.
func (p Pattern) cronSpec() (string, error) {
	switch p.Kind {
	case DailyAtTime:
		return fmt.Sprintf("%d %d * * *", p.Minute, p.Hour), nil
	case DailyEveryN:
		return fmt.Sprintf("%d %d */%d * *", p.Minute, p.Hour, p.Interval), nil
	case WeeklyAtTime:
		days := make([]string, 0, len(p.Weekdays))
		for _, d := range p.Weekdays {
			days = append(days, strconv.Itoa(int(d)))
		}
		return fmt.Sprintf("%d %d * * %s", p.Minute, p.Hour, strings.Join(days, ",")), nil
	case MonthlyOnDay:
		return fmt.Sprintf("%d %d %d * *", p.Minute, p.Hour, p.Day), nil
	case MonthlyEveryN:
		return fmt.Sprintf("%d %d %d */%d *", p.Minute, p.Hour, p.Day, p.Interval), nil
	}
	return "", unsupported(p.Expr, "unknown pattern")
}

// ComputeNextOccurrence returns the first time strictly after now matching p,
// evaluated in loc. A day-of-month missing from a month skips that month.
func ComputeNextOccurrence(p Pattern, now time.Time, loc *time.Location) (time.Time, error) {
	spec, err := p.cronSpec()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnsupportedRecurrence, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if s, ok := sched.(*cron.SpecSchedule); ok {
		s.Location = loc
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoOccurrence, p.Expr, now.Format(time.RFC3339))
	}
	return next.In(loc), nil
}

// Occurrences lists the next n run times after now.
func Occurrences(p Pattern, now time.Time, loc *time.Location, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cursor := now
	for i := 0; i < n; i++ {
		next, err := ComputeNextOccurrence(p, cursor, loc)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// Describe renders p for people.
func Describe(p Pattern) string {
	at := fmt.Sprintf("%02d:%02d", p.Hour, p.Minute)
	switch p.Kind {
	case DailyAtTime:
		return "daily at " + at
	case DailyEveryN:
		return fmt.Sprintf("every %d days at %s", p.Interval, at)
	case WeeklyAtTime:
		names := make([]string, 0, len(p.Weekdays))
		for _, d := range p.Weekdays {
			names = append(names, d.String()[:3])
		}
		return fmt.Sprintf("weekly on %s at %s", strings.Join(names, ", "), at)
	case MonthlyOnDay:
		return fmt.Sprintf("monthly on day %d at %s", p.Day, at)
	case MonthlyEveryN:
		return fmt.Sprintf("every %d months on day %d at %s", p.Interval, p.Day, at)
	}
	return "unsupported"
}
