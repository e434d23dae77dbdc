package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronCalculator is the default NextRunCalculator.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 9 * * 1-5", "@hourly", "@every 55m"
//     (seconds field optional)
//   - Interval duration: "45m", "2h30m"
//   - One-shot instant: RFC3339 ("2026-09-01T10:00:00Z") or local
//     "2006-01-02 15:04"; never fires again once the instant is past.
type CronCalculator struct {
	mu     sync.Mutex
	loc    *time.Location
	parser cron.Parser
}

func NewCronCalculator(tz string) *CronCalculator {
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return &CronCalculator{
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (c *CronCalculator) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

func (c *CronCalculator) location() *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

func (c *CronCalculator) NextRun(schedule string, now time.Time) (time.Time, bool, error) {
	spec := strings.TrimSpace(schedule)

	if at, ok := parseInstant(spec, c.location()); ok {
		if at.After(now) {
			return at, true, nil
		}
		return time.Time{}, false, nil
	}

	// A bare duration is shorthand for "@every <d>".
	if d, err := time.ParseDuration(spec); err == nil && d > 0 {
		return now.Add(d), true, nil
	}

	sched, err := c.parser.Parse(spec)
	if err != nil {
		return time.Time{}, false, err
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func parseInstant(spec string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", spec, loc); err == nil {
		return t, true
	}
	return time.Time{}, false
}
