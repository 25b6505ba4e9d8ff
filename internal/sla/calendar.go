package sla

import (
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar adds service time to an instant.
type Calendar interface {
	Add(start time.Time, d time.Duration) time.Time
}

// Continuous counts every hour of every day.
type Continuous struct{}

func (Continuous) Add(start time.Time, d time.Duration) time.Time {
	return start.Add(d)
}

// CalendarConfig describes office hours used for non-critical deadlines.
type CalendarConfig struct {
	Timezone    string
	StartHour   int
	EndHour     int
	WorkingDays []time.Weekday
	Holidays    []string
}

func (c *CalendarConfig) validate() error {
	if c.StartHour < 0 || c.EndHour > 24 || c.StartHour >= c.EndHour {
		return fmt.Errorf("working hours %d-%d are invalid", c.StartHour, c.EndHour)
	}
	if len(c.WorkingDays) == 0 {
		return errors.New("at least one working day is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return fmt.Errorf("holiday %q is not a %s date", h, dateLayout)
		}
	}
	return nil
}

// Business counts only working hours on working, non-holiday days.
type Business struct {
	loc       *time.Location
	startHour int
	endHour   int
	days      map[time.Weekday]bool
	holidays  map[string]bool
}

// NewBusiness builds a business-hours calendar from cfg.
func NewBusiness(cfg CalendarConfig) (*Business, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	b := &Business{
		loc:       loc,
		startHour: cfg.StartHour,
		endHour:   cfg.EndHour,
		days:      make(map[time.Weekday]bool, len(cfg.WorkingDays)),
		holidays:  make(map[string]bool, len(cfg.Holidays)),
	}
	for _, d := range cfg.WorkingDays {
		b.days[d] = true
	}
	for _, h := range cfg.Holidays {
		b.holidays[h] = true
	}
	return b, nil
}

// IsWorkingDay reports whether t falls on a working, non-holiday day.
func (b *Business) IsWorkingDay(t time.Time) bool {
	t = t.In(b.loc)
	return b.days[t.Weekday()] && !b.holidays[t.Format(dateLayout)]
}

func (b *Business) Add(start time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return start
	}
	cur := start.In(b.loc)
	remaining := d
	for {
		y, m, day := cur.Date()
		open := time.Date(y, m, day, b.startHour, 0, 0, 0, b.loc)
		closing := time.Date(y, m, day, b.endHour, 0, 0, 0, b.loc)
		if !b.IsWorkingDay(cur) || !cur.Before(closing) {
			cur = time.Date(y, m, day+1, b.startHour, 0, 0, 0, b.loc)
			continue
		}
		if cur.Before(open) {
			cur = open
		}
		available := closing.Sub(cur)
		if remaining <= available {
			return cur.Add(remaining).In(start.Location())
		}
		remaining -= available
		cur = time.Date(y, m, day+1, b.startHour, 0, 0, 0, b.loc)
	}
}
